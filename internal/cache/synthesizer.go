package cache

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/engine"
)

// Synthesizer serves repeated synthesis calls from a Memory cache.
type Synthesizer struct {
	engine.Synthesizer
	cache *Memory
}

// Wrap returns s with its results cached in c. Closing the returned
// synthesizer closes s and c.
func Wrap(s engine.Synthesizer, c *Memory) *Synthesizer {
	return &Synthesizer{Synthesizer: s, cache: c}
}

// Synthesize implements engine.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string, speed float64) (engine.Audio, error) {
	key := Key(text, voice, speed)
	if audio, ok := s.cache.Get(key); ok {
		log.Debug("Cache: hit", "key", key)
		return audio, nil
	}

	audio, err := s.Synthesizer.Synthesize(ctx, text, voice, speed)
	if err != nil {
		return engine.Audio{}, err
	}
	if err := s.cache.Put(key, audio); err != nil {
		log.Debug("Cache: not stored", "key", key, "error", err)
	}
	return audio, nil
}

// Close implements engine.Synthesizer.
func (s *Synthesizer) Close() error {
	st := s.cache.Stats()
	log.Debug("Cache: closing", "items", st.Items, "bytes", st.Size, "hits", st.Hits, "misses", st.Misses, "evictions", st.Evictions)

	err := s.Synthesizer.Close()
	if cerr := s.cache.Close(); err == nil {
		err = cerr
	}
	return err
}
