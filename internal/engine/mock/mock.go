// Package mock provides a synthesizer that produces silence, for demos and
// tests without a speech model installed.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/dgnsrekt/narrator/internal/voice"
)

// Synthesizer implements engine.Synthesizer with generated silence.
type Synthesizer struct {
	mu sync.Mutex

	delay          time.Duration
	sampleRate     int
	voices         []string
	wordsPerMinute float64

	loadErr  error
	failures map[string]error
	calls    []string
	closed   bool
}

var _ engine.Synthesizer = (*Synthesizer)(nil)

// Option configures the mock synthesizer.
type Option func(*Synthesizer)

// WithDelay sets the simulated processing delay per call.
func WithDelay(d time.Duration) Option {
	return func(s *Synthesizer) { s.delay = d }
}

// WithSampleRate sets the sample rate of the produced audio.
func WithSampleRate(rate int) Option {
	return func(s *Synthesizer) { s.sampleRate = rate }
}

// WithVoices replaces the voice list.
func WithVoices(ids ...string) Option {
	return func(s *Synthesizer) { s.voices = ids }
}

// WithWordsPerMinute sets the speaking rate used to size the silence.
func WithWordsPerMinute(wpm float64) Option {
	return func(s *Synthesizer) { s.wordsPerMinute = wpm }
}

// WithLoadError makes Load fail.
func WithLoadError(err error) Option {
	return func(s *Synthesizer) { s.loadErr = err }
}

// New creates a mock synthesizer.
func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{
		delay:          100 * time.Millisecond,
		sampleRate:     ttypes.DefaultSampleRate,
		voices:         voice.Standard,
		wordsPerMinute: 150,
		failures:       make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Device implements engine.Synthesizer.
func (s *Synthesizer) Device() string { return "mock" }

// Load implements engine.Synthesizer.
func (s *Synthesizer) Load(ctx context.Context) error { return s.loadErr }

// Voices implements engine.Synthesizer.
func (s *Synthesizer) Voices() []string { return s.voices }

// Synthesize implements engine.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string, speed float64) (engine.Audio, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	err := s.failures[text]
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return engine.Audio{}, ctx.Err()
		}
	}
	if err != nil {
		return engine.Audio{}, err
	}

	duration := s.EstimateDuration(text, speed)
	samples := int(duration.Seconds() * float64(s.sampleRate))
	return engine.Audio{
		PCM:        make([]byte, samples*2),
		SampleRate: s.sampleRate,
		Channels:   ttypes.DefaultChannels,
	}, nil
}

// Close implements engine.Synthesizer.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Test control methods

// FailOn makes every call for text fail with err.
func (s *Synthesizer) FailOn(text string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[text] = err
}

// Calls returns the texts synthesized so far, in order.
func (s *Synthesizer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Closed reports whether Close was called.
func (s *Synthesizer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// EstimateDuration estimates speaking duration for text at speed.
func (s *Synthesizer) EstimateDuration(text string, speed float64) time.Duration {
	if speed <= 0 {
		speed = ttypes.DefaultSpeed
	}
	// Rough estimate: 5 chars per word
	words := len(text) / 5
	if words < 1 {
		words = 1
	}
	seconds := float64(words) * 60.0 / (s.wordsPerMinute * speed)
	return time.Duration(seconds * float64(time.Second))
}
