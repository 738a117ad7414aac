package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/klauspost/compress/zstd"
)

// ErrItemTooLarge is returned when an item exceeds the cache capacity.
var ErrItemTooLarge = errors.New("item too large for cache")

// Stats holds cache counters.
type Stats struct {
	Capacity  int64 // bytes
	Size      int64 // bytes held, after compression
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate is the share of lookups that found an entry.
func (s Stats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

// Memory is an LRU cache of synthesized audio bounded by size in bytes.
// PCM is optionally held zstd compressed.
type Memory struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	items    map[string]*list.Element
	eviction *list.List
	stats    Stats

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

type entry struct {
	key        string
	pcm        []byte
	sampleRate int
	channels   int
}

func (e *entry) size() int64 { return int64(len(e.pcm)) }

// NewMemory creates a cache holding up to capacity bytes.
func NewMemory(capacity int64, compress bool) (*Memory, error) {
	c := &Memory{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
	}
	if compress {
		var err error
		c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}
	return c, nil
}

// Key identifies the audio of text spoken with voice at speed.
func Key(text, voice string, speed float64) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.2f", text, voice, speed)))
	return hex.EncodeToString(hash[:16])
}

// Get returns the audio stored under key and marks it recently used.
func (c *Memory) Get(key string) (engine.Audio, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return engine.Audio{}, false
	}
	e := elem.Value.(*entry)

	pcm := e.pcm
	if c.decoder != nil {
		var err error
		pcm, err = c.decoder.DecodeAll(e.pcm, nil)
		if err != nil {
			// Corrupt entries are dropped and count as a miss.
			c.remove(elem)
			c.stats.Misses++
			return engine.Audio{}, false
		}
	} else {
		pcm = append([]byte(nil), pcm...)
	}

	c.eviction.MoveToFront(elem)
	c.stats.Hits++
	return engine.Audio{PCM: pcm, SampleRate: e.sampleRate, Channels: e.channels}, true
}

// Put stores audio under key, evicting the least recently used entries to
// make room.
func (c *Memory) Put(key string, audio engine.Audio) error {
	pcm := audio.PCM
	if c.encoder != nil {
		pcm = c.encoder.EncodeAll(audio.PCM, nil)
	} else {
		pcm = append([]byte(nil), pcm...)
	}
	e := &entry{key: key, pcm: pcm, sampleRate: audio.SampleRate, channels: audio.Channels}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.size() > c.capacity {
		return ErrItemTooLarge
	}
	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
	for c.size+e.size() > c.capacity && c.eviction.Len() > 0 {
		c.remove(c.eviction.Back())
		c.stats.Evictions++
	}

	c.items[key] = c.eviction.PushFront(e)
	c.size += e.size()
	return nil
}

// Contains reports whether key is cached without touching its recency.
func (c *Memory) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Clear removes every entry.
func (c *Memory) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.eviction.Init()
	c.size = 0
}

// Stats returns a snapshot of the counters.
func (c *Memory) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Capacity = c.capacity
	s.Size = c.size
	s.Items = len(c.items)
	return s
}

// Close releases the compressor.
func (c *Memory) Close() error {
	if c.encoder != nil {
		if err := c.encoder.Close(); err != nil {
			return err
		}
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}

// remove must be called with the lock held.
func (c *Memory) remove(elem *list.Element) {
	c.eviction.Remove(elem)
	e := elem.Value.(*entry)
	delete(c.items, e.key)
	c.size -= e.size()
}
