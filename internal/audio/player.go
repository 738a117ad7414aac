package audio

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/ebitengine/oto/v3"
)

// ErrPlayerClosed is returned when starting a segment on a closed player.
var ErrPlayerClosed = errors.New("player is closed")

// PlayerConfig contains configuration for the audio player.
type PlayerConfig struct {
	SampleRate int // 0 adopts the rate of the first segment
	Channels   int // 1 = mono, 2 = stereo
	BufferSize int // bytes
	Volume     float64

	// A playing segment sleeps until EndLead before its expected end, then
	// is checked for completion every PollInterval. The poll interval is
	// the most silence added between back to back segments.
	PollInterval time.Duration
	EndLead      time.Duration
}

// DefaultPlayerConfig returns the default player configuration.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		SampleRate:   ttypes.DefaultSampleRate,
		Channels:     ttypes.DefaultChannels,
		BufferSize:   4096,
		Volume:       1.0,
		PollInterval: 2 * time.Millisecond,
		EndLead:      50 * time.Millisecond,
	}
}

func validateConfig(config PlayerConfig) error {
	if config.SampleRate != 0 && (config.SampleRate < 8000 || config.SampleRate > 48000) {
		return fmt.Errorf("sample rate must be between 8000 and 48000 Hz, got %d", config.SampleRate)
	}
	if config.Channels != 1 && config.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", config.Channels)
	}
	if config.BufferSize <= 0 {
		return errors.New("buffer size must be positive")
	}
	if config.Volume < 0 || config.Volume > 1 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", config.Volume)
	}
	return nil
}

// Player is a Sink backed by the system audio device.
//
// oto allows one context per process, so the device is opened once at a
// single sample rate. Segments at any other rate fail with a playback
// device error.
type Player struct {
	config PlayerConfig

	mu      sync.Mutex
	context *oto.Context
	rate    int
	closed  bool

	volume atomic.Uint64 // millionths
}

// NewPlayer creates a player. The device is opened immediately unless the
// sample rate is left to the first segment.
func NewPlayer(config PlayerConfig) (*Player, error) {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPlayerConfig().PollInterval
	}
	if config.EndLead < 0 {
		config.EndLead = 0
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &Player{config: config}
	p.volume.Store(uint64(config.Volume * 1000000))

	if config.SampleRate != 0 {
		if err := p.open(config.SampleRate); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// open creates the oto context. Callers hold p.mu or own p exclusively.
func (p *Player) open(rate int) error {
	op := &oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: p.config.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(p.config.BufferSize) * time.Second / time.Duration(rate*p.config.Channels*2),
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return ttypes.PlaybackDeviceError("open audio device", err)
	}
	<-ready

	p.context = ctx
	p.rate = rate
	log.Debug("Audio: device opened", "rate", rate, "channels", p.config.Channels)
	return nil
}

// SampleRate returns the device rate, or 0 if the device is not open yet.
func (p *Player) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// SetVolume sets the volume (0.0 to 1.0) for segments started afterwards.
func (p *Player) SetVolume(volume float64) error {
	if volume < 0.0 || volume > 1.0 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", volume)
	}
	p.volume.Store(uint64(volume * 1000000))
	return nil
}

// Volume returns the current volume.
func (p *Player) Volume() float64 {
	return float64(p.volume.Load()) / 1000000.0
}

// Start implements Sink.
func (p *Player) Start(seg ttypes.AudioSegment, done func()) (Stream, error) {
	if len(seg.PCM) == 0 {
		return nil, ttypes.PlaybackDeviceError("empty segment", nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ttypes.PlaybackDeviceError("start segment", ErrPlayerClosed)
	}

	rate := seg.SampleRate
	if rate == 0 {
		rate = ttypes.DefaultSampleRate
	}
	if p.context == nil {
		if err := p.open(rate); err != nil {
			return nil, err
		}
	}
	if rate != p.rate {
		return nil, ttypes.PlaybackDeviceError(
			fmt.Sprintf("segment sample rate %d does not match device rate %d", rate, p.rate), nil)
	}

	// The player reads from data until playback ends, so keep our own copy.
	data := make([]byte, len(seg.PCM))
	copy(data, seg.PCM)

	player := p.context.NewPlayer(bytes.NewReader(data))
	player.SetVolume(p.Volume())
	player.Play()

	s := &otoStream{
		player: player,
		data:   data,
		done:   done,
		stop:   make(chan struct{}),
	}
	// Timing follows the device format, which is how oto reads data.
	seg.SampleRate, seg.Channels = rate, p.config.Channels
	go s.monitor(pollStart(seg.Duration(), p.config.EndLead), p.config.PollInterval)
	return s, nil
}

// pollStart is how long a segment lasting d plays before polling for its
// end begins.
func pollStart(d, lead time.Duration) time.Duration {
	if d <= lead {
		return 0
	}
	return d - lead
}

// Close stops accepting segments. Streams already started keep playing
// until closed.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	// oto/v3 has no context Close; the device is released at exit.
	return nil
}

type otoStream struct {
	player *oto.Player
	data   []byte
	done   func()

	stop      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	finished  bool
}

func (s *otoStream) monitor(quiet, interval time.Duration) {
	if quiet > 0 {
		timer := time.NewTimer(quiet)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.player.IsPlaying() {
				continue
			}
			if err := s.player.Err(); err != nil {
				log.Warn("Audio: playback error", "error", err)
			}
			s.mu.Lock()
			if s.finished {
				s.mu.Unlock()
				return
			}
			s.finished = true
			s.mu.Unlock()

			s.release()
			if s.done != nil {
				s.done()
			}
			return
		}
	}
}

func (s *otoStream) Close() error {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.release()
	return nil
}

func (s *otoStream) release() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.player.Pause()
		if err := s.player.Close(); err != nil {
			log.Debug("Audio: closing player", "error", err)
		}
		s.data = nil
	})
}
