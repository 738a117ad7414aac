// Package gtts synthesizes speech with gTTS (Google Translate TTS).
// Process: text → gtts-cli → MP3 → ffmpeg → PCM. No API key is required,
// but requests are rate limited to avoid being blocked.
package gtts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"golang.org/x/time/rate"
)

const (
	// Text size limit (Google has limits on text length)
	maxTextSize = 5000

	// Sanity check: MP3 shouldn't be too large
	maxMP3Size = 50 * 1024 * 1024
)

// accent is the gTTS language and Google domain for a voice.
type accent struct {
	lang string
	tld  string
}

// voices maps voice ids to accents. gTTS has a single voice per accent, so
// every id is female.
var voices = map[string]accent{
	"af_google": {"en", "com"},
	"bf_google": {"en", "co.uk"},
	"ef_google": {"es", "es"},
	"ff_google": {"fr", "fr"},
	"hf_google": {"hi", "co.in"},
	"if_google": {"it", "it"},
	"jf_google": {"ja", "co.jp"},
	"pf_google": {"pt", "com.br"},
	"zf_google": {"zh-CN", "com"},
}

// Config holds configuration for the gTTS synthesizer.
type Config struct {
	// GTTSBinary defaults to "gtts-cli".
	GTTSBinary string

	// FFmpegBinary defaults to "ffmpeg".
	FFmpegBinary string

	// SampleRate of the produced PCM, defaults to 22050.
	SampleRate int

	// RequestsPerMinute limits calls to Google, defaults to 50.
	RequestsPerMinute int

	// Timeout bounds each external command.
	Timeout time.Duration
}

// Synthesizer implements engine.Synthesizer with gtts-cli and ffmpeg.
type Synthesizer struct {
	config      Config
	rateLimiter *rate.Limiter
	voices      []string
}

var _ engine.Synthesizer = (*Synthesizer)(nil)

// New creates a gTTS synthesizer.
func New(config Config) *Synthesizer {
	if config.GTTSBinary == "" {
		config.GTTSBinary = "gtts-cli"
	}
	if config.FFmpegBinary == "" {
		config.FFmpegBinary = "ffmpeg"
	}
	if config.SampleRate == 0 {
		config.SampleRate = ttypes.DefaultSampleRate
	}
	if config.RequestsPerMinute == 0 {
		config.RequestsPerMinute = 50 // Conservative default
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	ids := make([]string, 0, len(voices))
	for id := range voices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &Synthesizer{
		config:      config,
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), 1),
		voices:      ids,
	}
}

// Device implements engine.Synthesizer.
func (s *Synthesizer) Device() string { return "google (network)" }

// Load checks both external commands are installed.
func (s *Synthesizer) Load(ctx context.Context) error {
	for _, bin := range []*string{&s.config.GTTSBinary, &s.config.FFmpegBinary} {
		path, err := engine.LookBinary(*bin)
		if err != nil {
			return err
		}
		*bin = path
	}
	log.Debug("gTTS: ready", "gtts", s.config.GTTSBinary, "ffmpeg", s.config.FFmpegBinary)
	return nil
}

// Voices implements engine.Synthesizer.
func (s *Synthesizer) Voices() []string { return s.voices }

// Synthesize implements engine.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string, speed float64) (engine.Audio, error) {
	acc, ok := voices[voice]
	if !ok {
		return engine.Audio{}, fmt.Errorf("%s: %s", ttypes.EngineUnknownVoice, voice)
	}
	if text == "" {
		return engine.Audio{}, errors.New(ttypes.EngineEmptyText)
	}
	if len(text) > maxTextSize {
		return engine.Audio{}, fmt.Errorf("text too long: %d characters (max %d)", len(text), maxTextSize)
	}

	if err := s.rateLimiter.Wait(ctx); err != nil {
		return engine.Audio{}, fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	mp3, err := engine.RunCommand(ctx, s.config.Timeout, "", s.config.GTTSBinary,
		text, "-l", acc.lang, "-t", acc.tld, "-o", "-")
	if err != nil {
		return engine.Audio{}, fmt.Errorf("MP3 generation failed: %w", err)
	}
	if len(mp3) == 0 {
		return engine.Audio{}, errors.New("gtts-cli produced no MP3 output")
	}
	if len(mp3) > maxMP3Size {
		return engine.Audio{}, fmt.Errorf("gtts-cli MP3 output too large: %d bytes (max %d)", len(mp3), maxMP3Size)
	}

	pcm, err := engine.RunCommand(ctx, s.config.Timeout, string(mp3), s.config.FFmpegBinary, s.ffmpegArgs(speed)...)
	if err != nil {
		return engine.Audio{}, fmt.Errorf("MP3 to PCM conversion failed: %w", err)
	}

	return engine.Audio{PCM: pcm, SampleRate: s.config.SampleRate, Channels: 1}, nil
}

func (s *Synthesizer) ffmpegArgs(speed float64) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "mp3", "-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(s.config.SampleRate),
		"-ac", "1",
	}

	// ffmpeg atempo filter supports 0.5 to 2.0 range
	if speed > 0 && speed != 1.0 {
		clamped := min(max(speed, ttypes.MinSpeed), ttypes.MaxSpeed)
		args = append(args, "-filter:a", fmt.Sprintf("atempo=%.2f", clamped))
	}
	return append(args, "pipe:1")
}

// Close implements engine.Synthesizer.
func (s *Synthesizer) Close() error { return nil }
