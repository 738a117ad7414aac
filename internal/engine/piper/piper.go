// Package piper runs the Piper offline TTS binary as a synthesizer.
//
// A fresh piper process is started per sentence with the text on stdin and
// raw PCM read back from stdout. Each voice id maps to one .onnx model.
package piper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/mitchellh/go-homedir"
)

const (
	// Text size limit (Piper can handle large texts but we limit for performance)
	maxTextSize = 5000

	// Sanity check: audio shouldn't be too large
	maxAudioSize = 10 * 1024 * 1024
)

// Config holds configuration for the Piper synthesizer.
type Config struct {
	// Binary is the piper executable, defaults to "piper".
	Binary string

	// Voices maps voice ids to model files. The model config is read from
	// the model path with a .json extension (model.onnx.json is also tried).
	Voices map[string]string

	// SampleRate is used when a model config does not state one.
	SampleRate int

	// Timeout bounds one piper run.
	Timeout time.Duration
}

type model struct {
	path       string
	configPath string
	sampleRate int
}

// Synthesizer implements engine.Synthesizer with Piper.
type Synthesizer struct {
	binary  string
	timeout time.Duration
	models  map[string]model
	voices  []string
}

var _ engine.Synthesizer = (*Synthesizer)(nil)

// New validates the configured models. The binary itself is checked by Load.
func New(config Config) (*Synthesizer, error) {
	if len(config.Voices) == 0 {
		return nil, errors.New("piper: at least one voice model is required")
	}
	if config.Binary == "" {
		config.Binary = "piper"
	}
	if config.SampleRate == 0 {
		config.SampleRate = ttypes.DefaultSampleRate
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	s := &Synthesizer{
		binary:  config.Binary,
		timeout: config.Timeout,
		models:  make(map[string]model, len(config.Voices)),
	}
	for id, path := range config.Voices {
		m, err := loadModel(path, config.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("piper voice %s: %w", id, err)
		}
		s.models[id] = m
		s.voices = append(s.voices, id)
	}
	sort.Strings(s.voices)
	return s, nil
}

func loadModel(path string, defaultRate int) (model, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return model{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return model{}, fmt.Errorf("model file not found: %w", err)
	}

	m := model{path: path, sampleRate: defaultRate}
	candidates := []string{
		path + ".json",
		strings.TrimSuffix(path, filepath.Ext(path)) + ".json",
	}
	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err != nil {
			continue
		}
		var cfg struct {
			Audio struct {
				SampleRate int `json:"sample_rate"`
			} `json:"audio"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return model{}, fmt.Errorf("model config %s: %w", c, err)
		}
		m.configPath = c
		if cfg.Audio.SampleRate > 0 {
			m.sampleRate = cfg.Audio.SampleRate
		}
		break
	}
	return m, nil
}

// Device implements engine.Synthesizer.
func (s *Synthesizer) Device() string { return "piper (cpu)" }

// Load checks the piper binary is installed.
func (s *Synthesizer) Load(ctx context.Context) error {
	path, err := engine.LookBinary(s.binary)
	if err != nil {
		return err
	}
	s.binary = path
	log.Debug("Piper: using binary", "path", path, "voices", len(s.voices))
	return nil
}

// Voices implements engine.Synthesizer.
func (s *Synthesizer) Voices() []string { return s.voices }

// Synthesize runs piper once for text.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string, speed float64) (engine.Audio, error) {
	m, ok := s.models[voice]
	if !ok {
		return engine.Audio{}, fmt.Errorf("%s: %s", ttypes.EngineUnknownVoice, voice)
	}
	if text == "" {
		return engine.Audio{}, errors.New(ttypes.EngineEmptyText)
	}
	if len(text) > maxTextSize {
		return engine.Audio{}, fmt.Errorf("text too long: %d characters (max %d)", len(text), maxTextSize)
	}

	out, err := engine.RunCommand(ctx, s.timeout, text, s.binary, s.args(m, speed)...)
	if err != nil {
		return engine.Audio{}, err
	}
	if len(out) == 0 {
		return engine.Audio{}, errors.New("piper produced no audio output")
	}
	if len(out) > maxAudioSize {
		return engine.Audio{}, fmt.Errorf("piper output too large: %d bytes (max %d)", len(out), maxAudioSize)
	}

	return engine.Audio{PCM: out, SampleRate: m.sampleRate, Channels: 1}, nil
}

func (s *Synthesizer) args(m model, speed float64) []string {
	if speed <= 0 {
		speed = ttypes.DefaultSpeed
	}
	// Speed: 0.5 = half speed (scale 2.0), 2.0 = double speed (scale 0.5)
	lengthScale := 1.0 / speed

	args := []string{"--model", m.path}
	if m.configPath != "" {
		args = append(args, "--config", m.configPath)
	}
	return append(args, "--output-raw", "--length-scale", fmt.Sprintf("%.2f", lengthScale))
}

// SampleRate returns the sample rate of a voice, or 0 if unknown.
func (s *Synthesizer) SampleRate(voice string) int {
	return s.models[voice].sampleRate
}

// Close implements engine.Synthesizer.
func (s *Synthesizer) Close() error { return nil }
