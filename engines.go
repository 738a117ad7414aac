package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/audio"
	"github.com/dgnsrekt/narrator/internal/cache"
	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/engine/gtts"
	"github.com/dgnsrekt/narrator/internal/engine/mock"
	"github.com/dgnsrekt/narrator/internal/engine/natsbus"
	"github.com/dgnsrekt/narrator/internal/engine/piper"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/spf13/viper"
)

// engineSettings is the engine section of the configuration.
type engineSettings struct {
	Kind    ttypes.EngineType
	Timeout time.Duration

	MockDelay time.Duration

	PiperBinary string
	PiperVoices map[string]string

	GTTSRequestsPerMinute int

	ExecCommand string

	NATSURL     string
	NATSPrefix  string
	NATSTimeout time.Duration

	// CacheSize bounds the in-memory audio cache in bytes. Zero disables it.
	CacheSize     int64
	CacheCompress bool
}

func loadEngineSettings() (engineSettings, error) {
	kind, err := ttypes.ParseEngineType(viper.GetString("engine"))
	if err != nil {
		return engineSettings{}, err
	}
	return engineSettings{
		Kind:                  kind,
		Timeout:               viper.GetDuration("timeout"),
		MockDelay:             viper.GetDuration("mock.delay"),
		PiperBinary:           viper.GetString("piper.binary"),
		PiperVoices:           viper.GetStringMapString("piper.voices"),
		GTTSRequestsPerMinute: viper.GetInt("gtts.requests_per_minute"),
		ExecCommand:           viper.GetString("exec.command"),
		NATSURL:               viper.GetString("nats.url"),
		NATSPrefix:            viper.GetString("nats.prefix"),
		NATSTimeout:           viper.GetDuration("nats.timeout"),
		CacheSize:             viper.GetInt64("cache.size_mb") << 20,
		CacheCompress:         viper.GetBool("cache.compress"),
	}, nil
}

func (s engineSettings) hostConfig() engine.HostConfig {
	cfg := engine.DefaultHostConfig()
	if s.Timeout > 0 {
		cfg.Timeout = s.Timeout
	}
	return cfg
}

// newSynthesizer builds an in-process synthesizer. Exec and NATS engines
// have none.
func newSynthesizer(s engineSettings) (engine.Synthesizer, error) {
	switch s.Kind {
	case ttypes.EngineMock:
		return mock.New(mock.WithDelay(s.MockDelay)), nil
	case ttypes.EnginePiper:
		return piper.New(piper.Config{
			Binary:  s.PiperBinary,
			Voices:  s.PiperVoices,
			Timeout: s.Timeout,
		})
	case ttypes.EngineGoogle:
		return gtts.New(gtts.Config{
			RequestsPerMinute: s.GTTSRequestsPerMinute,
			Timeout:           s.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("engine %s does not run in process", s.Kind)
	}
}

// newEngine starts the configured engine. The returned cleanup releases
// anything the engine does not own, and runs after the engine is closed.
func newEngine(ctx context.Context, s engineSettings) (engine.Engine, func(), error) {
	noop := func() {}

	switch s.Kind {
	case ttypes.EngineExec:
		if s.ExecCommand == "" {
			return nil, noop, errors.New("exec engine: set exec.command")
		}
		eng, err := engine.StartExec(ctx, s.ExecCommand)
		if err != nil {
			return nil, noop, err
		}
		return eng, noop, nil

	case ttypes.EngineNATS:
		conn, err := natsbus.Connect(s.NATSURL, s.NATSTimeout)
		if err != nil {
			return nil, noop, err
		}
		client, err := natsbus.NewClient(conn, s.NATSPrefix)
		if err != nil {
			conn.Close()
			return nil, noop, err
		}
		return client, conn.Close, nil
	}

	synth, err := newSynthesizer(s)
	if err != nil {
		return nil, noop, err
	}
	if s.CacheSize > 0 {
		mem, err := cache.NewMemory(s.CacheSize, s.CacheCompress)
		if err != nil {
			_ = synth.Close()
			return nil, noop, err
		}
		synth = cache.Wrap(synth, mem)
	}
	log.Debug("Starting engine", "engine", s.Kind, "device", synth.Device(), "cache", s.CacheSize)
	return engine.NewHost(synth, s.hostConfig()), noop, nil
}

// newSink opens the audio device, or a silent sink that keeps real-time
// pace.
func newSink(silent bool) (audio.Sink, func() error, error) {
	if silent {
		sink := audio.NewMockSink(audio.WithRealTime())
		return sink, sink.Close, nil
	}

	cfg := audio.DefaultPlayerConfig()
	cfg.SampleRate = viper.GetInt("audio.sample_rate")
	cfg.Volume = viper.GetFloat64("audio.volume")
	if ms := viper.GetInt("audio.buffer_ms"); ms > 0 {
		rate := cfg.SampleRate
		if rate == 0 {
			rate = ttypes.DefaultSampleRate
		}
		cfg.BufferSize = rate * cfg.Channels * 2 * ms / 1000
	}

	player, err := audio.NewPlayer(cfg)
	if err != nil {
		return nil, nil, ttypes.PlaybackDeviceError("open audio device", err)
	}
	return player, player.Close, nil
}
