// Package ttypes contains shared types for the narration pipeline.
// This package is used to break import cycles between the engine, synth,
// playback, audio and narration packages.
package ttypes

import (
	"fmt"
	"time"
)

// EngineType represents the synthesis engine selection.
type EngineType string

const (
	// EngineMock synthesizes silence; useful for demos and tests.
	EngineMock EngineType = "mock"

	// EnginePiper represents the Piper offline TTS engine.
	EnginePiper EngineType = "piper"

	// EngineGoogle represents the gTTS engine.
	EngineGoogle EngineType = "gtts"

	// EngineExec represents an external NDJSON worker process.
	EngineExec EngineType = "exec"

	// EngineNATS represents an engine reached over a NATS bus.
	EngineNATS EngineType = "nats"
)

// EngineTypes lists every selectable engine.
var EngineTypes = []EngineType{EngineMock, EnginePiper, EngineGoogle, EngineExec, EngineNATS}

// ParseEngineType validates an engine name.
func ParseEngineType(s string) (EngineType, error) {
	for _, t := range EngineTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown engine %q", s)
}

// Status represents the narration playback status.
type Status int

const (
	// StatusIdle indicates nothing has been played yet.
	StatusIdle Status = iota

	// StatusGenerating indicates audio for the current unit is being synthesized.
	StatusGenerating

	// StatusPlaying indicates audio is playing.
	StatusPlaying

	// StatusPaused indicates playback is paused.
	StatusPaused

	// StatusStopped indicates playback was stopped or the book ended.
	StatusStopped
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusGenerating:
		return "generating"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Active reports whether the status is one where audio is being produced
// or played.
func (s Status) Active() bool {
	return s == StatusGenerating || s == StatusPlaying
}

// TextUnit is one atomic narratable piece of text: a heading or a paragraph.
type TextUnit struct {
	// Text is non-empty and trimmed.
	Text string

	// ChapterNumber is nil for the book title unit.
	ChapterNumber *int

	IsHeading bool
}

// Chapter returns the chapter number, or 0 when the unit belongs to no chapter.
func (u TextUnit) Chapter() int {
	if u.ChapterNumber == nil {
		return 0
	}
	return *u.ChapterNumber
}

// AudioSegment is one discrete chunk of synthesized audio belonging to a
// text unit. PCM is signed 16-bit little endian.
type AudioSegment struct {
	PCM        []byte
	SampleRate int
	Channels   int

	// Text is the part of the unit this segment speaks.
	Text string

	UnitIndex int
	Session   uint64
}

// Duration returns the playing time of the segment.
func (s AudioSegment) Duration() time.Duration {
	channels := s.Channels
	if channels <= 0 {
		channels = 1
	}
	if s.SampleRate <= 0 {
		return 0
	}
	samples := len(s.PCM) / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(s.SampleRate)
}

// PlaybackState is a snapshot of the controller state.
type PlaybackState struct {
	Status           Status
	CurrentUnitIndex int
	PendingUnits     int
	TotalUnits       int
}

// Voice describes a synthesis voice.
type Voice struct {
	ID       string
	Name     string
	Language string
	Gender   string
}

// Audio format defaults shared by engines and the audio sink.
const (
	DefaultSampleRate = 22050
	DefaultChannels   = 1
	BitDepth          = 16
)

// Speed limits.
const (
	MinSpeed     = 0.5
	MaxSpeed     = 2.0
	DefaultSpeed = 1.0
)
