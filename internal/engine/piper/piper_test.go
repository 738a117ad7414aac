package piper

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/dgnsrekt/narrator/internal/engine"
)

func writeModel(t *testing.T, dir, name, config string) string {
	t.Helper()
	path := filepath.Join(dir, name+".onnx")
	if err := os.WriteFile(path, []byte("fake model"), 0o644); err != nil {
		t.Fatal(err)
	}
	if config != "" {
		if err := os.WriteFile(path+".json", []byte(config), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	lessac := writeModel(t, dir, "en_US-lessac-medium", `{"audio":{"sample_rate":22050}}`)
	alan := writeModel(t, dir, "en_GB-alan-low", `{"audio":{"sample_rate":16000}}`)
	bare := writeModel(t, dir, "bare", "")
	broken := writeModel(t, dir, "broken", `{not json`)

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{Voices: map[string]string{"am_lessac": lessac, "bm_alan": alan}}, false},
		{"no voices", Config{}, true},
		{"missing model", Config{Voices: map[string]string{"am_x": "/non/existent/model.onnx"}}, true},
		{"broken config", Config{Voices: map[string]string{"am_x": broken}}, true},
		{"no config", Config{Voices: map[string]string{"af_bare": bare}, SampleRate: 24000}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	s, err := New(Config{Voices: map[string]string{"am_lessac": lessac, "bm_alan": alan, "af_bare": bare}, SampleRate: 24000})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Voices(); len(got) != 3 || got[0] != "af_bare" || got[2] != "bm_alan" {
		t.Errorf("Voices() = %v, want sorted ids", got)
	}
	for voice, want := range map[string]int{"am_lessac": 22050, "bm_alan": 16000, "af_bare": 24000} {
		if got := s.SampleRate(voice); got != want {
			t.Errorf("SampleRate(%s) = %d, want %d", voice, got, want)
		}
	}
}

func TestLengthScale(t *testing.T) {
	s := &Synthesizer{}
	tests := []struct {
		speed float64
		want  string
	}{
		{1.0, "1.00"},
		{2.0, "0.50"},
		{0.5, "2.00"},
		{0, "1.00"},
	}
	for _, tt := range tests {
		args := s.args(model{path: "m.onnx"}, tt.speed)
		if got := args[len(args)-1]; got != tt.want {
			t.Errorf("speed %.1f: length scale = %s, want %s", tt.speed, got, tt.want)
		}
	}
}

func TestLoadMissingBinary(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{
		Binary: "narrator-no-such-piper",
		Voices: map[string]string{"am_lessac": writeModel(t, dir, "lessac", "")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Load(context.Background()); !errors.Is(err, engine.ErrBinaryNotFound) {
		t.Errorf("Load() error = %v, want ErrBinaryNotFound", err)
	}
}

// TestSynthesizeFakeBinary runs a stand-in piper script that records its
// arguments and returns fixed bytes.
func TestSynthesizeFakeBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in")
	}
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	script := "#!/bin/sh\necho \"$@\" > " + argsFile + "\ncat > /dev/null\nprintf 'PCMDATA'\n"
	binary := filepath.Join(dir, "piper")
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	modelPath := writeModel(t, dir, "lessac", `{"audio":{"sample_rate":22050}}`)
	s, err := New(Config{Binary: binary, Voices: map[string]string{"am_lessac": modelPath}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	audio, err := s.Synthesize(context.Background(), "Hello there.", "am_lessac", 2.0)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(audio.PCM) != "PCMDATA" || audio.SampleRate != 22050 || audio.Channels != 1 {
		t.Errorf("Synthesize() = %q at %d Hz x %d", audio.PCM, audio.SampleRate, audio.Channels)
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"--model " + modelPath, "--output-raw", "--length-scale 0.50", "--config " + modelPath + ".json"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("piper args %q missing %q", args, want)
		}
	}

	if _, err := s.Synthesize(context.Background(), "Hi.", "zz_nobody", 1); err == nil {
		t.Error("Synthesize() accepted an unknown voice")
	}
}

// TestSynthesizeReal needs piper and a model named by NARRATOR_PIPER_MODEL.
func TestSynthesizeReal(t *testing.T) {
	modelPath := os.Getenv("NARRATOR_PIPER_MODEL")
	if modelPath == "" {
		t.Skip("NARRATOR_PIPER_MODEL not set")
	}
	if _, err := exec.LookPath("piper"); err != nil {
		t.Skip("piper not installed")
	}

	s, err := New(Config{Voices: map[string]string{"af_test": modelPath}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	audio, err := s.Synthesize(context.Background(), "Hello, world.", "af_test", 1.0)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(audio.PCM) == 0 || len(audio.PCM)%2 != 0 {
		t.Errorf("unexpected PCM length %d", len(audio.PCM))
	}
}
