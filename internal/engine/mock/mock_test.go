package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgnsrekt/narrator/internal/engine"
)

func TestSynthesizeSilence(t *testing.T) {
	s := New(WithDelay(0), WithSampleRate(16000), WithWordsPerMinute(60))

	// 10 chars = 2 words at 60 wpm = 2 seconds.
	audio, err := s.Synthesize(context.Background(), "abcdefghij", "af_heart", 1.0)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if audio.SampleRate != 16000 || audio.Channels != 1 {
		t.Errorf("format = %d Hz x %d", audio.SampleRate, audio.Channels)
	}
	if want := 2 * 16000 * 2; len(audio.PCM) != want {
		t.Errorf("PCM = %d bytes, want %d", len(audio.PCM), want)
	}
	for _, b := range audio.PCM {
		if b != 0 {
			t.Fatal("mock audio is not silent")
		}
	}

	faster, _ := s.Synthesize(context.Background(), "abcdefghij", "af_heart", 2.0)
	if len(faster.PCM) != len(audio.PCM)/2 {
		t.Errorf("speed 2 produced %d bytes, want %d", len(faster.PCM), len(audio.PCM)/2)
	}
}

func TestFailOn(t *testing.T) {
	s := New(WithDelay(0))
	boom := errors.New("boom")
	s.FailOn("bad", boom)

	if _, err := s.Synthesize(context.Background(), "bad", "af_heart", 1); !errors.Is(err, boom) {
		t.Errorf("Synthesize(bad) error = %v, want boom", err)
	}
	if _, err := s.Synthesize(context.Background(), "good", "af_heart", 1); err != nil {
		t.Errorf("Synthesize(good) error = %v", err)
	}
	if calls := s.Calls(); len(calls) != 2 || calls[0] != "bad" || calls[1] != "good" {
		t.Errorf("Calls() = %v", calls)
	}
}

func TestSynthesizeCancelled(t *testing.T) {
	s := New(WithDelay(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := s.Synthesize(ctx, "slow", "af_heart", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Synthesize() error = %v, want deadline exceeded", err)
	}
}

func TestHostedMock(t *testing.T) {
	s := New(WithDelay(time.Millisecond), WithVoices("af_heart"))
	host := engine.NewHost(s, engine.HostConfig{SplitSentences: true})
	defer host.Close()

	var statuses []string
	timeout := time.After(2 * time.Second)
	if err := host.Send(engine.Request{Text: "One. Two.", Voice: "af_heart", Speed: 1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	for len(statuses) < 5 {
		select {
		case msg := <-host.Messages():
			statuses = append(statuses, msg.Status())
		case <-timeout:
			t.Fatalf("timed out after %v", statuses)
		}
	}

	want := []string{"device", "ready", "stream", "stream", "complete"}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}

	host.Close()
	if !s.Closed() {
		t.Error("synthesizer not closed with its host")
	}
}
