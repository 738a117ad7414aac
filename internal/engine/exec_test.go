package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
)

// TestHelperWorker is not a real test. It is re-executed by the exec tests
// as a worker process speaking the engine protocol on stdin and stdout.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("NARRATOR_HELPER_WORKER") != "1" {
		t.Skip("helper process")
	}

	enc := NewEncoder(os.Stdout)
	fmt.Fprintln(os.Stderr, "loading model")
	_ = enc.EncodeMessage(DeviceMsg{Device: "helper"})
	fmt.Fprintln(os.Stdout, "this line is not json")
	_ = enc.EncodeMessage(ReadyMsg{Voices: []string{"af_heart"}, Device: "helper"})

	dec := NewDecoder(os.Stdin)
	for {
		req, err := dec.NextRequest()
		if err == io.EOF {
			os.Exit(0)
		}
		if err != nil {
			os.Exit(2)
		}
		if req.Text == "boom" {
			_ = enc.EncodeMessage(ErrorMsg{Error: "worker exploded"})
			continue
		}
		for _, word := range strings.Fields(req.Text) {
			_ = enc.EncodeMessage(StreamMsg{Chunk: Chunk{Text: word, Audio: []byte(word), SampleRate: 22050, Channels: 1}})
		}
		_ = enc.EncodeMessage(CompleteMsg{})
	}
}

func startHelper(t *testing.T) *Exec {
	t.Helper()
	command := fmt.Sprintf("%q -test.run=^TestHelperWorker$", os.Args[0])
	e, err := StartExec(context.Background(), command, "NARRATOR_HELPER_WORKER=1")
	if err != nil {
		t.Fatalf("StartExec() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestExecEngine(t *testing.T) {
	e := startHelper(t)

	ready := expectReady(t, e)
	if ready.Device != "helper" {
		t.Errorf("device = %q, want helper", ready.Device)
	}

	if err := e.Send(Request{Text: "one two", Voice: "af_heart", Speed: 1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := e.Send(Request{Text: "boom", Voice: "af_heart", Speed: 1}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	for _, want := range []string{"one", "two"} {
		msg, ok := next(t, e).(StreamMsg)
		if !ok || msg.Chunk.Text != want || string(msg.Chunk.Audio) != want {
			t.Fatalf("got %#v, want stream %q", msg, want)
		}
	}
	if _, ok := next(t, e).(CompleteMsg); !ok {
		t.Fatal("want CompleteMsg")
	}
	if msg, ok := next(t, e).(ErrorMsg); !ok || msg.Error != "worker exploded" {
		t.Fatalf("got %#v, want worker error", msg)
	}
}

func TestExecEngineClose(t *testing.T) {
	e := startHelper(t)
	expectReady(t, e)

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for range e.Messages() {
	}
	if err := e.Send(Request{Text: "late"}); err == nil {
		t.Error("Send() after Close succeeded")
	}
}

func TestStartExecBadCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
	}{
		{"empty", "   "},
		{"unbalanced quote", `"narrator-worker`},
		{"missing binary", "narrator-no-such-worker --model x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := StartExec(context.Background(), tt.command); err == nil {
				t.Errorf("StartExec(%q) succeeded", tt.command)
			}
		})
	}
}
