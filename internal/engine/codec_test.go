package engine

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestMessageWireFormat(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"device", DeviceMsg{Device: "cpu"}, `{"status":"device","device":"cpu"}`},
		{"ready", ReadyMsg{Voices: []string{"af_heart", "bm_george"}, Device: "cpu"}, `{"status":"ready","device":"cpu","voices":["af_heart","bm_george"]}`},
		{"stream", StreamMsg{Chunk: Chunk{Text: "Hi.", Audio: []byte{1, 2, 3}, SampleRate: 22050, Channels: 1}}, `{"status":"stream","chunk":{"text":"Hi.","audio":"AQID","sample_rate":22050,"channels":1}}`},
		{"complete", CompleteMsg{}, `{"status":"complete"}`},
		{"complete with audio", CompleteMsg{Audio: []byte{0, 0}}, `{"status":"complete","audio":"AAA="}`},
		{"error", ErrorMsg{Error: "already processing"}, `{"status":"error","error":"already processing"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalMessage(tt.msg)
			if err != nil {
				t.Fatalf("MarshalMessage() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("MarshalMessage() = %s, want %s", data, tt.want)
			}

			got, err := UnmarshalMessage([]byte(tt.want))
			if err != nil {
				t.Fatalf("UnmarshalMessage() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("UnmarshalMessage() = %#v, want %#v", got, tt.msg)
			}
		})
	}
}

func TestUnmarshalMessageRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `hello`},
		{"unknown status", `{"status":"progress"}`},
		{"missing status", `{"device":"cpu"}`},
		{"stream without chunk", `{"status":"stream"}`},
		{"bad base64", `{"status":"complete","audio":"***"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalMessage([]byte(tt.data))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("UnmarshalMessage(%s) error = %v, want ErrMalformed", tt.data, err)
			}
		})
	}
}

func TestEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	msgs := []Message{
		DeviceMsg{Device: "cpu"},
		ReadyMsg{Voices: []string{"af_heart"}},
		StreamMsg{Chunk: Chunk{Text: "One.", Audio: make([]byte, 1024), SampleRate: 22050, Channels: 1}},
		CompleteMsg{},
	}
	for _, m := range msgs {
		if err := enc.EncodeMessage(m); err != nil {
			t.Fatalf("EncodeMessage() error = %v", err)
		}
	}
	if got := strings.Count(buf.String(), "\n"); got != len(msgs) {
		t.Fatalf("wrote %d lines, want %d", got, len(msgs))
	}

	// Blank lines between messages are tolerated.
	input := strings.ReplaceAll(buf.String(), "\n", "\n\n")
	dec := NewDecoder(strings.NewReader(input))
	for i, want := range msgs {
		got, err := dec.NextMessage()
		if err != nil {
			t.Fatalf("NextMessage() #%d error = %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("NextMessage() #%d = %#v, want %#v", i, got, want)
		}
	}
	if _, err := dec.NextMessage(); !errors.Is(err, io.EOF) {
		t.Errorf("NextMessage() at end error = %v, want io.EOF", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Text: "Chapter 1: Intro", Voice: "af_heart", Speed: 1.25}
	if err := NewEncoder(&buf).EncodeRequest(req); err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if want := `{"text":"Chapter 1: Intro","voice":"af_heart","speed":1.25}` + "\n"; buf.String() != want {
		t.Errorf("EncodeRequest() wrote %q, want %q", buf.String(), want)
	}

	got, err := NewDecoder(&buf).NextRequest()
	if err != nil {
		t.Fatalf("NextRequest() error = %v", err)
	}
	if got != req {
		t.Errorf("NextRequest() = %+v, want %+v", got, req)
	}
}
