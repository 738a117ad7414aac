package engine

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxLineSize bounds a single NDJSON line. Stream chunks carry base64
// audio, so lines are much longer than bufio's default.
const maxLineSize = 16 << 20

// ErrMalformed wraps every decoding failure of a single line.
var ErrMalformed = errors.New("malformed engine message")

type wireChunk struct {
	Text       string `json:"text"`
	Audio      []byte `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

type wireMessage struct {
	Status string     `json:"status"`
	Device string     `json:"device,omitempty"`
	Voices []string   `json:"voices,omitempty"`
	Chunk  *wireChunk `json:"chunk,omitempty"`
	Audio  []byte     `json:"audio,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// MarshalMessage encodes a message as a single JSON object.
func MarshalMessage(msg Message) ([]byte, error) {
	var w wireMessage
	switch m := msg.(type) {
	case DeviceMsg:
		w = wireMessage{Status: StatusDevice, Device: m.Device}
	case ReadyMsg:
		w = wireMessage{Status: StatusReady, Voices: m.Voices, Device: m.Device}
	case StreamMsg:
		w = wireMessage{Status: StatusStream, Chunk: &wireChunk{
			Text:       m.Chunk.Text,
			Audio:      m.Chunk.Audio,
			SampleRate: m.Chunk.SampleRate,
			Channels:   m.Chunk.Channels,
		}}
	case CompleteMsg:
		w = wireMessage{Status: StatusComplete, Audio: m.Audio}
	case ErrorMsg:
		w = wireMessage{Status: StatusError, Error: m.Error}
	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}
	return json.Marshal(w)
}

// UnmarshalMessage decodes a JSON object produced by MarshalMessage or by
// an external worker.
func UnmarshalMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch w.Status {
	case StatusDevice:
		return DeviceMsg{Device: w.Device}, nil
	case StatusReady:
		return ReadyMsg{Voices: w.Voices, Device: w.Device}, nil
	case StatusStream:
		if w.Chunk == nil {
			return nil, fmt.Errorf("%w: stream without chunk", ErrMalformed)
		}
		return StreamMsg{Chunk: Chunk{
			Text:       w.Chunk.Text,
			Audio:      w.Chunk.Audio,
			SampleRate: w.Chunk.SampleRate,
			Channels:   w.Chunk.Channels,
		}}, nil
	case StatusComplete:
		return CompleteMsg{Audio: w.Audio}, nil
	case StatusError:
		return ErrorMsg{Error: w.Error}, nil
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformed, w.Status)
	}
}

// Encoder writes newline delimited JSON values. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// EncodeMessage writes msg followed by a newline.
func (e *Encoder) EncodeMessage(msg Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return err
	}
	return e.writeLine(data)
}

// EncodeRequest writes req followed by a newline.
func (e *Encoder) EncodeRequest(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return e.writeLine(data)
}

func (e *Encoder) writeLine(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data = append(data, '\n')
	_, err := e.w.Write(data)
	return err
}

// Decoder reads newline delimited JSON values. Blank lines are skipped.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// NextMessage returns the next message, or io.EOF at the end of input.
func (d *Decoder) NextMessage() (Message, error) {
	line, err := d.next()
	if err != nil {
		return nil, err
	}
	return UnmarshalMessage(line)
}

// NextRequest returns the next request, or io.EOF at the end of input.
func (d *Decoder) NextRequest() (Request, error) {
	line, err := d.next()
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return req, nil
}

func (d *Decoder) next() ([]byte, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
