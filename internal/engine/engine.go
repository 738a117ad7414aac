// Package engine defines the message protocol spoken between the narration
// pipeline and a speech synthesis engine, and the engines that implement it.
//
// An engine runs in its own execution context: a goroutine, a child
// process or a remote service. The pipeline reaches it only through Send
// and the Messages channel; nothing is shared.
package engine

// Request asks the engine to speak one text unit.
type Request struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

// Engine is an asynchronous speech synthesis engine.
type Engine interface {
	// Send hands a request to the engine. It never blocks on synthesis;
	// the outcome arrives later on Messages.
	Send(req Request) error

	// Messages delivers engine messages in the order they were produced.
	// The channel is closed when the engine exits.
	Messages() <-chan Message

	// Close shuts the engine down. In-flight work is abandoned.
	Close() error
}

// Message is one of DeviceMsg, ReadyMsg, StreamMsg, CompleteMsg or ErrorMsg.
type Message interface {
	// Status returns the wire tag of the message.
	Status() string
	sealed()
}

// Wire tags.
const (
	StatusDevice   = "device"
	StatusReady    = "ready"
	StatusStream   = "stream"
	StatusComplete = "complete"
	StatusError    = "error"
)

// DeviceMsg reports where synthesis will run.
type DeviceMsg struct {
	Device string
}

// ReadyMsg reports the model is loaded and lists the voices it accepts.
type ReadyMsg struct {
	Voices []string
	Device string
}

// StreamMsg carries one audio segment of the request being processed.
type StreamMsg struct {
	Chunk Chunk
}

// Chunk is a piece of spoken text and its audio. Audio is signed 16-bit
// little endian PCM.
type Chunk struct {
	Text       string
	Audio      []byte
	SampleRate int
	Channels   int
}

// CompleteMsg ends a request. Audio optionally holds the merged audio of
// every chunk.
type CompleteMsg struct {
	Audio []byte
}

// ErrorMsg ends a request, or reports a failed model load before ReadyMsg.
type ErrorMsg struct {
	Error string
}

func (DeviceMsg) Status() string   { return StatusDevice }
func (ReadyMsg) Status() string    { return StatusReady }
func (StreamMsg) Status() string   { return StatusStream }
func (CompleteMsg) Status() string { return StatusComplete }
func (ErrorMsg) Status() string    { return StatusError }

func (DeviceMsg) sealed()   {}
func (ReadyMsg) sealed()    {}
func (StreamMsg) sealed()   {}
func (CompleteMsg) sealed() {}
func (ErrorMsg) sealed()    {}
