package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/ttypes"
)

// Audio is the result of a single synthesis call.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Synthesizer is a blocking text-to-speech backend. A Host runs it on its
// own goroutine and exposes it through the message protocol.
type Synthesizer interface {
	// Device names where synthesis runs.
	Device() string

	// Load prepares the model. It is called once, before any Synthesize.
	Load(ctx context.Context) error

	// Voices lists the voice ids the backend accepts. An empty list accepts
	// any voice.
	Voices() []string

	// Synthesize speaks text and returns its PCM audio.
	Synthesize(ctx context.Context, text, voice string, speed float64) (Audio, error)

	// Close releases backend resources.
	Close() error
}

// HostConfig tunes a Host.
type HostConfig struct {
	// SplitSentences streams one chunk per sentence. When false the whole
	// unit is synthesized as one chunk.
	SplitSentences bool

	// MergeAudio attaches the concatenated audio to CompleteMsg.
	MergeAudio bool

	// Timeout bounds a single Synthesize call. Zero means no limit.
	Timeout time.Duration
}

// DefaultHostConfig returns the configuration used by the CLI.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		SplitSentences: true,
		Timeout:        30 * time.Second,
	}
}

// Host runs a Synthesizer in its own execution context. It processes one
// request at a time and answers a request sent while busy with an
// "already processing" error, like an out-of-process engine would.
type Host struct {
	synth    Synthesizer
	config   HostConfig
	splitter *SentenceSplitter

	inbox   chan Request
	mailbox *Mailbox
	busy    atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Engine = (*Host)(nil)

// NewHost starts synth on a new goroutine. The first messages delivered
// are DeviceMsg then ReadyMsg, or ErrorMsg if loading fails.
func NewHost(synth Synthesizer, config HostConfig) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		synth:    synth,
		config:   config,
		splitter: NewSentenceSplitter(),
		inbox:    make(chan Request, 1),
		mailbox:  NewMailbox(),
		ctx:      ctx,
		cancel:   cancel,
	}

	h.wg.Add(1)
	go h.run()
	return h
}

// Send implements Engine.
func (h *Host) Send(req Request) error {
	if h.closed.Load() {
		return ttypes.ErrEngineClosed
	}
	if !h.busy.CompareAndSwap(false, true) {
		h.mailbox.Put(ErrorMsg{Error: ttypes.EngineBusyProcessing})
		return nil
	}
	// The inbox holds one request and busy guarantees it is empty.
	h.inbox <- req
	return nil
}

// Messages implements Engine.
func (h *Host) Messages() <-chan Message {
	return h.mailbox.C()
}

// Close implements Engine.
func (h *Host) Close() error {
	var err error
	h.once.Do(func() {
		h.closed.Store(true)
		h.cancel()
		h.wg.Wait()
		err = h.synth.Close()
		h.mailbox.Close()
	})
	return err
}

func (h *Host) run() {
	defer h.wg.Done()

	device := h.synth.Device()
	h.mailbox.Put(DeviceMsg{Device: device})

	if err := h.synth.Load(h.ctx); err != nil {
		log.Error("Engine: model load failed", "device", device, "error", err)
		h.mailbox.Put(ErrorMsg{Error: err.Error()})
		h.drain(fmt.Sprintf("model not loaded: %v", err))
		return
	}

	voices := h.synth.Voices()
	log.Debug("Engine: ready", "device", device, "voices", len(voices))
	h.mailbox.Put(ReadyMsg{Voices: voices, Device: device})

	for {
		select {
		case req := <-h.inbox:
			final := h.process(req, voices)
			h.busy.Store(false)
			h.mailbox.Put(final)
		case <-h.ctx.Done():
			return
		}
	}
}

// drain answers every request with an error after a failed load.
func (h *Host) drain(reason string) {
	for {
		select {
		case <-h.inbox:
			h.busy.Store(false)
			h.mailbox.Put(ErrorMsg{Error: reason})
		case <-h.ctx.Done():
			return
		}
	}
}

// process streams the chunks of req and returns the message that ends it.
func (h *Host) process(req Request, voices []string) Message {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return ErrorMsg{Error: ttypes.EngineEmptyText}
	}
	if len(voices) > 0 && !slices.Contains(voices, req.Voice) {
		return ErrorMsg{Error: fmt.Sprintf("%s: %s", ttypes.EngineUnknownVoice, req.Voice)}
	}

	pieces := []string{text}
	if h.config.SplitSentences {
		pieces = h.splitter.Split(text)
	}

	start := time.Now()
	var merged []byte
	for _, piece := range pieces {
		audio, err := h.synthesize(piece, req)
		if err != nil {
			log.Warn("Engine: synthesis failed", "voice", req.Voice, "error", err)
			return ErrorMsg{Error: err.Error()}
		}
		if h.config.MergeAudio {
			merged = append(merged, audio.PCM...)
		}
		h.mailbox.Put(StreamMsg{Chunk: Chunk{
			Text:       piece,
			Audio:      audio.PCM,
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
		}})
	}

	log.Debug("Engine: request complete", "chunks", len(pieces), "elapsed", time.Since(start))
	return CompleteMsg{Audio: merged}
}

func (h *Host) synthesize(text string, req Request) (Audio, error) {
	ctx := h.ctx
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}
	return h.synth.Synthesize(ctx, text, req.Voice, req.Speed)
}
