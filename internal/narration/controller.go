// Package narration drives a narration session: it feeds text units to the
// synthesis queue, hands the audio to the playback queue and tracks where
// the listener is.
//
// All controller state lives on the event loop. Exported methods may be
// called from any goroutine.
package narration

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/audio"
	"github.com/dgnsrekt/narrator/internal/book"
	"github.com/dgnsrekt/narrator/internal/chunker"
	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/loop"
	"github.com/dgnsrekt/narrator/internal/playback"
	"github.com/dgnsrekt/narrator/internal/synth"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/dgnsrekt/narrator/internal/voice"
)

// ErrClosed is returned by Play after Close.
var ErrClosed = errors.New("controller closed")

// Config holds session settings.
type Config struct {
	Voice string
	Speed float64

	// PreloadDepth is how many units may be submitted ahead of the unit
	// being heard.
	PreloadDepth int

	Retry synth.RetryPolicy
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		Voice:        voice.Default,
		Speed:        ttypes.DefaultSpeed,
		PreloadDepth: 1,
		Retry:        synth.DefaultRetryPolicy(),
	}
}

func validSpeed(speed float64) bool {
	return speed >= ttypes.MinSpeed && speed <= ttypes.MaxSpeed
}

// Controller is the playback controller state machine.
type Controller struct {
	loop     *loop.Loop
	provider book.Provider
	synth    *synth.Queue
	player   *playback.Queue
	listener Listener
	config   Config

	units   []ttypes.TextUnit
	status  ttypes.Status
	current int // unit being heard
	next    int // next unit to submit
	session uint64

	// outstanding counts this session's requests not yet completed or failed.
	outstanding int
	// streamed marks units of this session that produced stream chunks.
	streamed map[int]bool
	// announced is the last unit reported with UnitStarted.
	announced int

	device string
	voices []string
	closed bool
}

// New wires a controller to an engine and an audio sink and starts
// receiving engine messages. The loop must be running.
func New(l *loop.Loop, eng engine.Engine, sink audio.Sink, provider book.Provider, config Config, listener Listener) (*Controller, error) {
	if !validSpeed(config.Speed) {
		return nil, ttypes.ErrInvalidSpeed
	}
	if config.PreloadDepth < 0 {
		config.PreloadDepth = 0
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = synth.DefaultRetryPolicy()
	}
	if listener == nil {
		listener = func(Event) {}
	}

	c := &Controller{
		loop:      l,
		provider:  provider,
		listener:  listener,
		config:    config,
		status:    ttypes.StatusIdle,
		streamed:  make(map[int]bool),
		announced: -1,
	}

	c.synth = synth.New(l, eng, synth.Callbacks{
		OnDevice:   c.onDevice,
		OnReady:    c.onReady,
		OnStream:   c.onStream,
		OnComplete: c.onComplete,
		OnError:    c.onSynthError,
	}, synth.WithRetryPolicy(config.Retry))

	c.player = playback.New(l, sink, playback.Callbacks{
		OnPlaybackStarted: c.onPlaybackStarted,
		OnError:           c.onPlaybackError,
		OnQueueEmpty:      c.onQueueEmpty,
	})

	c.synth.Start()
	return c, nil
}

// Play starts narrating the book from the beginning. Play while paused
// resumes, and play while a session is active does nothing. A content
// fetch failure is returned and ends the session.
func (c *Controller) Play(ctx context.Context) error {
	var (
		fetch bool
		token uint64
	)
	var closed bool
	err := c.loop.Do(ctx, func() {
		switch {
		case c.closed:
			closed = true
		case c.status == ttypes.StatusPaused:
			c.resume()
		case c.status.Active():
		default:
			c.newSession()
			token = c.session
			fetch = true
			c.setStatus(ttypes.StatusGenerating)
		}
	})
	if err != nil || !fetch {
		if err == nil && closed {
			err = ErrClosed
		}
		return err
	}

	b, fetchErr := c.provider.Fetch(ctx)
	if fetchErr != nil && ttypes.CodeOf(fetchErr) == "" {
		fetchErr = ttypes.ContentFetchError("fetch book", fetchErr)
	}

	err = c.loop.Do(context.WithoutCancel(ctx), func() {
		if token != c.session {
			// Stopped while fetching.
			return
		}
		if fetchErr != nil {
			log.Error("Narration: content unavailable", "error", fetchErr)
			c.halt()
			c.emit(Failed{Err: fetchErr, UnitIndex: -1})
			return
		}
		c.start(chunker.PrepareChunks(b))
	})
	if err != nil {
		return err
	}
	return fetchErr
}

// Pause stops the audio at once. Resume restarts the unit being heard.
func (c *Controller) Pause(ctx context.Context) error {
	return c.loop.Do(ctx, c.pause)
}

// Resume continues a paused session from the start of the unit that was
// being heard.
func (c *Controller) Resume(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		if c.status == ttypes.StatusPaused {
			c.resume()
		}
	})
}

// Toggle pauses an active session and resumes a paused one.
func (c *Controller) Toggle(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		switch {
		case c.status == ttypes.StatusPaused:
			c.resume()
		default:
			c.pause()
		}
	})
}

// Stop ends the session and discards all queued audio. Stopping twice is
// the same as stopping once.
func (c *Controller) Stop(ctx context.Context) error {
	return c.loop.Do(ctx, c.halt)
}

// State returns a snapshot of the playback state.
func (c *Controller) State(ctx context.Context) (ttypes.PlaybackState, error) {
	var st ttypes.PlaybackState
	err := c.loop.Do(ctx, func() { st = c.snapshot() })
	return st, err
}

// Units returns the text units of the current session.
func (c *Controller) Units(ctx context.Context) ([]ttypes.TextUnit, error) {
	var units []ttypes.TextUnit
	err := c.loop.Do(ctx, func() { units = slices.Clone(c.units) })
	return units, err
}

// SetSpeed changes the speed of units submitted from now on.
func (c *Controller) SetSpeed(ctx context.Context, speed float64) error {
	if !validSpeed(speed) {
		return ttypes.ErrInvalidSpeed
	}
	return c.loop.Do(ctx, func() { c.config.Speed = speed })
}

// SetVoice changes the voice of units submitted from now on. Once the
// engine is ready the voice must be one it offers.
func (c *Controller) SetVoice(ctx context.Context, id string) error {
	var err error
	doErr := c.loop.Do(ctx, func() {
		if len(c.voices) > 0 && !slices.Contains(c.voices, id) {
			err = ttypes.ValidationError(fmt.Sprintf("%s: %s", ttypes.EngineUnknownVoice, id), voice.ErrUnknownVoice)
			return
		}
		c.config.Voice = id
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Settings returns the current voice and speed.
func (c *Controller) Settings(ctx context.Context) (Config, error) {
	var cfg Config
	err := c.loop.Do(ctx, func() { cfg = c.config })
	return cfg, err
}

// Close stops the session and shuts the engine down.
func (c *Controller) Close() error {
	shutdown := func() {
		if c.closed {
			return
		}
		c.halt()
		c.synth.Terminate()
		c.closed = true
	}
	if err := c.loop.Do(context.Background(), shutdown); errors.Is(err, loop.ErrClosed) {
		// Nothing else touches the state once the loop has stopped.
		shutdown()
	}
	return nil
}

func (c *Controller) start(units []ttypes.TextUnit) {
	c.units = units
	c.current = 0
	c.next = 0
	log.Info("Narration: starting", "units", len(units), "voice", c.config.Voice, "speed", c.config.Speed)
	c.submitNext()
}

// pause applies only once the book is loaded.
func (c *Controller) pause() {
	if !c.status.Active() || c.units == nil {
		return
	}
	c.newSession()
	c.player.ClearQueue()
	c.synth.Clear()
	c.next = c.current
	c.setStatus(ttypes.StatusPaused)
	log.Debug("Narration: paused", "unit", c.current)
}

func (c *Controller) resume() {
	c.newSession()
	c.next = c.current
	c.setStatus(ttypes.StatusGenerating)
	log.Debug("Narration: resuming", "unit", c.current)
	c.submitNext()
}

// halt is stop on the loop.
func (c *Controller) halt() {
	if c.status == ttypes.StatusStopped && c.units == nil {
		return
	}
	c.newSession()
	c.player.ClearQueue()
	c.synth.Clear()
	c.units = nil
	c.current = 0
	c.next = 0
	c.setStatus(ttypes.StatusStopped)
}

func (c *Controller) newSession() {
	c.session++
	c.outstanding = 0
	c.streamed = make(map[int]bool)
	c.announced = -1
}

func (c *Controller) stale(session uint64) bool {
	return session != c.session || !c.status.Active()
}

func (c *Controller) submitNext() bool {
	if c.next >= len(c.units) {
		return false
	}
	idx := c.next
	c.next++
	c.outstanding++

	c.synth.Submit(synth.Request{
		Unit:    c.units[idx],
		Index:   idx,
		Session: c.session,
		Voice:   c.config.Voice,
		Speed:   c.config.Speed,
	})
	return true
}

// preload submits units until PreloadDepth are queued ahead of current.
func (c *Controller) preload() {
	for c.next < len(c.units) && c.next-1-c.current < c.config.PreloadDepth {
		c.submitNext()
	}
}

// kick moves on once nothing is generating and nothing is playing: to the
// next unit, or to the end of the session.
func (c *Controller) kick() {
	if !c.status.Active() || c.outstanding > 0 || !c.player.Idle() {
		return
	}
	if c.next >= len(c.units) {
		log.Info("Narration: finished", "units", len(c.units))
		c.halt()
		c.emit(Ended{})
		return
	}
	c.current = c.next
	c.setStatus(ttypes.StatusGenerating)
	c.submitNext()
}

func (c *Controller) onDevice(device string) {
	c.device = device
}

func (c *Controller) onReady(voices []string, device string) {
	c.voices = voices
	c.device = device
	c.emit(EngineReady{Voices: voices, Device: device})
}

func (c *Controller) onStream(req synth.Request, chunk engine.Chunk) {
	if c.stale(req.Session) {
		return
	}
	if len(chunk.Audio) == 0 {
		log.Debug("Narration: empty chunk", "unit", req.Index)
		return
	}
	c.streamed[req.Index] = true
	c.enqueue(req, chunk.Text, chunk.Audio, chunk.SampleRate, chunk.Channels)
}

func (c *Controller) onComplete(req synth.Request, merged []byte) {
	if c.stale(req.Session) {
		return
	}
	c.outstanding--

	// An engine that does not stream delivers the whole unit here.
	if !c.streamed[req.Index] && len(merged) > 0 {
		c.enqueue(req, req.Unit.Text, merged, 0, 0)
	}
	c.kick()
}

func (c *Controller) onSynthError(req *synth.Request, err error) {
	if req == nil {
		if ttypes.IsFatal(err) {
			log.Error("Narration: engine failed", "error", err)
			c.halt()
		}
		c.emit(Failed{Err: err, UnitIndex: -1})
		return
	}
	if c.stale(req.Session) {
		return
	}
	c.outstanding--
	c.emit(Failed{Err: err, UnitIndex: req.Index})
	c.kick()
}

func (c *Controller) enqueue(req synth.Request, text string, pcm []byte, rate, channels int) {
	if rate == 0 {
		rate = ttypes.DefaultSampleRate
	}
	if channels == 0 {
		channels = ttypes.DefaultChannels
	}
	c.player.AddToQueue(ttypes.AudioSegment{
		PCM:        pcm,
		SampleRate: rate,
		Channels:   channels,
		Text:       text,
		UnitIndex:  req.Index,
		Session:    req.Session,
	})
}

func (c *Controller) onPlaybackStarted(seg ttypes.AudioSegment) {
	if c.stale(seg.Session) {
		return
	}
	if seg.UnitIndex > c.current {
		c.current = seg.UnitIndex
	}
	c.setStatus(ttypes.StatusPlaying)

	if seg.UnitIndex != c.announced {
		c.announced = seg.UnitIndex
		c.emit(UnitStarted{Index: seg.UnitIndex, Unit: c.units[seg.UnitIndex], Total: len(c.units)})
	}
	c.emit(Spoken{Text: seg.Text, UnitIndex: seg.UnitIndex})

	c.preload()
}

func (c *Controller) onPlaybackError(seg ttypes.AudioSegment, err error) {
	if c.stale(seg.Session) {
		return
	}
	c.emit(Failed{Err: err, UnitIndex: seg.UnitIndex})
}

func (c *Controller) onQueueEmpty() {
	if !c.status.Active() {
		return
	}
	if c.outstanding > 0 {
		c.setStatus(ttypes.StatusGenerating)
	}
	c.kick()
}

func (c *Controller) setStatus(s ttypes.Status) {
	if c.status == s {
		return
	}
	log.Debug("Narration: state", "from", c.status, "to", s, "unit", c.current)
	c.status = s
	c.emit(StateChanged{State: c.snapshot()})
}

func (c *Controller) snapshot() ttypes.PlaybackState {
	pending := len(c.units) - c.current - 1
	if pending < 0 {
		pending = 0
	}
	return ttypes.PlaybackState{
		Status:           c.status,
		CurrentUnitIndex: c.current,
		PendingUnits:     pending,
		TotalUnits:       len(c.units),
	}
}

func (c *Controller) emit(ev Event) {
	c.listener(ev)
}
