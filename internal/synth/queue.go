// Package synth serializes synthesis requests to a single engine.
//
// Exactly one request is in flight at a time. Requests wait in FIFO order
// until the engine completes or fails the one before them. Transient busy
// errors are retried with backoff without losing queue position.
//
// Queue state belongs to the event loop: every method except Start must be
// called on the loop, and callbacks run on the loop.
package synth

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/loop"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/google/uuid"
)

// Request is one text unit to synthesize.
type Request struct {
	ID      uuid.UUID
	Unit    ttypes.TextUnit
	Index   int
	Session uint64
	Voice   string
	Speed   float64
}

// Handle resolves when the engine accepts a request: on its first stream
// chunk, or on completion if it produced none. It is rejected when the
// request fails. A terminated queue abandons its handles; they never resolve.
type Handle struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed once the handle is resolved or rejected.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the rejection error. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the handle settles or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Callbacks receive engine events. All run on the event loop. Any may be nil.
type Callbacks struct {
	OnDevice   func(device string)
	OnReady    func(voices []string, device string)
	OnStream   func(req Request, chunk engine.Chunk)
	OnComplete func(req Request, audio []byte)

	// OnError reports a failed request, or an engine-level failure with a
	// nil request.
	OnError func(req *Request, err error)
}

// RetryPolicy bounds the busy retry backoff.
type RetryPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int

	// Stall is how long a request the engine called busy while streaming
	// may go without another message before it is failed. Zero waits
	// forever.
	Stall time.Duration
}

// DefaultRetryPolicy returns the policy used unless overridden.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:     50 * time.Millisecond,
		Max:         time.Second,
		MaxAttempts: 8,
		Stall:       30 * time.Second,
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetryPolicy overrides the busy retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) { q.retry = p }
}

// Stats counts queue activity.
type Stats struct {
	Submitted int
	Completed int
	Failed    int
	Retried   int
	Dropped   int
}

type entry struct {
	req      Request
	handle   *Handle
	attempts int
	accepted bool
	backoff  *backoff.ExponentialBackOff
}

// Queue is the synthesis request queue.
type Queue struct {
	loop   *loop.Loop
	engine engine.Engine
	cb     Callbacks
	retry  RetryPolicy

	pending *list.List
	current *entry
	busy    bool

	// Timer callbacks are already posted when Stop comes too late, so
	// each carries the generation it was armed in.
	retryTimer *time.Timer
	retryGen   uint64
	waiting    bool

	stallTimer *time.Timer
	stallGen   uint64

	ready  bool
	failed error
	closed bool

	stats Stats
}

// New creates a queue in front of eng. Call Start to begin receiving
// engine messages.
func New(l *loop.Loop, eng engine.Engine, cb Callbacks, opts ...Option) *Queue {
	q := &Queue{
		loop:    l,
		engine:  eng,
		cb:      cb,
		retry:   DefaultRetryPolicy(),
		pending: list.New(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start pumps engine messages onto the loop in the order received. It may
// be called from any goroutine.
func (q *Queue) Start() {
	go func() {
		for msg := range q.engine.Messages() {
			msg := msg
			q.loop.Post(func() { q.dispatch(msg) })
		}
		q.loop.Post(q.engineExited)
	}()
}

// Submit enqueues req and returns its handle. Requests are held until the
// engine reports ready.
func (q *Queue) Submit(req Request) *Handle {
	h := newHandle()
	switch {
	case q.closed:
		h.resolve(ttypes.ErrQueueClosed)
		return h
	case q.failed != nil:
		h.resolve(q.failed)
		return h
	}

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	q.pending.PushBack(&entry{req: req, handle: h})
	q.stats.Submitted++
	log.Debug("Synth: queued", "unit", req.Index, "session", req.Session, "pending", q.pending.Len())

	q.pump()
	return h
}

// Busy reports whether a request is in flight.
func (q *Queue) Busy() bool {
	return q.busy
}

// Pending returns the number of requests waiting behind the in-flight one.
func (q *Queue) Pending() int {
	return q.pending.Len()
}

// Ready reports whether the engine has announced itself.
func (q *Queue) Ready() bool {
	return q.ready
}

// Stats returns activity counters.
func (q *Queue) Stats() Stats {
	return q.stats
}

// Clear drops every pending request. Their handles are rejected with
// ErrRequestDropped. The in-flight request is not affected.
func (q *Queue) Clear() {
	q.stopRetry()
	for e := q.pending.Front(); e != nil; e = e.Next() {
		e.Value.(*entry).handle.resolve(ttypes.ErrRequestDropped)
		q.stats.Dropped++
	}
	q.pending.Init()
}

// Terminate discards the engine and all pending requests. Handles of
// dropped requests are abandoned, neither resolved nor rejected.
func (q *Queue) Terminate() {
	if q.closed {
		return
	}
	q.closed = true
	q.stopRetry()
	q.stopStall()
	q.pending.Init()
	q.current = nil
	q.busy = false

	eng := q.engine
	go func() {
		if err := eng.Close(); err != nil {
			log.Warn("Synth: closing engine", "error", err)
		}
	}()
	log.Debug("Synth: terminated", "stats", q.stats)
}

// pump sends the head of the queue if nothing is in flight.
func (q *Queue) pump() {
	if q.busy || q.waiting || !q.ready || q.closed || q.failed != nil {
		return
	}
	front := q.pending.Front()
	if front == nil {
		return
	}
	e := q.pending.Remove(front).(*entry)

	q.current = e
	q.busy = true
	e.attempts++

	req := engine.Request{Text: e.req.Unit.Text, Voice: e.req.Voice, Speed: e.req.Speed}
	if err := q.engine.Send(req); err != nil {
		log.Warn("Synth: send failed", "unit", e.req.Index, "error", err)
		q.current = nil
		q.busy = false
		q.fail(e, ttypes.NewError(ttypes.ErrorCodeSynthesis, "send to engine", err))
		q.loop.Post(q.pump)
		return
	}
	log.Debug("Synth: dispatched", "unit", e.req.Index, "id", e.req.ID, "attempt", e.attempts)
}

func (q *Queue) dispatch(msg engine.Message) {
	if q.closed {
		return
	}

	switch m := msg.(type) {
	case engine.DeviceMsg:
		log.Debug("Synth: engine device", "device", m.Device)
		if q.cb.OnDevice != nil {
			q.cb.OnDevice(m.Device)
		}

	case engine.ReadyMsg:
		first := !q.ready
		q.ready = true
		if first {
			log.Info("Synth: engine ready", "device", m.Device, "voices", len(m.Voices))
		}
		if q.cb.OnReady != nil {
			q.cb.OnReady(m.Voices, m.Device)
		}
		q.pump()

	case engine.StreamMsg:
		e := q.current
		if e == nil {
			log.Warn("Synth: stream chunk with nothing in flight")
			return
		}
		q.accept(e)
		if q.stallTimer != nil {
			q.watchStall(e)
		}
		if q.cb.OnStream != nil {
			q.cb.OnStream(e.req, m.Chunk)
		}

	case engine.CompleteMsg:
		e := q.current
		if e == nil {
			log.Warn("Synth: completion with nothing in flight")
			return
		}
		q.accept(e)
		q.stopStall()
		q.current = nil
		q.busy = false
		q.stats.Completed++
		if q.cb.OnComplete != nil {
			q.cb.OnComplete(e.req, m.Audio)
		}
		q.pump()

	case engine.ErrorMsg:
		q.handleError(m.Error)

	default:
		log.Warn("Synth: unknown engine message", "status", msg.Status())
	}
}

func (q *Queue) handleError(text string) {
	nerr := ttypes.Classify(text, q.ready)

	e := q.current
	if e == nil {
		if nerr.Code == ttypes.ErrorCodeInitialization {
			q.failAll(nerr)
			return
		}
		log.Warn("Synth: engine error with nothing in flight", "error", nerr)
		if nerr.Code != ttypes.ErrorCodeBusy && q.cb.OnError != nil {
			q.cb.OnError(nil, nerr)
		}
		return
	}

	if nerr.Code == ttypes.ErrorCodeBusy {
		if e.accepted {
			// The engine is already streaming this request, so the
			// complaint is about something else. A worker that dropped
			// the request will never complete it.
			log.Warn("Synth: busy error while streaming", "unit", e.req.Index)
			q.watchStall(e)
			return
		}
		q.current = nil
		q.busy = false
		if e.attempts < q.retry.MaxAttempts {
			q.scheduleRetry(e)
			return
		}
		log.Warn("Synth: retries exhausted", "unit", e.req.Index, "attempts", e.attempts)
		q.fail(e, nerr)
		q.pump()
		return
	}

	q.stopStall()
	q.current = nil
	q.busy = false
	q.fail(e, nerr)
	q.pump()
}

// scheduleRetry puts e back at the head of the queue and pauses
// dispatching for one backoff interval.
func (q *Queue) scheduleRetry(e *entry) {
	if e.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = q.retry.Initial
		b.MaxInterval = q.retry.Max
		b.Reset()
		e.backoff = b
	}
	delay := e.backoff.NextBackOff()

	q.pending.PushFront(e)
	q.stats.Retried++
	q.waiting = true
	q.retryGen++
	gen := q.retryGen
	q.retryTimer = q.loop.AfterFunc(delay, func() {
		if gen != q.retryGen {
			return
		}
		q.retryTimer = nil
		q.waiting = false
		q.pump()
	})
	log.Debug("Synth: engine busy, retrying", "unit", e.req.Index, "attempt", e.attempts, "delay", delay)
}

func (q *Queue) stopRetry() {
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
	q.retryGen++
	q.waiting = false
}

// watchStall fails e unless the engine says more about it within the
// stall timeout. Anything the engine sends for e afterwards is taken as
// belonging to the next request.
func (q *Queue) watchStall(e *entry) {
	if q.retry.Stall <= 0 {
		return
	}
	q.stopStall()
	gen := q.stallGen
	q.stallTimer = q.loop.AfterFunc(q.retry.Stall, func() {
		if gen != q.stallGen || q.current != e || q.closed {
			return
		}
		q.stallTimer = nil
		log.Warn("Synth: engine stalled", "unit", e.req.Index, "after", q.retry.Stall)
		q.current = nil
		q.busy = false
		q.fail(e, ttypes.NewError(ttypes.ErrorCodeSynthesis, "engine stalled after busy error", nil))
		q.pump()
	})
}

func (q *Queue) stopStall() {
	if q.stallTimer != nil {
		q.stallTimer.Stop()
		q.stallTimer = nil
	}
	q.stallGen++
}

func (q *Queue) accept(e *entry) {
	if !e.accepted {
		e.accepted = true
		e.handle.resolve(nil)
	}
}

func (q *Queue) fail(e *entry, err error) {
	q.stats.Failed++
	e.handle.resolve(err)
	log.Warn("Synth: request failed", "unit", e.req.Index, "error", err)
	if q.cb.OnError != nil {
		req := e.req
		q.cb.OnError(&req, err)
	}
}

// failAll is terminal: the engine cannot serve anything.
func (q *Queue) failAll(err *ttypes.NarrationError) {
	if q.failed != nil {
		return
	}
	q.failed = err
	q.stopRetry()
	q.stopStall()
	if q.current != nil {
		q.current.handle.resolve(err)
		q.current = nil
		q.busy = false
	}
	for e := q.pending.Front(); e != nil; e = e.Next() {
		e.Value.(*entry).handle.resolve(err)
	}
	q.pending.Init()

	log.Error("Synth: engine unavailable", "error", err)
	if q.cb.OnError != nil {
		q.cb.OnError(nil, err)
	}
}

func (q *Queue) engineExited() {
	if q.closed {
		return
	}
	q.failAll(ttypes.InitializationError("engine exited", ttypes.ErrEngineClosed))
}
