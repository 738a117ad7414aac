package synth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/engine/mock"
	"github.com/dgnsrekt/narrator/internal/loop"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"pgregory.net/rapid"
)

// fakeEngine records requests. Replies are injected with dispatch.
type fakeEngine struct {
	mu          sync.Mutex
	sent        []engine.Request
	outstanding int
	overlap     bool
	sendErr     error
	msgs        chan engine.Message
	closed      chan struct{}
	closeOnce   sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		msgs:   make(chan engine.Message),
		closed: make(chan struct{}),
	}
}

func (f *fakeEngine) Send(req engine.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.outstanding++
	if f.outstanding > 1 {
		f.overlap = true
	}
	f.sent = append(f.sent, req)
	return nil
}

// settle marks the outstanding request finished.
func (f *fakeEngine) settle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outstanding--
}

func (f *fakeEngine) Messages() <-chan engine.Message { return f.msgs }

func (f *fakeEngine) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeEngine) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, r := range f.sent {
		out[i] = r.Text
	}
	return out
}

func startLoop(t *testing.T) *loop.Loop {
	l := loop.New()
	go l.Run(context.Background())
	t.Cleanup(l.Close)
	return l
}

// fataler is satisfied by *testing.T and *rapid.T.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

func do(t fataler, l *loop.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Do(ctx, fn); err != nil {
		t.Fatalf("loop.Do: %v", err)
	}
}

func unit(text string) ttypes.TextUnit {
	return ttypes.TextUnit{Text: text}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRequestsHeldUntilReady(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()
	q := New(l, eng, Callbacks{})

	do(t, l, func() {
		q.Submit(Request{Unit: unit("A")})
		q.Submit(Request{Unit: unit("B")})
	})
	if got := eng.texts(); len(got) != 0 {
		t.Fatalf("sent before ready: %v", got)
	}

	do(t, l, func() {
		q.dispatch(engine.ReadyMsg{Voices: []string{"af_heart"}, Device: "cpu"})
		if !q.Busy() {
			t.Error("queue should be busy after ready")
		}
		if q.Pending() != 1 {
			t.Errorf("Pending() = %d, want 1", q.Pending())
		}
	})
	if got := eng.texts(); !equal(got, []string{"A"}) {
		t.Fatalf("sent = %v, want [A]", got)
	}
}

func TestSingleRequestInFlight(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()

	var streamed, completed []string
	q := New(l, eng, Callbacks{
		OnStream: func(req Request, chunk engine.Chunk) {
			streamed = append(streamed, chunk.Text)
		},
		OnComplete: func(req Request, audio []byte) {
			completed = append(completed, req.Unit.Text)
		},
	})

	var a, b *Handle
	do(t, l, func() {
		q.dispatch(engine.ReadyMsg{Device: "cpu"})
		a = q.Submit(Request{Unit: unit("A")})
		b = q.Submit(Request{Unit: unit("B")})
	})
	if got := eng.texts(); !equal(got, []string{"A"}) {
		t.Fatalf("sent = %v, want [A]", got)
	}

	do(t, l, func() {
		q.dispatch(engine.StreamMsg{Chunk: engine.Chunk{Text: "A1"}})
		q.dispatch(engine.StreamMsg{Chunk: engine.Chunk{Text: "A2"}})
	})
	select {
	case <-a.Done():
		if err := a.Err(); err != nil {
			t.Fatalf("A rejected: %v", err)
		}
	default:
		t.Fatal("A not resolved after first chunk")
	}
	if got := eng.texts(); !equal(got, []string{"A"}) {
		t.Fatalf("B sent while A streaming: %v", got)
	}

	eng.settle()
	do(t, l, func() { q.dispatch(engine.CompleteMsg{}) })
	if got := eng.texts(); !equal(got, []string{"A", "B"}) {
		t.Fatalf("sent = %v, want [A B]", got)
	}

	eng.settle()
	do(t, l, func() { q.dispatch(engine.CompleteMsg{}) })
	select {
	case <-b.Done():
	default:
		t.Fatal("B not resolved by completion without chunks")
	}

	if !equal(streamed, []string{"A1", "A2"}) {
		t.Errorf("streamed = %v", streamed)
	}
	if !equal(completed, []string{"A", "B"}) {
		t.Errorf("completed = %v", completed)
	}
	if eng.overlap {
		t.Error("two requests were in flight at once")
	}
	do(t, l, func() {
		if q.Busy() {
			t.Error("queue busy after draining")
		}
		if s := q.Stats(); s.Submitted != 2 || s.Completed != 2 {
			t.Errorf("stats = %+v", s)
		}
	})
}

func waitSent(t *testing.T, eng *fakeEngine, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := eng.texts(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, have %v", n, eng.texts())
	return nil
}

func TestBusyRetryKeepsPosition(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()

	var errs []error
	q := New(l, eng, Callbacks{
		OnError: func(req *Request, err error) { errs = append(errs, err) },
	}, WithRetryPolicy(RetryPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 8}))

	var a *Handle
	do(t, l, func() {
		q.dispatch(engine.ReadyMsg{Device: "cpu"})
		a = q.Submit(Request{Unit: unit("A")})
		q.Submit(Request{Unit: unit("B")})
	})

	eng.settle()
	do(t, l, func() { q.dispatch(engine.ErrorMsg{Error: ttypes.EngineBusyStarted}) })

	if got := waitSent(t, eng, 2); !equal(got, []string{"A", "A"}) {
		t.Fatalf("sent = %v, want A retried before B", got)
	}
	select {
	case <-a.Done():
		t.Fatal("busy error settled the handle")
	default:
	}

	do(t, l, func() {
		q.dispatch(engine.StreamMsg{Chunk: engine.Chunk{Text: "A1"}})
	})
	eng.settle()
	do(t, l, func() { q.dispatch(engine.CompleteMsg{}) })

	if got := eng.texts(); !equal(got, []string{"A", "A", "B"}) {
		t.Fatalf("sent = %v, want [A A B]", got)
	}
	if len(errs) != 0 {
		t.Errorf("busy error surfaced: %v", errs)
	}
	do(t, l, func() {
		if s := q.Stats(); s.Retried != 1 {
			t.Errorf("Retried = %d, want 1", s.Retried)
		}
	})
}

func TestBusyRetriesExhausted(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()
	q := New(l, eng, Callbacks{},
		WithRetryPolicy(RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2}))

	var a *Handle
	do(t, l, func() {
		q.dispatch(engine.ReadyMsg{Device: "cpu"})
		a = q.Submit(Request{Unit: unit("A")})
		q.Submit(Request{Unit: unit("B")})
	})

	eng.settle()
	do(t, l, func() { q.dispatch(engine.ErrorMsg{Error: ttypes.EngineBusyProcessing}) })
	waitSent(t, eng, 2)

	eng.settle()
	do(t, l, func() { q.dispatch(engine.ErrorMsg{Error: ttypes.EngineBusyProcessing}) })

	if err := a.Wait(context.Background()); !ttypes.IsRetryable(err) {
		t.Fatalf("A error = %v, want busy", err)
	}
	if got := eng.texts(); !equal(got, []string{"A", "A", "B"}) {
		t.Fatalf("sent = %v, want [A A B]", got)
	}
}

func TestBusyErrorWhileStreamingIgnored(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()
	q := New(l, eng, Callbacks{})

	do(t, l, func() {
		q.dispatch(engine.ReadyMsg{Device: "cpu"})
		q.Submit(Request{Unit: unit("A")})
		q.dispatch(engine.StreamMsg{Chunk: engine.Chunk{Text: "A1"}})
		q.dispatch(engine.ErrorMsg{Error: ttypes.EngineBusyProcessing})
		if !q.Busy() {
			t.Error("A should still be in flight")
		}
		if s := q.Stats(); s.Retried != 0 || s.Failed != 0 {
			t.Errorf("stats = %+v", s)
		}
	})
}

func TestClearedRetryDoesNotFireLate(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()
	q := New(l, eng, Callbacks{},
		WithRetryPolicy(RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 8}))

	do(t, l, func() {
		q.dispatch(engine.ReadyMsg{Device: "cpu"})
		q.Submit(Request{Unit: unit("A")})
		eng.settle()
		q.dispatch(engine.ErrorMsg{Error: ttypes.EngineBusyProcessing})

		// The retry timer fires while the loop is busy here, so its
		// callback is already queued behind this function.
		time.Sleep(20 * time.Millisecond)
		q.Clear()

		q.retry = RetryPolicy{Initial: time.Hour, Max: time.Hour, MaxAttempts: 8}
		q.Submit(Request{Unit: unit("B")})
		eng.settle()
		q.dispatch(engine.ErrorMsg{Error: ttypes.EngineBusyProcessing})
	})

	do(t, l, func() {
		if !q.waiting || q.retryTimer == nil {
			t.Error("B's retry was cut short")
		}
		if q.Busy() {
			t.Error("B was resent before its backoff elapsed")
		}
	})
	if got := eng.texts(); !equal(got, []string{"A", "B"}) {
		t.Fatalf("sent = %v, want [A B]", got)
	}
}

func TestStalledRequestFails(t *testing.T) {
	policy := RetryPolicy{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2, Stall: 20 * time.Millisecond}

	t.Run("silent engine", func(t *testing.T) {
		l := startLoop(t)
		eng := newFakeEngine()
		failed := make(chan error, 1)
		q := New(l, eng, Callbacks{
			OnError: func(req *Request, err error) {
				if req != nil && req.Unit.Text == "A" {
					failed <- err
				}
			},
		}, WithRetryPolicy(policy))

		var a *Handle
		do(t, l, func() {
			q.dispatch(engine.ReadyMsg{Device: "cpu"})
			a = q.Submit(Request{Unit: unit("A")})
			q.Submit(Request{Unit: unit("B")})
			q.dispatch(engine.StreamMsg{Chunk: engine.Chunk{Text: "A1"}})
			q.dispatch(engine.ErrorMsg{Error: ttypes.EngineBusyProcessing})
		})
		eng.settle()

		select {
		case err := <-failed:
			if ttypes.CodeOf(err) != ttypes.ErrorCodeSynthesis {
				t.Errorf("err = %v, want a synthesis error", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("stalled request never failed")
		}
		if got := waitSent(t, eng, 2); !equal(got, []string{"A", "B"}) {
			t.Fatalf("sent = %v, want [A B]", got)
		}
		// A was accepted before it stalled.
		if err := a.Err(); err != nil {
			t.Errorf("A handle = %v", err)
		}
	})

	t.Run("engine keeps going", func(t *testing.T) {
		l := startLoop(t)
		eng := newFakeEngine()
		var errs []error
		slow := policy
		slow.Stall = 100 * time.Millisecond
		q := New(l, eng, Callbacks{
			OnError: func(req *Request, err error) { errs = append(errs, err) },
		}, WithRetryPolicy(slow))

		do(t, l, func() {
			q.dispatch(engine.ReadyMsg{Device: "cpu"})
			q.Submit(Request{Unit: unit("A")})
			q.dispatch(engine.StreamMsg{Chunk: engine.Chunk{Text: "A1"}})
			q.dispatch(engine.ErrorMsg{Error: ttypes.EngineBusyProcessing})
		})
		// Each chunk restarts the stall timer.
		time.Sleep(60 * time.Millisecond)
		do(t, l, func() { q.dispatch(engine.StreamMsg{Chunk: engine.Chunk{Text: "A2"}}) })
		time.Sleep(60 * time.Millisecond)
		do(t, l, func() { q.dispatch(engine.CompleteMsg{}) })
		time.Sleep(150 * time.Millisecond)

		do(t, l, func() {
			if len(errs) != 0 {
				t.Errorf("errors = %v", errs)
			}
			if s := q.Stats(); s.Completed != 1 || s.Failed != 0 {
				t.Errorf("stats = %+v", s)
			}
		})
	})
}

func TestRequestErrorsDropRequest(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		code ttypes.ErrorCode
	}{
		{"empty text", ttypes.EngineEmptyText, ttypes.ErrorCodeValidation},
		{"unknown voice", ttypes.EngineUnknownVoice + ": zz_nobody", ttypes.ErrorCodeValidation},
		{"synthesis", "model crashed", ttypes.ErrorCodeSynthesis},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := startLoop(t)
			eng := newFakeEngine()

			var failed []string
			q := New(l, eng, Callbacks{
				OnError: func(req *Request, err error) {
					if req == nil {
						t.Errorf("request error reported without request: %v", err)
						return
					}
					failed = append(failed, req.Unit.Text)
				},
			})

			var a *Handle
			do(t, l, func() {
				q.dispatch(engine.ReadyMsg{Device: "cpu"})
				a = q.Submit(Request{Unit: unit("A")})
				q.Submit(Request{Unit: unit("B")})
			})
			eng.settle()
			do(t, l, func() { q.dispatch(engine.ErrorMsg{Error: tt.msg}) })

			if got := ttypes.CodeOf(a.Err()); got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
			if !equal(failed, []string{"A"}) {
				t.Errorf("failed = %v, want [A]", failed)
			}
			if got := eng.texts(); !equal(got, []string{"A", "B"}) {
				t.Errorf("sent = %v, want [A B]", got)
			}
		})
	}
}

func TestInitializationFailure(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()

	var engineErrs []error
	q := New(l, eng, Callbacks{
		OnError: func(req *Request, err error) {
			if req == nil {
				engineErrs = append(engineErrs, err)
			}
		},
	})

	var a *Handle
	do(t, l, func() {
		a = q.Submit(Request{Unit: unit("A")})
		q.dispatch(engine.ErrorMsg{Error: "failed to load model"})
	})

	if len(engineErrs) != 1 || !ttypes.IsFatal(engineErrs[0]) {
		t.Fatalf("engine errors = %v, want one initialization error", engineErrs)
	}
	if got := ttypes.CodeOf(a.Err()); got != ttypes.ErrorCodeInitialization {
		t.Errorf("pending request code = %q", got)
	}

	do(t, l, func() {
		h := q.Submit(Request{Unit: unit("B")})
		if got := ttypes.CodeOf(h.Err()); got != ttypes.ErrorCodeInitialization {
			t.Errorf("submit after failure code = %q", got)
		}
		q.dispatch(engine.ReadyMsg{Device: "cpu"})
	})
	if got := eng.texts(); len(got) != 0 {
		t.Errorf("sent after failure: %v", got)
	}
}

func TestSendFailure(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()
	eng.sendErr = ttypes.ErrEngineClosed
	q := New(l, eng, Callbacks{})

	var a *Handle
	do(t, l, func() {
		q.dispatch(engine.ReadyMsg{Device: "cpu"})
		a = q.Submit(Request{Unit: unit("A")})
	})
	if err := a.Wait(context.Background()); !errors.Is(err, ttypes.ErrEngineClosed) {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
}

func TestClearRejectsPending(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()
	q := New(l, eng, Callbacks{})

	var a, b, c *Handle
	do(t, l, func() {
		q.dispatch(engine.ReadyMsg{Device: "cpu"})
		a = q.Submit(Request{Unit: unit("A")})
		b = q.Submit(Request{Unit: unit("B")})
		c = q.Submit(Request{Unit: unit("C")})
		q.Clear()
		if q.Pending() != 0 {
			t.Errorf("Pending() = %d after Clear", q.Pending())
		}
		if !q.Busy() {
			t.Error("Clear cancelled the in-flight request")
		}
	})

	for _, h := range []*Handle{b, c} {
		if err := h.Err(); !errors.Is(err, ttypes.ErrRequestDropped) {
			t.Errorf("err = %v, want ErrRequestDropped", err)
		}
	}
	select {
	case <-a.Done():
		t.Error("in-flight handle settled by Clear")
	default:
	}

	eng.settle()
	do(t, l, func() { q.dispatch(engine.CompleteMsg{}) })
	if got := eng.texts(); !equal(got, []string{"A"}) {
		t.Errorf("sent = %v, want [A]", got)
	}
}

func TestTerminate(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()

	completed := 0
	q := New(l, eng, Callbacks{
		OnComplete: func(Request, []byte) { completed++ },
	})

	var a, b *Handle
	do(t, l, func() {
		q.dispatch(engine.ReadyMsg{Device: "cpu"})
		a = q.Submit(Request{Unit: unit("A")})
		b = q.Submit(Request{Unit: unit("B")})
		q.Terminate()
		q.Terminate()
		q.dispatch(engine.CompleteMsg{})
	})

	select {
	case <-eng.closed:
	case <-time.After(time.Second):
		t.Fatal("engine not closed")
	}
	for _, h := range []*Handle{a, b} {
		select {
		case <-h.Done():
			t.Error("terminate settled a handle")
		default:
		}
	}
	if completed != 0 {
		t.Error("message delivered after terminate")
	}

	do(t, l, func() {
		h := q.Submit(Request{Unit: unit("C")})
		if !errors.Is(h.Err(), ttypes.ErrQueueClosed) {
			t.Errorf("submit after terminate: %v", h.Err())
		}
	})
}

func TestEngineExit(t *testing.T) {
	l := startLoop(t)
	eng := newFakeEngine()

	errs := make(chan error, 1)
	q := New(l, eng, Callbacks{
		OnError: func(req *Request, err error) {
			if req == nil {
				errs <- err
			}
		},
	})
	q.Start()
	close(eng.msgs)

	select {
	case err := <-errs:
		if !errors.Is(err, ttypes.ErrEngineClosed) || !ttypes.IsFatal(err) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("engine exit not reported")
	}
}

func TestWithMockEngine(t *testing.T) {
	l := startLoop(t)
	synth := mock.New(mock.WithDelay(0))
	host := engine.NewHost(synth, engine.DefaultHostConfig())

	type result struct {
		index int
	}
	results := make(chan result, 8)
	ready := make(chan string, 1)

	q := New(l, host, Callbacks{
		OnReady: func(voices []string, device string) { ready <- device },
		OnComplete: func(req Request, audio []byte) {
			results <- result{index: req.Index}
		},
		OnError: func(req *Request, err error) {
			t.Errorf("unexpected error: %v", err)
		},
	})
	q.Start()
	t.Cleanup(func() { do(t, l, q.Terminate) })

	do(t, l, func() {
		for i, text := range []string{"Intro.", "Chapter 1: Start.", "It began."} {
			q.Submit(Request{Unit: unit(text), Index: i, Voice: "af_heart", Speed: 1})
		}
	})

	select {
	case device := <-ready:
		if device != "mock" {
			t.Errorf("device = %q", device)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine never became ready")
	}

	for want := 0; want < 3; want++ {
		select {
		case r := <-results:
			if r.index != want {
				t.Fatalf("completed unit %d, want %d", r.index, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for unit %d", want)
		}
	}
}

// Whatever the engine replies, requests reach it one at a time and in
// submission order.
func TestQueueOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := loop.New()
		go l.Run(context.Background())
		defer l.Close()

		eng := newFakeEngine()
		var completed []int
		q := New(l, eng, Callbacks{
			OnComplete: func(req Request, _ []byte) { completed = append(completed, req.Index) },
		})

		submitted := 0
		ops := rapid.SliceOfN(rapid.IntRange(0, 4), 1, 60).Draw(t, "ops")
		for _, op := range ops {
			do(t, l, func() {
				switch op {
				case 0, 1:
					q.Submit(Request{Unit: unit(fmt.Sprint(submitted)), Index: submitted})
					submitted++
				case 2:
					if !q.Ready() {
						q.dispatch(engine.ReadyMsg{Device: "cpu"})
					} else if q.Busy() {
						q.dispatch(engine.StreamMsg{Chunk: engine.Chunk{Text: "x"}})
					}
				case 3:
					if q.Busy() {
						eng.settle()
						q.dispatch(engine.CompleteMsg{})
					}
				case 4:
					if q.Busy() {
						eng.settle()
						q.dispatch(engine.ErrorMsg{Error: ttypes.EngineEmptyText})
					}
				}
			})
		}

		if eng.overlap {
			t.Fatal("more than one request in flight")
		}
		for i, text := range eng.texts() {
			if text != fmt.Sprint(i) {
				t.Fatalf("send %d carried %q", i, text)
			}
		}
		for i := 1; i < len(completed); i++ {
			if completed[i] <= completed[i-1] {
				t.Fatalf("completions out of order: %v", completed)
			}
		}
	})
}
