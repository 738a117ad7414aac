package audio

import (
	"sync"
	"time"

	"github.com/dgnsrekt/narrator/internal/ttypes"
)

// MockSink is a Sink that plays nothing. Segments end after a fixed
// duration, after their own length in real time, or only when Finish is
// called if neither is set.
type MockSink struct {
	mu       sync.Mutex
	duration time.Duration
	realTime bool
	failures map[string]error
	played   []ttypes.AudioSegment
	active   []*mockStream
	closed   bool
}

// MockOption configures a MockSink.
type MockOption func(*MockSink)

// WithPlayDuration makes every segment end on its own after d.
func WithPlayDuration(d time.Duration) MockOption {
	return func(m *MockSink) { m.duration = d }
}

// WithRealTime makes every segment end after its own duration, so a silent
// run keeps the pace of a real one.
func WithRealTime() MockOption {
	return func(m *MockSink) { m.realTime = true }
}

// NewMockSink creates a mock sink.
func NewMockSink(opts ...MockOption) *MockSink {
	m := &MockSink{failures: make(map[string]error)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailOn makes Start fail for segments with the given text.
func (m *MockSink) FailOn(text string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[text] = err
}

// Start implements Sink.
func (m *MockSink) Start(seg ttypes.AudioSegment, done func()) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ttypes.PlaybackDeviceError("start segment", ErrPlayerClosed)
	}
	if err, ok := m.failures[seg.Text]; ok {
		return nil, ttypes.PlaybackDeviceError("start segment", err)
	}

	m.played = append(m.played, seg)
	s := &mockStream{sink: m, done: done}
	m.active = append(m.active, s)
	d := m.duration
	if m.realTime {
		d = max(seg.Duration(), time.Millisecond)
	}
	if d > 0 {
		s.timer = time.AfterFunc(d, s.finish)
	}
	return s, nil
}

// Played returns the text of every segment started, in order.
func (m *MockSink) Played() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.played))
	for i, seg := range m.played {
		out[i] = seg.Text
	}
	return out
}

// Segments returns every segment started, in order.
func (m *MockSink) Segments() []ttypes.AudioSegment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ttypes.AudioSegment(nil), m.played...)
}

// Active returns the number of streams neither finished nor closed.
func (m *MockSink) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Finish ends the oldest active stream as if it played to the end. It
// reports false if nothing is playing.
func (m *MockSink) Finish() bool {
	m.mu.Lock()
	if len(m.active) == 0 {
		m.mu.Unlock()
		return false
	}
	s := m.active[0]
	m.mu.Unlock()

	s.finish()
	return true
}

// Close makes further Starts fail.
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockSink) remove(s *mockStream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.active {
		if a == s {
			m.active = append(m.active[:i], m.active[i+1:]...)
			return true
		}
	}
	return false
}

type mockStream struct {
	sink  *MockSink
	done  func()
	timer *time.Timer
}

func (s *mockStream) finish() {
	if !s.sink.remove(s) {
		return
	}
	if s.done != nil {
		s.done()
	}
}

func (s *mockStream) Close() error {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.sink.remove(s)
	return nil
}
