// Package playback plays synthesized segments strictly in arrival order,
// one at a time.
//
// Queue state belongs to the event loop. Callbacks are posted to the loop
// rather than called inline, so a callback never runs inside a Queue
// method. Callbacks posted before a ClearQueue are discarded.
package playback

import (
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/audio"
	"github.com/dgnsrekt/narrator/internal/loop"
	"github.com/dgnsrekt/narrator/internal/ttypes"
)

// Callbacks receive playback events on the loop. Any may be nil.
type Callbacks struct {
	OnPlaybackStarted func(seg ttypes.AudioSegment)

	// OnError reports a segment that could not be started. It is skipped.
	OnError func(seg ttypes.AudioSegment, err error)

	// OnQueueEmpty fires when the last segment ends, or fails to start,
	// leaving nothing to play. ClearQueue does not fire it.
	OnQueueEmpty func()
}

// Queue is the audio playback queue.
type Queue struct {
	loop *loop.Loop
	sink audio.Sink
	cb   Callbacks

	segments []ttypes.AudioSegment
	current  *ttypes.AudioSegment
	stream   audio.Stream

	// token identifies the playing stream; ends from other streams are stale.
	token uint64
	// generation changes on ClearQueue to drop callbacks already posted.
	generation uint64

	played  int
	skipped int
}

// New creates a playback queue on sink.
func New(l *loop.Loop, sink audio.Sink, cb Callbacks) *Queue {
	return &Queue{loop: l, sink: sink, cb: cb}
}

// AddToQueue appends seg. Playback starts at once if nothing is playing.
func (q *Queue) AddToQueue(seg ttypes.AudioSegment) {
	q.segments = append(q.segments, seg)
	if q.current == nil && !q.playNext() {
		q.queueEmpty()
	}
}

// ClearQueue stops the current segment and drops everything queued.
func (q *Queue) ClearQueue() {
	q.generation++
	q.token++
	if q.stream != nil {
		if err := q.stream.Close(); err != nil {
			log.Debug("Playback: closing stream", "error", err)
		}
	}
	q.stream = nil
	q.current = nil
	q.segments = nil
}

// Idle reports whether nothing is playing.
func (q *Queue) Idle() bool {
	return q.current == nil
}

// Len returns the number of segments waiting behind the current one.
func (q *Queue) Len() int {
	return len(q.segments)
}

// Current returns the playing segment.
func (q *Queue) Current() (ttypes.AudioSegment, bool) {
	if q.current == nil {
		return ttypes.AudioSegment{}, false
	}
	return *q.current, true
}

// Played returns how many segments played to the end.
func (q *Queue) Played() int {
	return q.played
}

// Skipped returns how many segments failed to start.
func (q *Queue) Skipped() int {
	return q.skipped
}

// playNext starts the next segment that the sink accepts. It reports false
// if the queue ran dry.
func (q *Queue) playNext() bool {
	for len(q.segments) > 0 {
		seg := q.segments[0]
		q.segments[0] = ttypes.AudioSegment{}
		q.segments = q.segments[1:]

		q.token++
		tok := q.token
		stream, err := q.sink.Start(seg, func() {
			q.loop.Post(func() { q.segmentEnded(tok) })
		})
		if err != nil {
			q.skipped++
			log.Warn("Playback: skipping segment", "unit", seg.UnitIndex, "error", err)
			if q.cb.OnError != nil {
				q.emit(func() { q.cb.OnError(seg, err) })
			}
			continue
		}

		q.current = &seg
		q.stream = stream
		log.Debug("Playback: started", "unit", seg.UnitIndex, "duration", seg.Duration(), "queued", len(q.segments))
		if q.cb.OnPlaybackStarted != nil {
			q.emit(func() { q.cb.OnPlaybackStarted(seg) })
		}
		return true
	}

	q.current = nil
	q.stream = nil
	return false
}

func (q *Queue) segmentEnded(tok uint64) {
	if tok != q.token || q.current == nil {
		return
	}
	q.played++
	q.current = nil
	q.stream = nil

	if !q.playNext() {
		q.queueEmpty()
	}
}

func (q *Queue) queueEmpty() {
	log.Debug("Playback: queue empty", "played", q.played)
	if q.cb.OnQueueEmpty != nil {
		q.emit(q.cb.OnQueueEmpty)
	}
}

// emit posts fn unless the queue is cleared first.
func (q *Queue) emit(fn func()) {
	gen := q.generation
	q.loop.Post(func() {
		if gen == q.generation {
			fn()
		}
	})
}
