package audio

import "github.com/dgnsrekt/narrator/internal/ttypes"

// Sink starts playback of one segment at a time.
//
// Start begins playing seg and returns immediately. done is called once,
// from any goroutine, when the segment finishes on its own. It is never
// called for a stream closed with Close.
type Sink interface {
	Start(seg ttypes.AudioSegment, done func()) (Stream, error)
}

// Stream is a segment being played.
type Stream interface {
	// Close stops the segment. Safe to call more than once.
	Close() error
}
