package narration

import "github.com/dgnsrekt/narrator/internal/ttypes"

// Event is emitted by the controller to its Listener.
type Event interface {
	event()
}

// StateChanged reports a new playback status.
type StateChanged struct {
	State ttypes.PlaybackState
}

// UnitStarted reports that the first segment of a unit began playing.
type UnitStarted struct {
	Index int
	Unit  ttypes.TextUnit
	Total int
}

// Spoken reports the text of a segment as it begins playing.
type Spoken struct {
	Text      string
	UnitIndex int
}

// Failed reports an error. UnitIndex is -1 when the error concerns the
// session rather than one unit.
type Failed struct {
	Err       error
	UnitIndex int
}

// Ended reports that every unit was narrated.
type Ended struct{}

// EngineReady reports the engine's voices and device.
type EngineReady struct {
	Voices []string
	Device string
}

func (StateChanged) event() {}
func (UnitStarted) event()  {}
func (Spoken) event()       {}
func (Failed) event()       {}
func (Ended) event()        {}
func (EngineReady) event()  {}

// Listener receives events on the event loop. It must not block and must
// not call controller methods synchronously.
type Listener func(Event)
