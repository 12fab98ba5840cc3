// Package tactus implements the playback and arrangement core of a
// multi-track pattern sequencer: an authoritative pulse (tick) transport,
// per-track trigger timelines describing when each track sounds during song
// playback, and synchronization with an external transport clock.
//
// The package itself holds only pure domain types and the contracts the core
// consumes from its collaborators. The processing loops live in
// tactus/engine and the external clock adapter in tactus/transport.
package tactus

// Pulse is a pulse (tick) count, the universal time unit of a session. Its
// resolution is pulses per quarter note (PPQN). Pulses are never negative in
// valid state; NoPulse marks an unset value.
type Pulse int64

// NoPulse is the sentinel for an unset pulse value.
const NoPulse Pulse = -1

const (
	// DefaultPPQN is the default time resolution, in pulses per quarter note.
	DefaultPPQN = 192

	// DefaultBPM is the default tempo, in beats per minute.
	DefaultBPM = 120.0

	// DefaultBeatsPerBar and DefaultBeatWidth form the default 4/4 time
	// signature.
	DefaultBeatsPerBar = 4
	DefaultBeatWidth   = 4
)

// MeasureLength returns the number of pulses in one measure for the given
// resolution and time signature.
func MeasureLength(ppqn, beatsPerBar, beatWidth int) Pulse {
	return Pulse(ppqn * beatsPerBar * 4 / beatWidth)
}

// Sequence is the contract the core consumes from a playable track. The
// track's event storage and editing are outside this module; the core only
// starts and stops tracks and tells them which pulse range to render.
type Sequence interface {
	// IsPlaying reports whether the track is currently sounding.
	IsPlaying() bool

	// SetPlaying turns the track on or off.
	SetPlaying(playing bool)

	// Render emits or consumes the track's events in the closed pulse range
	// [start, end]. Called once per output cycle while the track is on.
	Render(start, end Pulse)

	// LoopLength returns the length of the track's looped content, in
	// pulses. Trigger offsets are normalized into [0, LoopLength).
	LoopLength() Pulse

	// LastPlayedTick returns the last pulse the track has rendered up to.
	LastPlayedTick() Pulse

	// SetTriggerOffset maps the song timeline position onto the track's
	// internal looped content position. Set every cycle during song
	// playback, whether or not the play state changed.
	SetTriggerOffset(offset Pulse)
}

// Recorder is optionally implemented by a Sequence that accepts recorded
// input events from the engine's input loop.
type Recorder interface {
	RecordEvent(channel int, note, velocity byte, on bool)
}

// TransportState is the state of an external transport clock.
type TransportState int

const (
	TransportStopped TransportState = iota
	TransportStarting
	TransportRolling
)

func (s TransportState) String() string {
	switch s {
	case TransportStopped:
		return "stopped"
	case TransportStarting:
		return "starting"
	case TransportRolling:
		return "rolling"
	}
	return "unknown"
}

// TransportPos is a position report from an external transport provider.
// All fields are re-read every cycle; a human may be adjusting tempo or the
// time signature on a master device while we roll.
type TransportPos struct {
	Frame        uint64
	FrameRate    uint32
	TicksPerBeat float64
	BeatType     float64
	BeatsPerBar  float64
	BPM          float64
	State        TransportState
}

// TransportClient is the contract of an external transport provider. The
// platform client (e.g. a JACK wrapper) implements it; tactus/transport
// consumes it. A nil or failed client degrades the session to free-running
// timing.
type TransportClient interface {
	// QueryPosition returns the provider's current position report.
	QueryPosition() (TransportPos, error)

	RequestStart() error
	RequestStop() error
	RequestReposition(frame uint64) error

	// SetPositionQuery registers the master-mode callback: given an opaque
	// query time from another participant, return the frame position this
	// process reports. Only called when this process is transport master.
	SetPositionQuery(query func(requestedTime int64) uint64)

	// CycleWait blocks until the provider's next process cycle, so that the
	// output loop's latency is bounded by external clock jitter rather than
	// local sleep granularity.
	CycleWait()

	Close() error
}
