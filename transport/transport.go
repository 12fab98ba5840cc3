// Package transport reconciles the engine's pulse clock with an external
// frame-based transport. A Sync wraps a transport client and converts its
// frame positions into pulse positions once per processing cycle; a Null
// transporter free-runs off the wall clock when no external transport is
// available.
package transport

import (
	"github.com/tactus/tactus"
)

// Update is the result of one reconciliation cycle, computed from the
// transport position sampled at the start of the cycle. It is immutable:
// the engine bases the whole cycle on one Update and never reads the
// transport again mid-cycle.
type Update struct {
	// State is the transport state the cycle was sampled in.
	State tactus.TransportState
	// Frame is the transport frame the cycle was sampled at.
	Frame uint64
	// Tick is the engine pulse corresponding to Frame.
	Tick tactus.Pulse
	// Delta is the number of pulses elapsed since the previous cycle. It is
	// zero while the transport is settling into Rolling and negative after a
	// backward relocation.
	Delta tactus.Pulse
	// Running reports whether the engine should advance this cycle.
	Running bool
}

// Transporter is the clock the engine's output loop drives. Each cycle the
// loop calls CycleWait and then Reconcile, and advances playback by the
// returned Update.
type Transporter interface {
	// Reconcile samples the transport and returns the cycle's Update.
	Reconcile() (Update, error)
	// Start asks the transport to roll.
	Start() error
	// Stop asks the transport to stop.
	Stop() error
	// Reposition relocates the transport to the given pulse.
	Reposition(tick tactus.Pulse) error
	// SetBPM informs the transport of a tempo change.
	SetBPM(bpm float64)
	// Running reports whether the transport is rolling.
	Running() bool
	// Master reports whether this side owns the transport position.
	Master() bool
	// ToggleSync engages or disengages external sync, reporting whether
	// sync is engaged after the toggle. Transporters without an external
	// side always report false.
	ToggleSync() bool
	// CycleWait blocks until the next processing cycle is due.
	CycleWait()
	// Close releases the transport connection.
	Close() error
}
