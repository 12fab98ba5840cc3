package transport

import (
	"sync"
	"time"

	"github.com/tactus/tactus"
)

// cycleQuantum is the free-running cycle period. Small enough that a
// trigger boundary is never late by more than a few milliseconds.
const cycleQuantum = 4 * time.Millisecond

// Null is the free-running fallback Transporter: no external transport, the
// pulse clock is derived from the wall clock and the current tempo. Used
// when no transport client is available and in tests.
type Null struct {
	mu       sync.Mutex
	ppqn     int
	bpm      float64
	running  bool
	baseTick tactus.Pulse
	baseTime time.Time
	lastTick tactus.Pulse
	now      func() time.Time
}

// NewNull returns a stopped free-running transporter at the given tempo.
func NewNull(ppqn int, bpm float64) *Null {
	if ppqn <= 0 {
		ppqn = tactus.DefaultPPQN
	}
	if bpm <= 0 {
		bpm = tactus.DefaultBPM
	}
	return &Null{ppqn: ppqn, bpm: bpm, now: time.Now}
}

func (n *Null) currentTickLocked() tactus.Pulse {
	if !n.running {
		return n.baseTick
	}
	elapsed := n.now().Sub(n.baseTime).Seconds()
	return n.baseTick + tactus.Pulse(elapsed*n.bpm*float64(n.ppqn)/60.0)
}

// Reconcile derives the cycle's Update from the wall clock.
func (n *Null) Reconcile() (Update, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tick := n.currentTickLocked()
	u := Update{Tick: tick, Running: n.running}
	if n.running {
		u.State = tactus.TransportRolling
		u.Delta = tick - n.lastTick
	} else {
		u.State = tactus.TransportStopped
	}
	n.lastTick = tick
	return u, nil
}

// Start begins advancing from the current position.
func (n *Null) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		n.baseTime = n.now()
		n.running = true
	}
	return nil
}

// Stop freezes the position.
func (n *Null) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		n.baseTick = n.currentTickLocked()
		n.running = false
	}
	return nil
}

// Reposition moves the position to tick, running or not.
func (n *Null) Reposition(tick tactus.Pulse) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.baseTick = tick
	n.baseTime = n.now()
	n.lastTick = tick
	return nil
}

// SetBPM changes the tempo, re-basing so the position does not jump.
func (n *Null) SetBPM(bpm float64) {
	if bpm <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.baseTick = n.currentTickLocked()
	n.baseTime = n.now()
	n.bpm = bpm
}

// Running reports whether the clock is advancing.
func (n *Null) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Master always reports false; a free-running clock has no peers.
func (n *Null) Master() bool {
	return false
}

// ToggleSync always reports false; there is no external transport to
// engage.
func (n *Null) ToggleSync() bool {
	return false
}

// CycleWait sleeps one cycle quantum.
func (n *Null) CycleWait() {
	time.Sleep(cycleQuantum)
}

// Close is a no-op.
func (n *Null) Close() error {
	return nil
}
