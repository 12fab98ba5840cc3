package transport

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/tactus/tactus"
)

// Sync drives the engine from an external frame-based transport client. It
// converts the client's frame positions to pulses, holds playback while the
// transport is still locating (Starting), and re-bases its delta computation
// on the first Rolling cycle so a slow locate never produces a pulse jump.
//
// In master mode Sync also answers the transport's position queries: every
// Reconcile publishes the frame corresponding to the engine's current pulse,
// and the query callback serves the latest published frame.
type Sync struct {
	client tactus.TransportClient
	master bool
	ppqn   int
	tick   func() tactus.Pulse

	mu        sync.Mutex
	fallback  *Null
	lastPos   tactus.TransportPos
	lastTick  tactus.Pulse
	rebase    bool
	published atomic.Uint64
}

// NewSync wraps client into a Transporter. tick returns the engine's
// current pulse and is called from the transport's own thread when master;
// it must be safe for concurrent use.
func NewSync(client tactus.TransportClient, ppqn int, master bool, tick func() tactus.Pulse) (*Sync, error) {
	if client == nil {
		return nil, fmt.Errorf("sync requires a transport client")
	}
	if master && tick == nil {
		return nil, fmt.Errorf("master sync requires a tick source")
	}
	if ppqn <= 0 {
		ppqn = tactus.DefaultPPQN
	}
	s := &Sync{client: client, master: master, ppqn: ppqn, tick: tick}
	if master {
		client.SetPositionQuery(func(requestedTime int64) uint64 {
			return s.published.Load()
		})
	}
	pos, err := client.QueryPosition()
	if err != nil {
		return nil, fmt.Errorf("transport position query failed: %w", err)
	}
	s.lastPos = pos
	s.lastTick = s.frameToTick(pos)
	return s, nil
}

// Reconcile samples the transport once and derives the cycle's Update.
func (s *Sync) Reconcile() (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		u, err := s.fallback.Reconcile()
		if err == nil {
			s.lastTick = u.Tick
		}
		return u, err
	}
	pos, err := s.client.QueryPosition()
	if err != nil {
		return Update{}, fmt.Errorf("transport position query failed: %w", err)
	}
	u := Update{State: pos.State, Frame: pos.Frame}
	switch pos.State {
	case tactus.TransportStopped:
		s.lastTick = s.frameToTick(pos)
		u.Tick = s.lastTick
	case tactus.TransportStarting:
		// The transport is still locating; hold position until it rolls.
		s.rebase = true
		s.lastTick = s.frameToTick(pos)
		u.Tick = s.lastTick
	case tactus.TransportRolling:
		u.Running = true
		u.Tick = s.frameToTick(pos)
		if s.rebase {
			s.rebase = false
		} else {
			u.Delta = u.Tick - s.lastTick
		}
		s.lastTick = u.Tick
	}
	s.lastPos = pos
	if s.master {
		s.published.Store(s.tickToFrame(s.tick(), pos))
	}
	return u, nil
}

// Start asks the transport to roll.
func (s *Sync) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return s.fallback.Start()
	}
	return s.client.RequestStart()
}

// Stop asks the transport to stop.
func (s *Sync) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return s.fallback.Stop()
	}
	return s.client.RequestStop()
}

// Reposition relocates the transport to the frame corresponding to tick.
func (s *Sync) Reposition(tick tactus.Pulse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return s.fallback.Reposition(tick)
	}
	s.rebase = true
	return s.client.RequestReposition(s.tickToFrame(tick, s.lastPos))
}

// SetBPM is a no-op while synced: tempo is owned by the transport
// position, not by the engine. While disengaged it retunes the
// free-running clock.
func (s *Sync) SetBPM(bpm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		s.fallback.SetBPM(bpm)
	}
}

// Running reports whether the last sampled state was Rolling.
func (s *Sync) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return s.fallback.Running()
	}
	return s.lastPos.State == tactus.TransportRolling
}

// Master reports whether this side answers position queries.
func (s *Sync) Master() bool {
	return s.master
}

// ToggleSync disengages the external transport, free-running from the
// last synced position, or re-engages it. Re-engaging re-bases the delta
// computation so the next Rolling cycle never produces a pulse jump.
func (s *Sync) ToggleSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback == nil {
		_, _, bpm, _ := s.timing(s.lastPos)
		s.fallback = NewNull(s.ppqn, bpm)
		if err := s.fallback.Reposition(s.lastTick); err == nil &&
			s.lastPos.State == tactus.TransportRolling {
			s.fallback.Start()
		}
		return false
	}
	s.fallback = nil
	s.rebase = true
	return true
}

// CycleWait blocks until the next cycle.
func (s *Sync) CycleWait() {
	s.mu.Lock()
	f := s.fallback
	s.mu.Unlock()
	if f != nil {
		f.CycleWait()
		return
	}
	s.client.CycleWait()
}

// Close releases the transport connection.
func (s *Sync) Close() error {
	return s.client.Close()
}

// timing returns the position's timing parameters with unset fields
// defaulted, so a half-filled position from a freshly started transport
// still converts sanely.
func (s *Sync) timing(pos tactus.TransportPos) (ticksPerBeat, beatType, bpm, rate float64) {
	ticksPerBeat = pos.TicksPerBeat
	if ticksPerBeat <= 0 {
		ticksPerBeat = float64(s.ppqn) * 10
	}
	beatType = pos.BeatType
	if beatType <= 0 {
		beatType = float64(tactus.DefaultBeatWidth)
	}
	bpm = pos.BPM
	if bpm <= 0 {
		bpm = tactus.DefaultBPM
	}
	rate = float64(pos.FrameRate)
	if rate <= 0 {
		rate = 48000
	}
	return
}

// frameToTick converts the position's frame to engine pulses. The raw tick
// count runs at the transport's ticks-per-beat resolution; the multiplier
// rescales it to the engine's pulses per quarter note, accounting for the
// beat type.
func (s *Sync) frameToTick(pos tactus.TransportPos) tactus.Pulse {
	ticksPerBeat, beatType, bpm, rate := s.timing(pos)
	ticks := float64(pos.Frame) * ticksPerBeat * bpm / (rate * 60.0)
	ticks *= float64(s.ppqn) / (ticksPerBeat * beatType / 4.0)
	return tactus.Pulse(math.Floor(ticks))
}

// tickToFrame is the inverse of frameToTick under the same position's
// timing parameters.
func (s *Sync) tickToFrame(tick tactus.Pulse, pos tactus.TransportPos) uint64 {
	_, beatType, bpm, rate := s.timing(pos)
	if tick < 0 {
		tick = 0
	}
	frames := float64(tick) * rate * 60.0 * beatType / (bpm * float64(s.ppqn) * 4.0)
	return uint64(math.Floor(frames))
}
