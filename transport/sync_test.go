package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/tactus/tactus"
)

// fakeClient serves a scripted list of transport positions; the last one
// repeats once the script runs out.
type fakeClient struct {
	positions    []tactus.TransportPos
	index        int
	started      bool
	stopped      bool
	repositioned []uint64
	queryFn      func(requestedTime int64) uint64
	failQuery    bool
}

func pos(state tactus.TransportState, frame uint64) tactus.TransportPos {
	return tactus.TransportPos{
		Frame:        frame,
		FrameRate:    48000,
		TicksPerBeat: 1920,
		BeatType:     4,
		BeatsPerBar:  4,
		BPM:          120,
		State:        state,
	}
}

func (f *fakeClient) QueryPosition() (tactus.TransportPos, error) {
	if f.failQuery {
		return tactus.TransportPos{}, errors.New("transport gone")
	}
	if f.index >= len(f.positions) {
		return f.positions[len(f.positions)-1], nil
	}
	p := f.positions[f.index]
	f.index++
	return p, nil
}

func (f *fakeClient) RequestStart() error { f.started = true; return nil }
func (f *fakeClient) RequestStop() error  { f.stopped = true; return nil }
func (f *fakeClient) RequestReposition(frame uint64) error {
	f.repositioned = append(f.repositioned, frame)
	return nil
}
func (f *fakeClient) SetPositionQuery(fn func(requestedTime int64) uint64) { f.queryFn = fn }
func (f *fakeClient) CycleWait()                                           {}
func (f *fakeClient) Close() error                                         { return nil }

// At 120 BPM, 192 PPQN and 48 kHz there are exactly 125 frames per pulse.

func TestSyncSettlesThroughStarting(t *testing.T) {
	client := &fakeClient{positions: []tactus.TransportPos{
		pos(tactus.TransportStopped, 0), // consumed by NewSync
		pos(tactus.TransportStarting, 0),
		pos(tactus.TransportStarting, 0),
		pos(tactus.TransportStarting, 0),
		pos(tactus.TransportRolling, 1250),
		pos(tactus.TransportRolling, 2500),
	}}
	s, err := NewSync(client, 192, false, nil)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}
	for i := 0; i < 3; i++ {
		u, err := s.Reconcile()
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if u.Running || u.Delta != 0 {
			t.Fatalf("cycle %d: advanced while starting (running=%v delta=%d)", i, u.Running, u.Delta)
		}
	}
	// first rolling cycle re-bases: running but no pulse jump
	u, err := s.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !u.Running || u.Delta != 0 {
		t.Fatalf("first rolling cycle: running=%v delta=%d, expected running with zero delta", u.Running, u.Delta)
	}
	if u.Tick != 10 {
		t.Errorf("tick = %d, expected 10", u.Tick)
	}
	// from then on deltas flow
	u, err = s.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !u.Running || u.Delta != 10 || u.Tick != 20 {
		t.Errorf("second rolling cycle: running=%v delta=%d tick=%d, expected running, delta 10, tick 20",
			u.Running, u.Delta, u.Tick)
	}
}

func TestSyncStoppedDoesNotAdvance(t *testing.T) {
	client := &fakeClient{positions: []tactus.TransportPos{pos(tactus.TransportStopped, 1250)}}
	s, err := NewSync(client, 192, false, nil)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}
	u, err := s.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if u.Running || u.Delta != 0 {
		t.Errorf("stopped transport advanced: running=%v delta=%d", u.Running, u.Delta)
	}
	if u.Tick != 10 {
		t.Errorf("tick = %d, expected the stopped position 10", u.Tick)
	}
	if s.Running() {
		t.Error("Running() true for a stopped transport")
	}
}

func TestSyncMasterPublishesPosition(t *testing.T) {
	client := &fakeClient{positions: []tactus.TransportPos{pos(tactus.TransportRolling, 0)}}
	s, err := NewSync(client, 192, true, func() tactus.Pulse { return 384 })
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}
	if client.queryFn == nil {
		t.Fatal("master sync did not register a position query")
	}
	if _, err := s.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// 384 pulses at 125 frames per pulse
	if got := client.queryFn(0); got != 48000 {
		t.Errorf("published frame = %d, expected 48000", got)
	}
	if !s.Master() {
		t.Error("Master() false for a master sync")
	}
}

func TestSyncQueryFailure(t *testing.T) {
	client := &fakeClient{positions: []tactus.TransportPos{pos(tactus.TransportStopped, 0)}, failQuery: true}
	if _, err := NewSync(client, 192, false, nil); err == nil {
		t.Fatal("expected NewSync to fail when the position query fails")
	}
	client.failQuery = false
	s, err := NewSync(client, 192, false, nil)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}
	client.failQuery = true
	if _, err := s.Reconcile(); err == nil {
		t.Fatal("expected Reconcile to fail when the position query fails")
	}
}

func TestSyncReposition(t *testing.T) {
	client := &fakeClient{positions: []tactus.TransportPos{pos(tactus.TransportStopped, 0)}}
	s, err := NewSync(client, 192, false, nil)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}
	if err := s.Reposition(384); err != nil {
		t.Fatalf("Reposition: %v", err)
	}
	if len(client.repositioned) != 1 || client.repositioned[0] != 48000 {
		t.Errorf("repositioned to %v, expected [48000]", client.repositioned)
	}
}

func TestSyncToggleFreeRuns(t *testing.T) {
	client := &fakeClient{positions: []tactus.TransportPos{pos(tactus.TransportStopped, 1250)}}
	s, err := NewSync(client, 192, false, nil)
	if err != nil {
		t.Fatalf("NewSync: %v", err)
	}
	if s.ToggleSync() {
		t.Fatal("toggle off reported sync still engaged")
	}
	// the external transport must not be consulted while disengaged
	client.failQuery = true
	u, err := s.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile while disengaged: %v", err)
	}
	if u.Running || u.Tick != 10 {
		t.Fatalf("disengaged update = %+v, expected stopped at tick 10", u)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start while disengaged: %v", err)
	}
	if client.started {
		t.Error("start reached the external transport while disengaged")
	}
	if !s.Running() {
		t.Error("free-running clock not running after Start")
	}
	client.failQuery = false
	if !s.ToggleSync() {
		t.Fatal("toggle on reported sync still disengaged")
	}
	u, err = s.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile after re-engage: %v", err)
	}
	if u.Running || u.Tick != 10 {
		t.Fatalf("re-engaged update = %+v, expected stopped at tick 10", u)
	}
}

func TestNullAdvancesOnlyWhenRunning(t *testing.T) {
	n := NewNull(192, 120)
	clock := time.Unix(0, 0)
	n.now = func() time.Time { return clock }

	u, err := n.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if u.Running || u.Tick != 0 {
		t.Fatalf("stopped null transporter advanced: %+v", u)
	}

	n.Start()
	clock = clock.Add(time.Second) // one second at 120 BPM is 384 pulses
	u, _ = n.Reconcile()
	if !u.Running || u.Tick != 384 || u.Delta != 384 {
		t.Errorf("after one second: %+v, expected tick 384, delta 384", u)
	}

	n.Stop()
	clock = clock.Add(time.Second)
	u, _ = n.Reconcile()
	if u.Running || u.Tick != 384 {
		t.Errorf("after stopping: %+v, expected position frozen at 384", u)
	}

	n.Reposition(0)
	if tickAfter, _ := n.Reconcile(); tickAfter.Tick != 0 {
		t.Errorf("after repositioning: tick = %d, expected 0", tickAfter.Tick)
	}
}

func TestNullSetBPMKeepsPosition(t *testing.T) {
	n := NewNull(192, 120)
	clock := time.Unix(0, 0)
	n.now = func() time.Time { return clock }
	n.Start()
	clock = clock.Add(time.Second)
	n.SetBPM(60)
	clock = clock.Add(time.Second) // one second at 60 BPM is 192 pulses
	u, _ := n.Reconcile()
	if u.Tick != 384+192 {
		t.Errorf("tick = %d, expected 576", u.Tick)
	}
}
