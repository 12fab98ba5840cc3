package engine

import (
	"reflect"
	"testing"
	"time"

	"github.com/tactus/tactus"
	"github.com/tactus/tactus/transport"
)

type fakeSequence struct {
	playing    bool
	lastPlayed tactus.Pulse
	offset     tactus.Pulse
	loopLength tactus.Pulse
	rendered   [][2]tactus.Pulse
}

func (f *fakeSequence) IsPlaying() bool          { return f.playing }
func (f *fakeSequence) SetPlaying(playing bool)  { f.playing = playing }
func (f *fakeSequence) LoopLength() tactus.Pulse { return f.loopLength }
func (f *fakeSequence) LastPlayedTick() tactus.Pulse {
	return f.lastPlayed
}
func (f *fakeSequence) SetTriggerOffset(offset tactus.Pulse) { f.offset = offset }
func (f *fakeSequence) Render(start, end tactus.Pulse) {
	f.rendered = append(f.rendered, [2]tactus.Pulse{start, end})
	f.lastPlayed = end
}

// fakeTransport is an inert transporter: CycleWait barely sleeps and
// Reconcile reports an idle clock, so tests drive cycles through advance
// directly.
type fakeTransport struct {
	running      bool
	master       bool
	bpm          float64
	repositioned []tactus.Pulse
}

func (f *fakeTransport) Reconcile() (transport.Update, error) {
	return transport.Update{}, nil
}
func (f *fakeTransport) Start() error { f.running = true; return nil }
func (f *fakeTransport) Stop() error  { f.running = false; return nil }
func (f *fakeTransport) Reposition(tick tactus.Pulse) error {
	f.repositioned = append(f.repositioned, tick)
	return nil
}
func (f *fakeTransport) SetBPM(bpm float64) { f.bpm = bpm }
func (f *fakeTransport) Running() bool      { return f.running }
func (f *fakeTransport) Master() bool       { return f.master }
func (f *fakeTransport) ToggleSync() bool   { return false }
func (f *fakeTransport) CycleWait()         { time.Sleep(time.Millisecond) }
func (f *fakeTransport) Close() error       { return nil }

func newTestEngine(t *testing.T, numTracks int) (*Engine, *fakeTransport, []*fakeSequence) {
	t.Helper()
	trans := &fakeTransport{}
	e := New(NewBroker(), trans)
	seqs := make([]*fakeSequence, numTracks)
	for i := range seqs {
		seqs[i] = &fakeSequence{loopLength: 192, lastPlayed: tactus.NoPulse}
		if err := e.InstallTrack(i, "track", seqs[i], 192); err != nil {
			t.Fatalf("InstallTrack: %v", err)
		}
	}
	return e, trans, seqs
}

func running(u transport.Update) transport.Update {
	u.Running = true
	u.State = tactus.TransportRolling
	return u
}

func TestRunStateMachine(t *testing.T) {
	e, trans, _ := newTestEngine(t, 1)
	if got := e.RunState(); got != Stopped {
		t.Fatalf("initial state %v, expected stopped", got)
	}
	e.Start()
	if got := e.RunState(); got != Running {
		t.Fatalf("after Start: %v, expected running", got)
	}
	if !trans.running {
		t.Error("Start did not start the transport")
	}
	e.Pause()
	if got := e.RunState(); got != Paused {
		t.Fatalf("after Pause: %v, expected paused", got)
	}
	e.Start()
	if got := e.RunState(); got != Running {
		t.Fatalf("after resuming: %v, expected running", got)
	}
	e.Stop()
	if got := e.RunState(); got != Stopped {
		t.Fatalf("after Stop: %v, expected stopped", got)
	}
}

func TestPauseRefusedWhileMaster(t *testing.T) {
	e, trans, _ := newTestEngine(t, 1)
	trans.master = true
	e.Start()
	e.Pause()
	if got := e.RunState(); got != Running {
		t.Errorf("pause while transport master changed state to %v", got)
	}
}

func TestStopTurnsTracksOff(t *testing.T) {
	e, _, seqs := newTestEngine(t, 2)
	e.Start()
	e.ToggleTrack(0)
	e.ToggleTrack(1)
	e.Stop()
	for i, s := range seqs {
		if s.playing {
			t.Errorf("track %d still playing after Stop", i)
		}
	}
}

func TestAdvanceWrapsAtLoopMarkers(t *testing.T) {
	e, trans, seqs := newTestEngine(t, 1)
	e.Track(0).Add(0, 500, 0, true)
	e.SetSongMode(true)
	e.SetLooping(true)
	e.SetLeftTick(0)
	e.SetRightTick(400)
	e.Start()
	e.advance(running(transport.Update{Tick: 401}))
	if got := e.Tick(); got != 1 {
		t.Fatalf("tick after wrapping = %d, expected 1", got)
	}
	// the transport is pulled back to the wrapped position
	last := trans.repositioned[len(trans.repositioned)-1]
	if last != 1 {
		t.Errorf("transport repositioned to %d, expected 1", last)
	}
	// two continuous segments, none crossing the marker
	want := [][2]tactus.Pulse{{0, 399}, {0, 1}}
	if !reflect.DeepEqual(seqs[0].rendered, want) {
		t.Errorf("rendered %v, expected %v", seqs[0].rendered, want)
	}
}

func TestAdvanceZeroProgressRendersNothing(t *testing.T) {
	e, _, seqs := newTestEngine(t, 1)
	e.ToggleTrack(0)
	e.Start()
	e.advance(running(transport.Update{Tick: 10, Delta: 10}))
	// a stalled transport reports the same tick again; the pulse must not
	// be rendered a second time
	e.advance(running(transport.Update{Tick: 10}))
	e.advance(running(transport.Update{Tick: 12, Delta: 2}))
	want := [][2]tactus.Pulse{{0, 10}, {11, 12}}
	if !reflect.DeepEqual(seqs[0].rendered, want) {
		t.Errorf("rendered ranges %v, expected %v", seqs[0].rendered, want)
	}
}

func TestAdvanceBoundFollowsResolution(t *testing.T) {
	e, _, seqs := newTestEngine(t, 1)
	e.ppqn = 96
	e.ToggleTrack(0)
	e.Start()
	e.advance(running(transport.Update{Tick: 100000, Delta: 100000}))
	want := [2]tactus.Pulse{100000 - 16*96, 100000}
	if got := seqs[0].rendered[0]; got != want {
		t.Errorf("rendered %v, expected the window clamped to %v", got, want)
	}
}

func TestAdvanceFollowsTriggers(t *testing.T) {
	e, _, seqs := newTestEngine(t, 1)
	e.Track(0).Add(100, 100, 0, true)
	e.SetSongMode(true)
	e.Start()
	e.advance(running(transport.Update{Tick: 50}))
	if seqs[0].playing {
		t.Fatal("track turned on before its trigger")
	}
	e.advance(running(transport.Update{Tick: 150}))
	if !seqs[0].playing {
		t.Fatal("track did not turn on inside its trigger")
	}
	e.advance(running(transport.Update{Tick: 250}))
	if seqs[0].playing {
		t.Fatal("track did not turn off after its trigger")
	}
	// the stop cycle rendered up to the trigger end, not beyond
	last := seqs[0].rendered[len(seqs[0].rendered)-1]
	if last[1] != 199 {
		t.Errorf("final render ended at %d, expected the trigger end 199", last[1])
	}
}

func TestAdvanceIgnoredWhenStopped(t *testing.T) {
	e, _, seqs := newTestEngine(t, 1)
	e.Track(0).Add(0, 100, 0, true)
	e.SetSongMode(true)
	e.advance(running(transport.Update{Tick: 50}))
	if len(seqs[0].rendered) != 0 {
		t.Error("a stopped engine rendered")
	}
}

func TestToggleTrack(t *testing.T) {
	e, _, seqs := newTestEngine(t, 2)
	e.ToggleTrack(0)
	if !seqs[0].playing {
		t.Fatal("toggle did not turn the track on")
	}
	e.ToggleTrack(0)
	if seqs[0].playing {
		t.Fatal("toggle did not turn the track off")
	}
	// out of range and empty slots are silent no-ops
	e.ToggleTrack(-1)
	e.ToggleTrack(MaxTracks)
	e.ToggleTrack(500)
}

func TestToggleCommandUsesScreenSet(t *testing.T) {
	e, _, seqs := newTestEngine(t, 2*TracksPerSet)
	e.SetScreenSet(1)
	e.apply(Command{Kind: CmdToggleTrack, Index: 1})
	if seqs[1].playing {
		t.Error("toggle command hit the first screen-set while set 1 is selected")
	}
	if !seqs[TracksPerSet+1].playing {
		t.Error("toggle command missed the selected screen-set")
	}
	// indices outside the screen-set must not reach other sets
	e.apply(Command{Kind: CmdToggleTrack, Index: TracksPerSet})
	e.apply(Command{Kind: CmdToggleTrack, Index: -1})
	for i, s := range seqs {
		if s.playing != (i == TracksPerSet+1) {
			t.Errorf("out-of-range toggle command changed track %d", i)
		}
	}
}

func TestReplaceStatus(t *testing.T) {
	e, _, seqs := newTestEngine(t, 3)
	e.ToggleTrack(0)
	e.ToggleTrack(1)
	e.SetControlStatus(StatusReplace)
	e.ToggleTrack(2)
	if seqs[0].playing || seqs[1].playing {
		t.Error("replace toggle left other tracks playing")
	}
	if !seqs[2].playing {
		t.Error("replace toggle did not turn the track on")
	}
	if e.ControlStatus()&StatusReplace != 0 {
		t.Error("replace status did not clear itself")
	}
}

func TestReplaceStatusScopedToScreenSet(t *testing.T) {
	e, _, seqs := newTestEngine(t, 2*TracksPerSet)
	e.ToggleTrack(0)
	e.ToggleTrack(TracksPerSet)
	e.SetControlStatus(StatusReplace)
	e.ToggleTrack(TracksPerSet + 1)
	if seqs[TracksPerSet].playing {
		t.Error("replace toggle left a track in its own screen-set playing")
	}
	if !seqs[0].playing {
		t.Error("replace toggle turned off a track in another screen-set")
	}
	if !seqs[TracksPerSet+1].playing {
		t.Error("replace toggle did not turn the track on")
	}
}

func TestQueuedToggleFiresAtBoundary(t *testing.T) {
	e, _, seqs := newTestEngine(t, 1)
	e.Start()
	e.SetControlStatus(StatusQueue)
	e.ToggleTrack(0)
	if seqs[0].playing {
		t.Fatal("queued toggle fired immediately")
	}
	// measure length at the defaults is 768; the boundary is not reached at
	// 700 but is at 768
	e.advance(running(transport.Update{Tick: 700}))
	if seqs[0].playing {
		t.Fatal("queued toggle fired before the measure boundary")
	}
	e.advance(running(transport.Update{Tick: 768}))
	if !seqs[0].playing {
		t.Fatal("queued toggle did not fire at the measure boundary")
	}
}

func TestQueuedToggleCancels(t *testing.T) {
	e, _, seqs := newTestEngine(t, 1)
	e.Start()
	e.SetControlStatus(StatusQueue)
	e.ToggleTrack(0)
	e.ToggleTrack(0) // toggling again while queued cancels
	e.advance(running(transport.Update{Tick: 768}))
	if seqs[0].playing {
		t.Error("cancelled queued toggle still fired")
	}
}

func TestOneShot(t *testing.T) {
	e, _, seqs := newTestEngine(t, 1)
	e.Start()
	e.SetControlStatus(StatusOneShot)
	e.ToggleTrack(0)
	if seqs[0].playing {
		t.Fatal("one-shot fired immediately")
	}
	e.advance(running(transport.Update{Tick: 768}))
	if !seqs[0].playing {
		t.Fatal("one-shot did not fire at the measure boundary")
	}
	// one loop later (loop length 192) it queues itself off
	e.advance(running(transport.Update{Tick: 768 + 192}))
	if seqs[0].playing {
		t.Fatal("one-shot did not turn off after one loop")
	}
}

func TestSnapshotRestore(t *testing.T) {
	e, _, seqs := newTestEngine(t, 3)
	e.ToggleTrack(0)
	e.ToggleTrack(2)
	e.SetControlStatus(StatusSnapshot)
	e.ToggleTrack(0)
	e.ToggleTrack(1)
	e.UnsetControlStatus(StatusSnapshot)
	want := []bool{true, false, true}
	for i, s := range seqs {
		if s.playing != want[i] {
			t.Errorf("track %d playing = %v after restore, expected %v", i, s.playing, want[i])
		}
	}
}

func TestSavePlayingStateRestore(t *testing.T) {
	e, _, seqs := newTestEngine(t, 3)
	e.ToggleTrack(1)
	e.SavePlayingState()
	e.ToggleTrack(0)
	e.ToggleTrack(1)
	e.RestorePlayingState()
	want := []bool{false, true, false}
	for i, s := range seqs {
		if s.playing != want[i] {
			t.Errorf("track %d playing = %v after restore, expected %v", i, s.playing, want[i])
		}
	}
}

func TestMuteAllTracks(t *testing.T) {
	e, _, seqs := newTestEngine(t, 3)
	e.ToggleTrack(0)
	e.MuteAllTracks(true)
	for i, s := range seqs {
		if s.playing {
			t.Errorf("track %d still playing after mute", i)
		}
	}
	e.MuteAllTracks(false)
	for i, s := range seqs {
		if !s.playing {
			t.Errorf("track %d not playing after unmute", i)
		}
	}
}

func TestOffSequencesCancelsPending(t *testing.T) {
	e, _, seqs := newTestEngine(t, 2)
	e.ToggleTrack(0)
	e.SetControlStatus(StatusQueue)
	e.ToggleTrack(1)
	e.UnsetControlStatus(StatusQueue)
	e.OffSequences()
	if seqs[0].playing {
		t.Error("track 0 still playing")
	}
	// the queued toggle must not fire at the next boundary
	e.Start()
	e.advance(running(transport.Update{Tick: 768, Delta: 768}))
	if seqs[1].playing {
		t.Error("cancelled queued toggle fired")
	}
}

func TestMuteGroupLearnAndApply(t *testing.T) {
	e, _, seqs := newTestEngine(t, 4)
	e.ToggleTrack(0)
	e.ToggleTrack(2)
	e.ToggleGroupLearn()
	if !e.GroupLearning() {
		t.Fatal("learn mode did not arm")
	}
	e.SelectGroup(5)
	if e.GroupLearning() {
		t.Fatal("learn mode did not disarm after storing")
	}
	e.ToggleTrack(0)
	e.ToggleTrack(1)
	e.SelectGroup(5)
	want := []bool{true, false, true, false}
	for i, s := range seqs {
		if s.playing != want[i] {
			t.Errorf("track %d playing = %v after group, expected %v", i, s.playing, want[i])
		}
	}
	// unknown groups and out-of-range indices are silent no-ops
	e.SelectGroup(6)
	e.SelectGroup(-1)
	e.SelectGroup(MaxGroups)
	for i, s := range seqs {
		if s.playing != want[i] {
			t.Errorf("track %d playing = %v after no-op groups, expected %v", i, s.playing, want[i])
		}
	}
}

func TestScreenSetWraps(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)
	e.SetScreenSet(MaxSets + 3)
	if got := e.ScreenSet(); got != 3 {
		t.Errorf("screen-set = %d, expected 3", got)
	}
	e.SetScreenSet(-1)
	if got := e.ScreenSet(); got != MaxSets-1 {
		t.Errorf("screen-set = %d, expected %d", got, MaxSets-1)
	}
	if got := e.ScreenSetOffset(); got != (MaxSets-1)*TracksPerSet {
		t.Errorf("offset = %d, expected %d", got, (MaxSets-1)*TracksPerSet)
	}
}

func TestApplyAndExportSong(t *testing.T) {
	e, trans, _ := newTestEngine(t, 0)
	song := tactus.NewSong()
	song.BPM = 140
	song.RightTick = 768
	song.Tracks = []tactus.TrackRecord{
		{Name: "drums", LoopLength: 192, Triggers: []tactus.Trigger{{Start: 0, End: 191}}},
		{Name: "bass", LoopLength: 384, Triggers: []tactus.Trigger{{Start: 192, End: 575, Offset: 10}}},
	}
	group := make([]bool, TracksPerSet)
	group[0] = true
	song.MuteGroups = [][]bool{group}
	err := e.ApplySong(song, func(t tactus.TrackRecord) (tactus.Sequence, error) {
		return &fakeSequence{loopLength: t.LoopLength}, nil
	})
	if err != nil {
		t.Fatalf("ApplySong: %v", err)
	}
	if trans.bpm != 140 {
		t.Errorf("transport bpm = %v, expected 140", trans.bpm)
	}
	got := e.ExportSong()
	if !reflect.DeepEqual(got, song) {
		t.Errorf("exported song %+v, expected %+v", got, song)
	}
}

func TestApplySongRejectsInvalid(t *testing.T) {
	e, _, _ := newTestEngine(t, 0)
	song := tactus.NewSong()
	song.BPM = 0
	err := e.ApplySong(song, func(tactus.TrackRecord) (tactus.Sequence, error) {
		return &fakeSequence{}, nil
	})
	if err == nil {
		t.Fatal("expected ApplySong to reject an invalid song")
	}
}

func TestDoQueuesCommands(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)
	if !e.Do(Command{Kind: CmdStart}) {
		t.Fatal("Do dropped the command")
	}
	e.drainCommands()
	if got := e.RunState(); got != Running {
		t.Errorf("state after draining = %v, expected running", got)
	}
}

func TestLaunchAndFinish(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)
	if err := e.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := e.Launch(); err == nil {
		t.Fatal("expected a second Launch to fail")
	}
	e.Start()
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}
