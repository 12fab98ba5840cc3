// Package engine coordinates the playback of a multi-track arrangement. The
// Engine owns an arena of track slots, a run state machine (stopped, running,
// paused, in live or song mode) and two processing loops: the output loop
// advances the pulse clock and drives every track's trigger timeline, the
// input loop turns controller events into engine commands or recorded notes.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tactus/tactus"
	"github.com/tactus/tactus/transport"
)

type (
	// Engine is the playback coordinator, run by its output loop goroutine.
	// All mutating methods take the engine lock and may be called from any
	// goroutine; control surfaces should prefer Do, which funnels commands
	// to the output loop so they apply between cycles.
	Engine struct {
		broker   *Broker
		trans    transport.Transporter
		source   EventSource
		recorder tactus.Recorder
		controls Controls

		mu          sync.Mutex
		state       RunState
		songMode    bool
		ppqn        int
		bpm         float64
		beatsPerBar int
		beatWidth   int
		leftTick    tactus.Pulse
		rightTick   tactus.Pulse
		looping     bool
		startTick   tactus.Pulse
		nextTick    tactus.Pulse
		slots       [MaxTracks]slot
		screenSet   int
		status      ControlStatus
		groups      [MaxGroups][TracksPerSet]bool
		groupSet    [MaxGroups]bool
		learning    bool
		recording   bool
		launched    bool

		// tick is the last processed pulse, read lock-free by displays and
		// by the transport's position query thread.
		tick atomic.Int64

		spans []span // scratch for the resolve phase, reused across cycles
	}

	// slot is one entry in the track arena.
	slot struct {
		seq         tactus.Sequence
		triggers    *tactus.Triggers
		name        string
		active      bool
		queued      bool
		queuedTick  tactus.Pulse
		oneShot     bool
		oneShotTick tactus.Pulse
		snapshot    bool
	}

	// span is one track's render range for the current cycle, resolved
	// before any track renders so all tracks see the same window.
	span struct {
		seq        tactus.Sequence
		start, end tactus.Pulse
		stop       bool
	}

	// RunState is the engine's playback state.
	RunState int

	// ControlStatus is a bitmask modifying how track toggles behave.
	ControlStatus int

	// SequenceFactory builds the playable sequence for a persisted track
	// when a song is applied.
	SequenceFactory func(tactus.TrackRecord) (tactus.Sequence, error)
)

const (
	Stopped RunState = iota
	Running
	Paused
)

func (s RunState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

const (
	// StatusReplace makes the next track toggle turn every other track off
	// first, then clears itself.
	StatusReplace ControlStatus = 1 << iota
	// StatusSnapshot saves the playing states when set and restores them
	// when unset.
	StatusSnapshot
	// StatusQueue defers track toggles to the next measure boundary.
	StatusQueue
	// StatusOneShot arms a track for a single loop at the next measure
	// boundary.
	StatusOneShot
)

const (
	MaxTracks    = 1024
	TracksPerSet = 32
	MaxSets      = MaxTracks / TracksPerSet
	MaxGroups    = 32
)

// maxCycleBeats bounds how many beats one cycle may process. A transport
// relocating far forward skips instead of fast-forwarding through every
// trigger in between.
const maxCycleBeats = 16

// finishTimeout bounds how long Finish waits for each loop to exit.
const finishTimeout = 3 * time.Second

// New returns a stopped engine in live mode with default timing, driven by
// the given transporter.
func New(broker *Broker, trans transport.Transporter) *Engine {
	e := &Engine{
		broker:      broker,
		trans:       trans,
		ppqn:        tactus.DefaultPPQN,
		bpm:         tactus.DefaultBPM,
		beatsPerBar: tactus.DefaultBeatsPerBar,
		beatWidth:   tactus.DefaultBeatWidth,
	}
	e.rightTick = 4 * e.measureLengthLocked()
	return e
}

// SetEventSource installs the controller event source read by the input
// loop. Must be called before Launch.
func (e *Engine) SetEventSource(source EventSource, controls Controls) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = source
	e.controls = controls
}

// SetRecorder installs the sink for recorded controller notes.
func (e *Engine) SetRecorder(recorder tactus.Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = recorder
}

func (e *Engine) measureLengthLocked() tactus.Pulse {
	return tactus.MeasureLength(e.ppqn, e.beatsPerBar, e.beatWidth)
}

// ApplySong installs a song into the track arena, building each track's
// sequence through the factory. The engine is stopped first; a song with
// more tracks than the arena holds is rejected.
func (e *Engine) ApplySong(song tactus.Song, factory SequenceFactory) error {
	if len(song.Tracks) > MaxTracks {
		return fmt.Errorf("song has %d tracks, the maximum is %d", len(song.Tracks), MaxTracks)
	}
	if err := song.Validate(); err != nil {
		return fmt.Errorf("applying song: %w", err)
	}
	e.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.slots {
		e.slots[i] = slot{}
	}
	for i, t := range song.Tracks {
		seq, err := factory(t)
		if err != nil {
			return fmt.Errorf("track %d (%s): %w", i, t.Name, err)
		}
		triggers := tactus.NewTriggers(song.PPQN, t.LoopLength)
		triggers.SetAll(t.Triggers)
		e.slots[i] = slot{seq: seq, triggers: triggers, name: t.Name, active: true}
	}
	e.bpm = song.BPM
	e.ppqn = song.PPQN
	e.beatsPerBar = song.BeatsPerBar
	e.beatWidth = song.BeatWidth
	e.leftTick = song.LeftTick
	e.rightTick = song.RightTick
	for g := range e.groupSet {
		e.groupSet[g] = false
	}
	for g, states := range song.MuteGroups {
		if g >= MaxGroups {
			break
		}
		for j, on := range states {
			if j >= TracksPerSet {
				break
			}
			e.groups[g][j] = on
		}
		e.groupSet[g] = true
	}
	e.trans.SetBPM(e.bpm)
	return nil
}

// ExportSong captures the arena back into a persistable song.
func (e *Engine) ExportSong() tactus.Song {
	e.mu.Lock()
	defer e.mu.Unlock()
	song := tactus.Song{
		BPM:         e.bpm,
		PPQN:        e.ppqn,
		BeatsPerBar: e.beatsPerBar,
		BeatWidth:   e.beatWidth,
		LeftTick:    e.leftTick,
		RightTick:   e.rightTick,
	}
	for i := range e.slots {
		s := &e.slots[i]
		if s.seq == nil {
			continue
		}
		song.Tracks = append(song.Tracks, tactus.TrackRecord{
			Name:       s.name,
			LoopLength: s.triggers.LoopLength(),
			Triggers:   s.triggers.All(),
		})
	}
	for g := range e.groups {
		if !e.groupSet[g] {
			continue
		}
		for len(song.MuteGroups) <= g {
			song.MuteGroups = append(song.MuteGroups, make([]bool, TracksPerSet))
		}
		copy(song.MuteGroups[g], e.groups[g][:])
	}
	return song
}

// Track returns the trigger timeline of track i, or nil when the slot is
// empty.
func (e *Engine) Track(i int) *tactus.Triggers {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= MaxTracks {
		return nil
	}
	return e.slots[i].triggers
}

// InstallTrack puts a sequence into slot i with an empty timeline; used by
// hosts that build tracks directly instead of loading a song.
func (e *Engine) InstallTrack(i int, name string, seq tactus.Sequence, loopLength tactus.Pulse) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= MaxTracks {
		return fmt.Errorf("track index %d out of range", i)
	}
	e.slots[i] = slot{
		seq:      seq,
		triggers: tactus.NewTriggers(e.ppqn, loopLength),
		name:     name,
		active:   true,
	}
	return nil
}

// Start begins or resumes playback. From stopped, song mode starts at the
// playback position and live mode at zero; from paused, playback resumes
// where it left off.
func (e *Engine) Start() {
	e.mu.Lock()
	switch e.state {
	case Running:
		e.mu.Unlock()
		return
	case Paused:
		e.state = Running
	case Stopped:
		start := tactus.Pulse(0)
		if e.songMode {
			start = e.startTick
		}
		e.nextTick = start
		e.tick.Store(int64(start))
		if err := e.trans.Reposition(start); err != nil {
			e.alert(fmt.Sprintf("transport reposition: %v", err))
		}
		e.state = Running
	}
	e.mu.Unlock()
	if err := e.trans.Start(); err != nil {
		e.alert(fmt.Sprintf("transport start: %v", err))
	}
	e.wake()
	e.notify()
}

// Stop halts playback, turns every track off and returns the position to
// the playback start.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.state = Stopped
	e.offAllLocked()
	start := tactus.Pulse(0)
	if e.songMode {
		start = e.startTick
	}
	e.nextTick = start
	e.tick.Store(int64(start))
	e.mu.Unlock()
	if err := e.trans.Stop(); err != nil {
		e.alert(fmt.Sprintf("transport stop: %v", err))
	}
	if err := e.trans.Reposition(start); err != nil {
		e.alert(fmt.Sprintf("transport reposition: %v", err))
	}
	e.wake()
	e.notify()
}

// Pause halts playback keeping the position, so Start resumes where the
// playback stopped. Pausing is refused while the engine is the transport
// master; stalling the shared transport would stall every follower.
func (e *Engine) Pause() {
	if e.trans.Master() {
		return
	}
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return
	}
	e.state = Paused
	e.mu.Unlock()
	if err := e.trans.Stop(); err != nil {
		e.alert(fmt.Sprintf("transport stop: %v", err))
	}
	e.notify()
}

func (e *Engine) offAllLocked() {
	for i := range e.slots {
		s := &e.slots[i]
		if s.seq == nil {
			continue
		}
		if s.seq.IsPlaying() {
			s.seq.SetPlaying(false)
		}
		s.queued = false
		s.oneShot = false
	}
}

// OffSequences turns every track off and cancels pending queued and
// one-shot toggles.
func (e *Engine) OffSequences() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offAllLocked()
}

// MuteAllTracks turns every track off when mute is true, or back on when
// false.
func (e *Engine) MuteAllTracks(mute bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mute {
		e.offAllLocked()
		return
	}
	for i := range e.slots {
		s := &e.slots[i]
		if s.seq != nil && !s.seq.IsPlaying() {
			s.seq.SetPlaying(true)
		}
	}
}

// ToggleSyncMode engages or disengages external transport sync. While
// disengaged the transporter free-runs from its last synced position. It
// reports whether sync is engaged after the toggle.
func (e *Engine) ToggleSyncMode() bool {
	return e.trans.ToggleSync()
}

// RunState returns the engine's current playback state.
func (e *Engine) RunState() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SongMode reports whether playback follows the trigger timelines (song
// mode) or the manually toggled track states (live mode).
func (e *Engine) SongMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.songMode
}

// SetSongMode switches between song and live playback.
func (e *Engine) SetSongMode(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.songMode = on
}

// Tick returns the last processed pulse. Safe for concurrent use without
// the engine lock.
func (e *Engine) Tick() tactus.Pulse {
	return tactus.Pulse(e.tick.Load())
}

// SetPosition moves the playback start position and, when stopped, the
// current position with it.
func (e *Engine) SetPosition(tick tactus.Pulse) {
	if tick < 0 {
		tick = 0
	}
	e.mu.Lock()
	e.startTick = tick
	reposition := e.state != Running
	if reposition {
		e.nextTick = tick
		e.tick.Store(int64(tick))
	}
	e.mu.Unlock()
	if reposition {
		if err := e.trans.Reposition(tick); err != nil {
			e.alert(fmt.Sprintf("transport reposition: %v", err))
		}
	}
}

// SetLeftTick moves the left loop marker, pulling the right marker along if
// it would end up before the left one. The playback start follows the left
// marker.
func (e *Engine) SetLeftTick(tick tactus.Pulse) {
	if tick < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leftTick = tick
	e.startTick = tick
	if e.rightTick < e.leftTick {
		e.rightTick = e.leftTick + e.measureLengthLocked()
	}
}

// SetRightTick moves the right loop marker; a position at or before the
// left marker is refused.
func (e *Engine) SetRightTick(tick tactus.Pulse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tick <= e.leftTick {
		return
	}
	e.rightTick = tick
}

// LoopMarkers returns the left and right loop marker positions.
func (e *Engine) LoopMarkers() (left, right tactus.Pulse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leftTick, e.rightTick
}

// SetLooping enables wrapping from the right marker back to the left one in
// song mode.
func (e *Engine) SetLooping(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.looping = on
}

// SetBPM changes the tempo; non-positive values are refused.
func (e *Engine) SetBPM(bpm float64) {
	if bpm <= 0 {
		return
	}
	e.mu.Lock()
	e.bpm = bpm
	e.mu.Unlock()
	e.trans.SetBPM(bpm)
}

// BPM returns the current tempo.
func (e *Engine) BPM() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bpm
}

// ToggleTrack toggles track i on or off, honoring the control status:
// queued toggles wait for the next measure boundary, one-shots arm the
// track for a single loop, and replace turns every other track off first.
// Out-of-range and empty slots are silent no-ops.
func (e *Engine) ToggleTrack(i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toggleLocked(i)
}

func (e *Engine) toggleLocked(i int) {
	if i < 0 || i >= MaxTracks {
		return
	}
	s := &e.slots[i]
	if s.seq == nil || !s.active {
		return
	}
	if e.status&StatusQueue != 0 || s.queued {
		s.queued = !s.queued
		s.queuedTick = e.nextBoundaryLocked()
		return
	}
	if e.status&StatusOneShot != 0 && !s.seq.IsPlaying() {
		s.oneShot = true
		s.oneShotTick = e.nextBoundaryLocked()
		return
	}
	if e.status&StatusReplace != 0 {
		e.status &^= StatusReplace
		// replace only silences the toggled track's own screen-set
		base := i / TracksPerSet * TracksPerSet
		for j := base; j < base+TracksPerSet; j++ {
			if j != i && e.slots[j].seq != nil && e.slots[j].seq.IsPlaying() {
				e.slots[j].seq.SetPlaying(false)
			}
		}
	}
	s.seq.SetPlaying(!s.seq.IsPlaying())
}

// nextBoundaryLocked returns the first measure boundary after the current
// position.
func (e *Engine) nextBoundaryLocked() tactus.Pulse {
	measure := e.measureLengthLocked()
	tick := tactus.Pulse(e.tick.Load())
	return tick - tick%measure + measure
}

// TrackOn reports whether track i is currently sounding.
func (e *Engine) TrackOn(i int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= MaxTracks || e.slots[i].seq == nil {
		return false
	}
	return e.slots[i].seq.IsPlaying()
}

// SetControlStatus sets status bits. Setting the snapshot bit saves the
// current playing states.
func (e *Engine) SetControlStatus(status ControlStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if status&StatusSnapshot != 0 && e.status&StatusSnapshot == 0 {
		e.savePlayingLocked()
	}
	e.status |= status
}

// UnsetControlStatus clears status bits. Clearing the snapshot bit restores
// the playing states saved when it was set.
func (e *Engine) UnsetControlStatus(status ControlStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if status&StatusSnapshot != 0 && e.status&StatusSnapshot != 0 {
		e.restorePlayingLocked()
	}
	e.status &^= status
}

func (e *Engine) savePlayingLocked() {
	for i := range e.slots {
		s := &e.slots[i]
		s.snapshot = s.seq != nil && s.seq.IsPlaying()
	}
}

func (e *Engine) restorePlayingLocked() {
	for i := range e.slots {
		s := &e.slots[i]
		if s.seq != nil && s.seq.IsPlaying() != s.snapshot {
			s.seq.SetPlaying(s.snapshot)
		}
	}
}

// SavePlayingState remembers the current on/off state of every track.
func (e *Engine) SavePlayingState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.savePlayingLocked()
}

// RestorePlayingState returns every track to the state remembered by the
// last SavePlayingState.
func (e *Engine) RestorePlayingState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restorePlayingLocked()
}

// ControlStatus returns the current status bits.
func (e *Engine) ControlStatus() ControlStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetScreenSet selects the visible screen-set, wrapping around the arena.
func (e *Engine) SetScreenSet(i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i %= MaxSets
	if i < 0 {
		i += MaxSets
	}
	e.screenSet = i
}

// ScreenSet returns the selected screen-set.
func (e *Engine) ScreenSet() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.screenSet
}

// ScreenSetOffset returns the arena index of the selected screen-set's
// first track.
func (e *Engine) ScreenSetOffset() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.screenSet * TracksPerSet
}

// ToggleGroupLearn toggles mute group learn mode: while learning, the next
// SelectGroup stores the screen-set's playing states instead of applying a
// group.
func (e *Engine) ToggleGroupLearn() {
	e.mu.Lock()
	e.learning = !e.learning
	e.mu.Unlock()
	e.notify()
}

// GroupLearning reports whether learn mode is active.
func (e *Engine) GroupLearning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.learning
}

// SelectGroup applies mute group g to the selected screen-set, or, in learn
// mode, stores the screen-set's current playing states as group g and
// leaves learn mode. Unknown groups and out-of-range indices are silent
// no-ops.
func (e *Engine) SelectGroup(g int) {
	e.mu.Lock()
	if g < 0 || g >= MaxGroups {
		e.mu.Unlock()
		return
	}
	offset := e.screenSet * TracksPerSet
	if e.learning {
		for j := 0; j < TracksPerSet; j++ {
			s := &e.slots[offset+j]
			e.groups[g][j] = s.seq != nil && s.seq.IsPlaying()
		}
		e.groupSet[g] = true
		e.learning = false
		e.mu.Unlock()
		e.notify()
		return
	}
	if !e.groupSet[g] {
		e.mu.Unlock()
		return
	}
	for j := 0; j < TracksPerSet; j++ {
		s := &e.slots[offset+j]
		if s.seq == nil {
			continue
		}
		if s.seq.IsPlaying() != e.groups[g][j] {
			s.seq.SetPlaying(e.groups[g][j])
		}
	}
	e.mu.Unlock()
}

// SetRecording arms or disarms note recording on the input loop.
func (e *Engine) SetRecording(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recording = on
}

// Launch starts the processing loops. It returns an error when the engine
// is already launched.
func (e *Engine) Launch() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.launched {
		return errors.New("engine already launched")
	}
	e.launched = true
	go e.outputLoop()
	if e.source != nil {
		go e.inputLoop()
	} else {
		close(e.broker.FinishedInput)
	}
	return nil
}

// Finish stops playback, asks both loops to close and waits for them,
// returning an error if either fails to finish in time.
func (e *Engine) Finish() error {
	e.Stop()
	TrySend(e.broker.CloseOutput, struct{}{})
	TrySend(e.broker.CloseInput, struct{}{})
	e.wake()
	var errs []error
	select {
	case <-e.broker.FinishedOutput:
	case <-time.After(finishTimeout):
		errs = append(errs, errors.New("output loop did not finish"))
	}
	select {
	case <-e.broker.FinishedInput:
	case <-time.After(finishTimeout):
		errs = append(errs, errors.New("input loop did not finish"))
	}
	if err := e.trans.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing transport: %w", err))
	}
	return errors.Join(errs...)
}

func (e *Engine) wake() {
	TrySend(e.broker.wakeOutput, struct{}{})
}

// notify sends the position and run state to the UI, never blocking.
func (e *Engine) notify() {
	e.mu.Lock()
	running := e.state == Running
	e.mu.Unlock()
	TrySend(e.broker.ToUI, MsgToUI{Tick: e.tick.Load(), Running: running})
}

func (e *Engine) alert(message string) {
	TrySend(e.broker.ToUI, MsgToUI{Tick: e.tick.Load(), HasAlert: true, Alert: message})
}
