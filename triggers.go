package tactus

import (
	"sort"
	"sync"
)

// Trigger is one interval on a track's song-arrangement timeline: the track
// sounds over the closed pulse range [Start, End]. Offset maps the timeline
// position onto the track's internal looped content, and is kept normalized
// into [0, loop length). Selected is transient editing state and is never
// persisted.
type Trigger struct {
	Start    Pulse `yaml:"start" json:"start"`
	End      Pulse `yaml:"end" json:"end"`
	Offset   Pulse `yaml:"offset" json:"offset"`
	Selected bool  `yaml:"-" json:"-"`
}

// Length returns the trigger's length in pulses, End - Start + 1.
func (t Trigger) Length() Pulse {
	return t.End - t.Start + 1
}

// SplitMode selects where Split divides a trigger: at the exact given pulse,
// or at the trigger's temporal midpoint.
type SplitMode int

const (
	SplitHalf SplitMode = iota
	SplitExact
)

// GrowMode selects which boundary MoveSelected moves.
type GrowMode int

const (
	GrowStart GrowMode = iota
	GrowEnd
	GrowMove
)

// maxTriggerUndo bounds the snapshot stacks; the oldest snapshot is dropped
// when the bound is exceeded.
const maxTriggerUndo = 256

// Triggers maintains the ordered, non-overlapping trigger intervals of one
// track, together with an undo/redo history, a clipboard and a selection.
// It is created with its owning track and mutated only through its own
// operations.
//
// Structural mutations and the playback scan can happen concurrently (the
// song editor edits while the output loop plays), so every operation takes
// the timeline lock. Play holds it only for the duration of its scan, never
// across the track's render call.
type Triggers struct {
	mu          sync.Mutex
	list        []Trigger
	undoStack   [][]Trigger
	redoStack   [][]Trigger
	clipboard   Trigger
	copied      bool
	pasteTick   Pulse
	numSelected int
	splitMode   SplitMode
	ppqn        Pulse
	length      Pulse
}

// NewTriggers returns an empty timeline for a track whose looped content is
// length pulses long.
func NewTriggers(ppqn int, length Pulse) *Triggers {
	return &Triggers{
		ppqn:      Pulse(ppqn),
		length:    length,
		pasteTick: NoPulse,
	}
}

// adjustOffset reduces offset into [0, length) using floored modulo. Content
// offsets represent positions, not signed residues, so the result is never
// negative. A zero length leaves the offset unchanged.
func (ts *Triggers) adjustOffset(offset Pulse) Pulse {
	if ts.length > 0 {
		offset %= ts.length
		if offset < 0 {
			offset += ts.length
		}
	}
	return offset
}

func (ts *Triggers) sortLocked() {
	sort.SliceStable(ts.list, func(i, j int) bool {
		return ts.list[i].Start < ts.list[j].Start
	})
}

func (ts *Triggers) eraseLocked(i int) {
	if ts.list[i].Selected && ts.numSelected > 0 {
		ts.numSelected--
	}
	ts.list = append(ts.list[:i], ts.list[i+1:]...)
}

// addLocked inserts [tick, tick+length-1], resolving overlaps: existing
// triggers fully inside the new one are deleted, a trigger overlapping the
// new end has its start pushed past it, and a trigger overlapping the new
// start has its end pulled back before it.
func (ts *Triggers) addLocked(tick, length, offset Pulse, fixOffset bool) {
	if fixOffset {
		offset = ts.adjustOffset(offset)
	}
	t := Trigger{Start: tick, End: tick + length - 1, Offset: offset}
	for i := 0; i < len(ts.list); i++ {
		start, end := ts.list[i].Start, ts.list[i].End
		switch {
		case start >= t.Start && end <= t.End:
			ts.eraseLocked(i)
			i--
		case end >= t.End && start <= t.End:
			ts.list[i].Start = t.End + 1
		case end >= t.Start && start <= t.Start:
			ts.list[i].End = t.Start - 1
		}
	}
	ts.list = append(ts.list, t)
	ts.sortLocked()
}

// Add inserts a new trigger [tick, tick+length-1] with the given content
// offset, resolving any overlaps with existing triggers. If fixOffset, the
// offset is normalized into [0, loop length) before being stored.
func (ts *Triggers) Add(tick, length, offset Pulse, fixOffset bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.addLocked(tick, length, offset, fixOffset)
}

// Remove deletes the first trigger bracketing tick. No-op if none brackets
// it.
func (ts *Triggers) Remove(tick Pulse) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, t := range ts.list {
		if t.Start <= tick && tick <= t.End {
			ts.eraseLocked(i)
			return
		}
	}
}

// RemoveSelected deletes the first selected trigger.
func (ts *Triggers) RemoveSelected() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, t := range ts.list {
		if t.Selected {
			ts.eraseLocked(i)
			return
		}
	}
}

// splitLocked divides ts.list[i] at splitTick: the original trigger ends one
// pulse before splitTick and a new trigger covers [splitTick, old end]. The
// new trigger inherits the original's offset, normalized, so the looped
// content reads continuously across the split. A split that would leave a
// degenerate remainder is dropped.
func (ts *Triggers) splitLocked(i int, splitTick Pulse) {
	oldEnd := ts.list[i].End
	offset := ts.list[i].Offset
	ts.list[i].End = splitTick - 1
	if length := oldEnd - splitTick; length > 1 {
		ts.addLocked(splitTick, length+1, offset, true)
	}
}

// Split divides the first trigger bracketing splitTick into two adjacent
// triggers, either exactly at splitTick or at the trigger's midpoint,
// depending on the timeline's split mode. No-op when no trigger brackets the
// tick.
func (ts *Triggers) Split(splitTick Pulse) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, t := range ts.list {
		if t.Start <= splitTick && splitTick <= t.End {
			if ts.splitMode == SplitExact {
				ts.splitLocked(i, splitTick)
			} else {
				ts.splitLocked(i, t.Start+t.Length()/2)
			}
			return
		}
	}
}

// SetSplitMode selects between exact and midpoint splitting.
func (ts *Triggers) SetSplitMode(mode SplitMode) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.splitMode = mode
}

// Grow extends the trigger bracketing from so that it also covers
// [to, to+length-1], re-inserting it through Add to resolve any overlaps the
// growth creates.
func (ts *Triggers) Grow(from, to, length Pulse) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.list {
		if t.Start <= from && from <= t.End {
			start, end := t.Start, t.End
			if to < start {
				start = to
			}
			if calcEnd := to + length - 1; calcEnd > end {
				end = calcEnd
			}
			ts.addLocked(start, end-start+1, t.Offset, true)
			return
		}
	}
}

// Move shifts every trigger at or after startTick by distance pulses,
// forward or backward. A trigger straddling the shift boundary is split
// first so that no trigger crosses it; on a backward move, triggers wholly
// inside the collapsed window are deleted. Offsets are adjusted by the
// distance modulo loop length so the looped content position is preserved.
func (ts *Triggers) Move(startTick, distance Pulse, forward bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	endTick := startTick + distance

	// At most one trigger straddles the boundary; split or truncate it.
	for i, t := range ts.list {
		if t.Start < startTick && startTick < t.End {
			if forward {
				ts.splitLocked(i, startTick)
			} else {
				ts.list[i].End = startTick - 1
			}
			break
		}
	}
	if !forward {
		for i := 0; i < len(ts.list); i++ {
			t := ts.list[i]
			if t.Start >= startTick && t.End <= endTick {
				ts.eraseLocked(i)
				i--
			} else if t.Start < endTick && endTick < t.End {
				ts.list[i].Start = endTick
			}
		}
	}
	for i := range ts.list {
		t := &ts.list[i]
		if forward {
			if t.Start >= startTick {
				t.Start += distance
				t.End += distance
				t.Offset = ts.adjustOffset(t.Offset + distance)
			}
		} else {
			if t.Start >= endTick {
				t.Start -= distance
				t.End -= distance
				t.Offset = ts.adjustOffset(t.Offset - distance)
			}
		}
	}
	ts.sortLocked()
}

// Copy duplicates the triggers found in [startTick+distance,
// startTick+2*distance-1] back into [startTick, startTick+distance-1]. The
// window contents are first shifted forward by distance (through Move), then
// copied back with offsets adjusted by the distance modulo loop length.
func (ts *Triggers) Copy(startTick, distance Pulse) {
	ts.Move(startTick, distance, true)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	fromStart := startTick + distance
	fromEnd := fromStart + distance - 1
	var copies []Trigger
	for _, t := range ts.list {
		if t.Start >= fromStart && t.Start <= fromEnd {
			c := Trigger{Start: t.Start - distance, Offset: t.Offset}
			if t.End <= fromEnd {
				c.End = t.End - distance
			} else {
				c.End = fromStart - 1
			}
			c.Offset = ts.adjustOffset(c.Offset - distance)
			copies = append(copies, c)
		}
	}
	ts.list = append(ts.list, copies...)
	ts.sortLocked()
}

// MoveSelected moves a boundary (or both) of the single selected trigger
// toward tick, clamped so it cannot cross into a neighboring trigger's
// territory. Grow operations keep a minimum width of one eighth of a beat so
// the trigger cannot degenerate. If fixOffset, the content offset follows
// the movement. Reports whether there was room to move.
func (ts *Triggers) MoveSelected(tick Pulse, fixOffset bool, mode GrowMode) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	minTick := Pulse(0)
	maxTick := Pulse(0x7ffffff)
	for i := range ts.list {
		s := &ts.list[i]
		if !s.Selected {
			minTick = s.End + 1
			continue
		}
		if i+1 < len(ts.list) {
			maxTick = ts.list[i+1].Start - 1
		}
		var delta Pulse
		switch mode {
		case GrowEnd:
			minWidth := s.Start + ts.ppqn/8
			delta = tick - s.End
			if delta > 0 && tick > maxTick {
				delta = maxTick - s.End
			}
			if delta < 0 && delta+s.End <= minWidth {
				delta = minWidth - s.End
			}
		case GrowStart:
			minWidth := s.End - ts.ppqn/8
			delta = tick - s.Start
			if delta < 0 && tick < minTick {
				delta = minTick - s.Start
			}
			if delta > 0 && delta+s.Start >= minWidth {
				delta = minWidth - s.Start
			}
		case GrowMove:
			delta = tick - s.Start
			if delta < 0 && tick < minTick {
				delta = minTick - s.Start
			}
			if delta > 0 && delta+s.End > maxTick {
				delta = maxTick - s.End
			}
		}
		if mode == GrowStart || mode == GrowMove {
			s.Start += delta
		}
		if mode == GrowEnd || mode == GrowMove {
			s.End += delta
		}
		if fixOffset {
			s.Offset = ts.adjustOffset(s.Offset + delta)
		}
		return true
	}
	return false
}

// snapshotLocked copies the trigger list with all selections cleared;
// selections are not undo-tracked.
func (ts *Triggers) snapshotLocked() []Trigger {
	snap := make([]Trigger, len(ts.list))
	copy(snap, ts.list)
	for i := range snap {
		snap[i].Selected = false
	}
	return snap
}

// PushUndo snapshots the current trigger list onto the undo stack and clears
// the redo stack.
func (ts *Triggers) PushUndo() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.undoStack) >= maxTriggerUndo {
		ts.undoStack = ts.undoStack[1:]
	}
	ts.undoStack = append(ts.undoStack, ts.snapshotLocked())
	ts.redoStack = ts.redoStack[:0]
}

// PopUndo restores the most recent undo snapshot, pushing the current list
// onto the redo stack.
func (ts *Triggers) PopUndo() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.undoStack) == 0 {
		return
	}
	if len(ts.redoStack) >= maxTriggerUndo {
		ts.redoStack = ts.redoStack[1:]
	}
	ts.redoStack = append(ts.redoStack, ts.snapshotLocked())
	ts.restoreLocked(ts.undoStack[len(ts.undoStack)-1])
	ts.undoStack = ts.undoStack[:len(ts.undoStack)-1]
}

// PopRedo restores the most recent redo snapshot, pushing the current list
// onto the undo stack.
func (ts *Triggers) PopRedo() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.redoStack) == 0 {
		return
	}
	if len(ts.undoStack) >= maxTriggerUndo {
		ts.undoStack = ts.undoStack[1:]
	}
	ts.undoStack = append(ts.undoStack, ts.snapshotLocked())
	ts.restoreLocked(ts.redoStack[len(ts.redoStack)-1])
	ts.redoStack = ts.redoStack[:len(ts.redoStack)-1]
}

func (ts *Triggers) restoreLocked(snap []Trigger) {
	ts.list = make([]Trigger, len(snap))
	copy(ts.list, snap)
	ts.numSelected = 0
}

// Play resolves the track's desired on/off state over [start, end]. It scans
// the triggers in order; every trigger boundary at or before end overrides
// the resolved state, so the most recent boundary wins. If the resolved
// state differs from the track's current state, the track is started (with
// start advanced to the later of its last played tick and the boundary) or,
// on turning off, end is clamped to the boundary and stop is true, meaning
// the caller should render up to end and then stop the track. An empty
// timeline with the track still playing stops the track. The resolved
// content offset is always propagated to the track.
func (ts *Triggers) Play(seq Sequence, start, end Pulse) (newStart, newEnd Pulse, stop bool) {
	ts.mu.Lock()
	var (
		state       bool
		stateTick   Pulse
		stateOffset Pulse
	)
	for _, t := range ts.list {
		if t.Start <= end {
			state = true
			stateTick = t.Start
			stateOffset = t.Offset
		}
		if t.End <= end {
			state = false
			stateTick = t.End
			stateOffset = t.Offset
		}
		if t.Start > end || t.End > end {
			break
		}
	}
	empty := len(ts.list) == 0
	ts.mu.Unlock()

	if state != seq.IsPlaying() {
		if state {
			if stateTick < seq.LastPlayedTick() {
				start = seq.LastPlayedTick()
			} else {
				start = stateTick
			}
			seq.SetPlaying(true)
		} else {
			end = stateTick
			stop = true
		}
	}
	if empty && seq.IsPlaying() {
		// All triggers deleted while the track still sounds: treated as an
		// implicit stop.
		seq.SetPlaying(false)
	}
	seq.SetTriggerOffset(stateOffset)
	return start, end, stop
}

// Intersect returns the boundaries of the first trigger bracketing position.
func (ts *Triggers) Intersect(position Pulse) (start, end Pulse, ok bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.list {
		if t.Start <= position && position <= t.End {
			return t.Start, t.End, true
		}
	}
	return 0, 0, false
}

// State reports whether any trigger brackets tick.
func (ts *Triggers) State(tick Pulse) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.list {
		if t.Start <= tick && tick <= t.End {
			return true
		}
	}
	return false
}

// Maximum returns the end of the last trigger, or 0 if the timeline is
// empty.
func (ts *Triggers) Maximum() Pulse {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.list) == 0 {
		return 0
	}
	return ts.list[len(ts.list)-1].End
}

// Select marks every trigger bracketing tick as selected, reporting whether
// one was found.
func (ts *Triggers) Select(tick Pulse) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	found := false
	for i := range ts.list {
		if ts.list[i].Start <= tick && tick <= ts.list[i].End {
			if !ts.list[i].Selected {
				ts.list[i].Selected = true
				ts.numSelected++
			}
			found = true
		}
	}
	return found
}

// Unselect clears the selection of every trigger bracketing tick, reporting
// whether one was found.
func (ts *Triggers) Unselect(tick Pulse) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	found := false
	for i := range ts.list {
		if ts.list[i].Start <= tick && tick <= ts.list[i].End {
			if ts.list[i].Selected {
				ts.list[i].Selected = false
				ts.numSelected--
			}
			found = true
		}
	}
	return found
}

// UnselectAll clears every selection.
func (ts *Triggers) UnselectAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i := range ts.list {
		ts.list[i].Selected = false
	}
	ts.numSelected = 0
}

// NumSelected returns the number of selected triggers.
func (ts *Triggers) NumSelected() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.numSelected
}

// SelectedStart returns the start of the selected trigger, or NoPulse when
// nothing is selected.
func (ts *Triggers) SelectedStart() Pulse {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	result := NoPulse
	for _, t := range ts.list {
		if t.Selected {
			result = t.Start
		}
	}
	return result
}

// SelectedEnd returns the end of the selected trigger, or NoPulse when
// nothing is selected.
func (ts *Triggers) SelectedEnd() Pulse {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	result := NoPulse
	for _, t := range ts.list {
		if t.Selected {
			result = t.End
		}
	}
	return result
}

// CopySelected places the first selected trigger on the clipboard.
func (ts *Triggers) CopySelected() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.list {
		if t.Selected {
			ts.clipboard = t
			ts.copied = true
			return
		}
	}
}

// SetPasteTick sets the location the next Paste lands on; NoPulse returns to
// chain-pasting after the previous paste.
func (ts *Triggers) SetPasteTick(tick Pulse) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.pasteTick = tick
}

// Paste inserts a copy of the clipboard trigger, either at the paste tick
// set with SetPasteTick or, by default, immediately after the clipboard
// trigger. Repeated pastes chain one after another. The pasted offset is
// shifted by the paste distance and normalized.
func (ts *Triggers) Paste() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.copied {
		return
	}
	length := ts.clipboard.Length()
	if ts.pasteTick == NoPulse {
		ts.addLocked(ts.clipboard.End+1, length, ts.clipboard.Offset+length, true)
		ts.clipboard.Start = ts.clipboard.End + 1
		ts.clipboard.End = ts.clipboard.Start + length - 1
		ts.clipboard.Offset = ts.adjustOffset(ts.clipboard.Offset + length)
	} else {
		distance := ts.pasteTick - ts.clipboard.Start
		ts.addLocked(ts.pasteTick, length, ts.clipboard.Offset+distance, true)
		ts.clipboard.Start = ts.pasteTick
		ts.clipboard.End = ts.clipboard.Start + length - 1
		ts.clipboard.Offset = ts.adjustOffset(ts.clipboard.Offset + distance)
		ts.pasteTick = NoPulse
	}
}

// SetLoopLength re-derives every trigger's offset for a new loop length and
// stores the new length, preserving each trigger's apparent content
// alignment on the timeline.
func (ts *Triggers) SetLoopLength(newLength Pulse) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if newLength > 0 && ts.length > 0 {
		for i := range ts.list {
			t := &ts.list[i]
			flipped := ts.length - ts.adjustOffset(t.Offset)
			inverse := ts.length - t.Start%ts.length
			local := (inverse - flipped) % ts.length
			inverseNew := newLength - t.Start%newLength
			t.Offset = newLength - (inverseNew-local)%newLength
			if t.Offset == newLength {
				t.Offset = 0
			}
		}
	}
	ts.length = newLength
	for i := range ts.list {
		ts.list[i].Offset = ts.adjustOffset(ts.list[i].Offset)
	}
}

// LoopLength returns the loop length offsets are normalized against.
func (ts *Triggers) LoopLength() Pulse {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.length
}

// All returns a copy of the trigger list, sorted by start.
func (ts *Triggers) All() []Trigger {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.snapshotLocked()
}

// SetAll replaces the trigger list. Each trigger is inserted as Add would
// insert it, so overlaps in a persisted list are resolved and offsets
// normalized. Used by the load seam.
func (ts *Triggers) SetAll(list []Trigger) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.list = ts.list[:0]
	ts.numSelected = 0
	for _, t := range list {
		ts.addLocked(t.Start, t.Length(), t.Offset, true)
	}
}

// Clear removes every trigger. The undo history is kept.
func (ts *Triggers) Clear() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.list = ts.list[:0]
	ts.numSelected = 0
}
