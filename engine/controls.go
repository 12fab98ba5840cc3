package engine

import (
	"time"

	"github.com/tactus/tactus"
)

type (
	// Command is one control surface action. Index and Value are
	// interpreted per kind; out-of-range indices make the command a silent
	// no-op, so surfaces can be mapped sloppily without crashing playback.
	Command struct {
		Kind  CommandKind
		Index int
		Value int
	}

	CommandKind int

	// Event is one incoming controller event, either a note or a control
	// change.
	Event struct {
		Timestamp  int64
		Channel    int
		Note       byte
		Velocity   byte
		On         bool
		Controller byte
		Value      byte
		IsCC       bool
	}

	// EventSource delivers controller events to the input loop. Poll blocks
	// for at most timeout; ok is false when nothing arrived.
	EventSource interface {
		Poll(timeout time.Duration) (event Event, ok bool)
		Close()
	}

	// Controls maps controller events to commands. The zero value maps
	// nothing.
	Controls struct {
		// Notes maps a note number to a command sent on note on.
		Notes map[byte]Command
		// CCs maps a controller number to a command sent on every control
		// change; the event value is passed as the command value.
		CCs map[byte]Command
	}
)

const (
	CmdNone CommandKind = iota
	CmdStart
	CmdStop
	CmdPause
	CmdToggleTrack      // Index: track within the playing screen-set
	CmdSelectGroup      // Index: mute group
	CmdLearnGroup       // toggle mute group learn mode
	CmdScreenSet        // Index: screen-set
	CmdSetControlStatus // Value: status bits
	CmdUnsetControlStatus
	CmdPlaybackMode // Value: 0 live, 1 song
	CmdBPM          // Value: new tempo
	CmdPosition     // Value: new position in pulses
	CmdToggleSync   // engage or disengage external transport sync
)

// Map translates an event to a command, ok reporting whether the event was
// bound. Note offs never map to anything; a toggle should not fire twice per
// press.
func (c Controls) Map(ev Event) (Command, bool) {
	if ev.IsCC {
		cmd, ok := c.CCs[ev.Controller]
		if ok {
			cmd.Value = int(ev.Value)
		}
		return cmd, ok
	}
	if !ev.On {
		return Command{}, false
	}
	cmd, ok := c.Notes[ev.Note]
	return cmd, ok
}

// Do queues a command for the output loop; commands are applied between
// processing cycles. Non-blocking: if the engine is backed up the command is
// dropped, reported by the return value.
func (e *Engine) Do(cmd Command) bool {
	ok := TrySend(e.broker.ToEngine, MsgToEngine{Command: cmd})
	if ok {
		e.wake()
	}
	return ok
}

// apply executes a command on the output loop goroutine.
func (e *Engine) apply(cmd Command) {
	switch cmd.Kind {
	case CmdStart:
		e.Start()
	case CmdStop:
		e.Stop()
	case CmdPause:
		e.Pause()
	case CmdToggleTrack:
		if cmd.Index >= 0 && cmd.Index < TracksPerSet {
			e.ToggleTrack(e.ScreenSetOffset() + cmd.Index)
		}
	case CmdSelectGroup:
		e.SelectGroup(cmd.Index)
	case CmdLearnGroup:
		e.ToggleGroupLearn()
	case CmdScreenSet:
		e.SetScreenSet(cmd.Index)
	case CmdSetControlStatus:
		e.SetControlStatus(ControlStatus(cmd.Value))
	case CmdUnsetControlStatus:
		e.UnsetControlStatus(ControlStatus(cmd.Value))
	case CmdPlaybackMode:
		e.SetSongMode(cmd.Value != 0)
	case CmdBPM:
		e.SetBPM(float64(cmd.Value))
	case CmdPosition:
		e.SetPosition(tactus.Pulse(cmd.Value))
	case CmdToggleSync:
		e.ToggleSyncMode()
	}
}
