package engine

import (
	"fmt"
	"time"

	"github.com/tactus/tactus"
	"github.com/tactus/tactus/transport"
)

// inputPollTimeout is how long the input loop waits for an event before
// checking for closure.
const inputPollTimeout = 100 * time.Millisecond

// outputLoop is the playback goroutine. Each cycle it applies the pending
// commands, waits for the transporter's cycle, reconciles the clock and
// advances every track over the elapsed pulse window. While the engine is
// not running it sleeps on the wake channel instead of burning cycles.
func (e *Engine) outputLoop() {
	defer close(e.broker.FinishedOutput)
	for {
		e.drainCommands()
		select {
		case <-e.broker.CloseOutput:
			return
		default:
		}
		if e.RunState() != Running {
			select {
			case <-e.broker.CloseOutput:
				return
			case <-e.broker.wakeOutput:
			case msg := <-e.broker.ToEngine:
				e.apply(msg.Command)
			}
			continue
		}
		e.trans.CycleWait()
		u, err := e.trans.Reconcile()
		if err != nil {
			// CycleWait throttles the retry
			e.alert(fmt.Sprintf("transport: %v", err))
			continue
		}
		e.advance(u)
	}
}

func (e *Engine) drainCommands() {
	for {
		select {
		case msg := <-e.broker.ToEngine:
			e.apply(msg.Command)
		default:
			return
		}
	}
}

// advance processes one cycle's pulse window. The window is closed on both
// ends; nothing is processed when the transport did not move. A window
// crossing the right loop marker is processed in two segments, up to the
// marker and then from the left marker, so no track ever sees a
// discontinuous range.
func (e *Engine) advance(u transport.Update) {
	e.mu.Lock()
	if e.state != Running || !u.Running {
		e.mu.Unlock()
		return
	}
	start, end := e.nextTick, u.Tick
	if end == start-1 {
		// the transport did not move; the pulse is already processed
		e.mu.Unlock()
		return
	}
	if end < start {
		// the transport relocated backward; resume from the new position
		e.nextTick = end
		e.tick.Store(int64(end))
		e.mu.Unlock()
		e.notify()
		return
	}
	if span := tactus.Pulse(maxCycleBeats * e.ppqn); end-start > span {
		start = end - span
	}
	if e.looping && e.songMode && end >= e.rightTick {
		if start < e.rightTick {
			e.playWindowLocked(start, e.rightTick-1)
		}
		end = e.leftTick + (end - e.rightTick)
		if err := e.trans.Reposition(end); err != nil {
			e.alert(fmt.Sprintf("transport reposition: %v", err))
		}
		start = e.leftTick
	}
	e.playWindowLocked(start, end)
	e.nextTick = end + 1
	e.tick.Store(int64(end))
	e.mu.Unlock()
	e.notify()
}

// playWindowLocked advances every track over [start, end] in two phases:
// first all render ranges are resolved, then all tracks render, so a slow
// render on one track cannot skew another track's window.
func (e *Engine) playWindowLocked(start, end tactus.Pulse) {
	e.processPendingLocked(end)
	e.spans = e.spans[:0]
	for i := range e.slots {
		s := &e.slots[i]
		if s.seq == nil || !s.active {
			continue
		}
		if e.songMode {
			a, b, stop := s.triggers.Play(s.seq, start, end)
			if s.seq.IsPlaying() {
				e.spans = append(e.spans, span{seq: s.seq, start: a, end: b, stop: stop})
			}
		} else if s.seq.IsPlaying() {
			e.spans = append(e.spans, span{seq: s.seq, start: start, end: end})
		}
	}
	for _, sp := range e.spans {
		sp.seq.Render(sp.start, sp.end)
		if sp.stop {
			sp.seq.SetPlaying(false)
		}
	}
}

// processPendingLocked fires the queued toggles and one-shots whose measure
// boundary falls inside the cycle's window. A fired one-shot queues its own
// stop one loop later.
func (e *Engine) processPendingLocked(end tactus.Pulse) {
	for i := range e.slots {
		s := &e.slots[i]
		if s.seq == nil {
			continue
		}
		if s.oneShot && s.oneShotTick <= end {
			s.oneShot = false
			s.seq.SetPlaying(true)
			s.queued = true
			s.queuedTick = s.oneShotTick + s.seq.LoopLength()
		}
		if s.queued && s.queuedTick <= end {
			s.queued = false
			s.seq.SetPlaying(!s.seq.IsPlaying())
		}
	}
}

// inputLoop reads controller events and routes them: notes go to the
// recorder while recording is armed, everything else maps through the
// control bindings to engine commands.
func (e *Engine) inputLoop() {
	defer close(e.broker.FinishedInput)
	defer e.source.Close()
	for {
		select {
		case <-e.broker.CloseInput:
			return
		default:
		}
		ev, ok := e.source.Poll(inputPollTimeout)
		if !ok {
			continue
		}
		e.mu.Lock()
		recorder := e.recorder
		recording := e.recording && recorder != nil
		e.mu.Unlock()
		if recording && !ev.IsCC {
			recorder.RecordEvent(ev.Channel, ev.Note, ev.Velocity, ev.On)
			continue
		}
		if cmd, ok := e.controls.Map(ev); ok {
			e.Do(cmd)
		}
	}
}
