package engine

import (
	"time"
)

type (
	// Broker carries the messages between the processing loops, the control
	// surfaces and the UI. Communication is many-to-one, one channel per
	// recipient; the loops only ever send non-blocking so they can never
	// stall on a slow receiver.
	//
	// For closing goroutines there are two channels per loop: CloseXXX and
	// FinishedXXX. CloseXXX has a capacity of 1, so a closure request can
	// always be sent without blocking; if the channel is already full the
	// loop is already closing and dropping the request is fine. FinishedXXX
	// is never sent to, only closed, so waiting for "<-FinishedXXX" (with a
	// timeout to avoid deadlocks) waits for the loop to finish cleanup.
	Broker struct {
		ToEngine chan MsgToEngine
		ToUI     chan MsgToUI

		CloseOutput chan struct{}
		CloseInput  chan struct{}

		FinishedOutput chan struct{}
		FinishedInput  chan struct{}

		// wakeOutput is signalled when the run state changes, so a stopped
		// output loop does not have to poll.
		wakeOutput chan struct{}
	}

	// MsgToEngine is a control message handled by the output loop between
	// cycles. Commands from every control surface funnel through here so
	// all state changes happen on one goroutine.
	MsgToEngine struct {
		Command Command
	}

	// MsgToUI is a notification to whatever is displaying the engine state.
	// The frequently sent fields (position and run state) are inline to
	// avoid allocations; anything infrequent rides in Data.
	MsgToUI struct {
		Tick     int64
		Running  bool
		HasAlert bool
		Alert    string

		Data any
	}
)

func NewBroker() *Broker {
	return &Broker{
		ToEngine:       make(chan MsgToEngine, 1024),
		ToUI:           make(chan MsgToUI, 1024),
		CloseOutput:    make(chan struct{}, 1),
		CloseInput:     make(chan struct{}, 1),
		FinishedOutput: make(chan struct{}),
		FinishedInput:  make(chan struct{}),
		wakeOutput:     make(chan struct{}, 1),
	}
}

// TrySend is a helper function to send a value to a channel if it is not full.
// It is guaranteed to be non-blocking. Returns true if the value was sent,
// false otherwise.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive is a helper function to block until a value is received from
// a channel, or timing out after t. ok will be false if the timeout occurred
// or if the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
