// Package gomidi feeds MIDI input into the engine through the rtmidi
// driver.
package gomidi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tactus/tactus/engine"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

type (
	// RTMIDIContext is an engine.EventSource reading from one rtmidi input
	// device at a time. Incoming messages are buffered on a channel; a full
	// channel drops messages rather than blocking the driver callback.
	RTMIDIContext struct {
		driver             *rtmididrv.Driver
		currentIn          drivers.In
		inputDevices       []RTMIDIDevice
		devicesInitialized bool
		events             chan engine.Event
	}

	RTMIDIDevice struct {
		context *RTMIDIContext
		in      drivers.In
	}
)

// NewContext opens the rtmidi driver. A nil driver inside the context means
// no driver was available; the context still works, it just never delivers
// events.
func NewContext() *RTMIDIContext {
	m := RTMIDIContext{events: make(chan engine.Event, 1024)}
	m.driver, _ = rtmididrv.New()
	return &m
}

// InputDevices iterates over the available input devices.
func (m *RTMIDIContext) InputDevices(yield func(RTMIDIDevice) bool) {
	if m.devicesInitialized {
		m.yieldCachedInputDevices(yield)
	} else {
		m.initInputDevices(yield)
	}
}

func (m *RTMIDIContext) yieldCachedInputDevices(yield func(RTMIDIDevice) bool) {
	for _, device := range m.inputDevices {
		if !yield(device) {
			break
		}
	}
}

func (m *RTMIDIContext) initInputDevices(yield func(RTMIDIDevice) bool) {
	if m.driver == nil {
		return
	}
	ins, err := m.driver.Ins()
	if err != nil {
		return
	}
	for i := 0; i < len(ins); i++ {
		device := RTMIDIDevice{context: m, in: ins[i]}
		m.inputDevices = append(m.inputDevices, device)
		if !yield(device) {
			break
		}
	}
	m.devicesInitialized = true
}

// Open opens the input device, closing the currently open one if necessary.
func (d RTMIDIDevice) Open() error {
	if d.context.currentIn == d.in {
		return nil
	}
	if d.context.driver == nil {
		return errors.New("no driver available")
	}
	if d.context.HasDeviceOpen() {
		d.context.currentIn.Close()
	}
	d.context.currentIn = d.in
	if err := d.in.Open(); err != nil {
		d.context.currentIn = nil
		return fmt.Errorf("opening MIDI input failed: %w", err)
	}
	if _, err := midi.ListenTo(d.in, d.context.handleMessage); err != nil {
		d.in.Close()
		d.context.currentIn = nil
		return fmt.Errorf("listening to MIDI input failed: %w", err)
	}
	return nil
}

func (d RTMIDIDevice) String() string {
	return d.in.String()
}

// TryToOpenBy opens the first device whose name starts with namePrefix, or
// just the first device when takeFirst is set.
func (m *RTMIDIContext) TryToOpenBy(namePrefix string, takeFirst bool) error {
	if namePrefix == "" && !takeFirst {
		return nil
	}
	var opened bool
	var err error
	m.InputDevices(func(device RTMIDIDevice) bool {
		if takeFirst || strings.HasPrefix(device.String(), namePrefix) {
			err = device.Open()
			opened = true
			return false
		}
		return true
	})
	if opened {
		return err
	}
	if takeFirst {
		return errors.New("could not find any MIDI input")
	}
	return fmt.Errorf("could not find any MIDI input starting with %q", namePrefix)
}

func (m *RTMIDIContext) HasDeviceOpen() bool {
	return m.currentIn != nil && m.currentIn.IsOpen()
}

// handleMessage runs on the driver's thread; it decodes the message and
// drops it when the event channel is full.
func (m *RTMIDIContext) handleMessage(msg midi.Message, timestampms int32) {
	var channel, key, velocity, controller, value uint8
	ev := engine.Event{Timestamp: int64(timestampms)}
	switch {
	case msg.GetNoteOn(&channel, &key, &velocity):
		ev.Channel = int(channel)
		ev.Note = key
		ev.Velocity = velocity
		ev.On = true
	case msg.GetNoteOff(&channel, &key, &velocity):
		ev.Channel = int(channel)
		ev.Note = key
		ev.Velocity = velocity
	case msg.GetControlChange(&channel, &controller, &value):
		ev.Channel = int(channel)
		ev.Controller = controller
		ev.Value = value
		ev.IsCC = true
	default:
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}

// Poll implements engine.EventSource.
func (m *RTMIDIContext) Poll(timeout time.Duration) (engine.Event, bool) {
	return engine.TimeoutReceive(m.events, timeout)
}

// Close implements engine.EventSource, closing the open device and the
// driver.
func (m *RTMIDIContext) Close() {
	if m.driver == nil {
		return
	}
	if m.currentIn != nil && m.currentIn.IsOpen() {
		m.currentIn.Close()
	}
	m.driver.Close()
}
