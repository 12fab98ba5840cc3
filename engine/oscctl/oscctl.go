// Package oscctl exposes the engine's commands over OSC, so the engine can
// be driven from pads, faders and other network control surfaces.
package oscctl

import (
	"fmt"

	"github.com/hypebeast/go-osc/osc"
	"github.com/tactus/tactus/engine"
)

// OSC addresses understood by the server.
const (
	AddrStart     = "/tactus/start"
	AddrStop      = "/tactus/stop"
	AddrPause     = "/tactus/pause"
	AddrToggle    = "/tactus/track/toggle" // int32: track within the playing screen-set
	AddrGroup     = "/tactus/group"        // int32: mute group
	AddrLearn     = "/tactus/group/learn"
	AddrScreenSet = "/tactus/screenset" // int32: screen-set
	AddrMode      = "/tactus/mode"      // int32: 0 live, 1 song
	AddrBPM       = "/tactus/bpm"       // int32 or float32: tempo
	AddrPosition  = "/tactus/position"  // int32: pulse
	AddrStatus    = "/tactus/status"    // int32: status bits, positive sets, negative unsets
	AddrSync      = "/tactus/sync"      // toggle external transport sync
)

// Server receives OSC messages and funnels them into the engine's command
// queue.
type Server struct {
	engine *engine.Engine
	server *osc.Server
}

// NewServer builds a server listening on addr ("host:port") for e.
func NewServer(addr string, e *engine.Engine) (*Server, error) {
	s := &Server{engine: e}
	d := osc.NewStandardDispatcher()
	handlers := map[string]func(*osc.Message){
		AddrStart: func(*osc.Message) { e.Do(engine.Command{Kind: engine.CmdStart}) },
		AddrStop:  func(*osc.Message) { e.Do(engine.Command{Kind: engine.CmdStop}) },
		AddrPause: func(*osc.Message) { e.Do(engine.Command{Kind: engine.CmdPause}) },
		AddrLearn: func(*osc.Message) { e.Do(engine.Command{Kind: engine.CmdLearnGroup}) },
		AddrSync:  func(*osc.Message) { e.Do(engine.Command{Kind: engine.CmdToggleSync}) },
		AddrToggle: func(msg *osc.Message) {
			if v, ok := firstInt(msg); ok {
				e.Do(engine.Command{Kind: engine.CmdToggleTrack, Index: v})
			}
		},
		AddrGroup: func(msg *osc.Message) {
			if v, ok := firstInt(msg); ok {
				e.Do(engine.Command{Kind: engine.CmdSelectGroup, Index: v})
			}
		},
		AddrScreenSet: func(msg *osc.Message) {
			if v, ok := firstInt(msg); ok {
				e.Do(engine.Command{Kind: engine.CmdScreenSet, Index: v})
			}
		},
		AddrMode: func(msg *osc.Message) {
			if v, ok := firstInt(msg); ok {
				e.Do(engine.Command{Kind: engine.CmdPlaybackMode, Value: v})
			}
		},
		AddrBPM: func(msg *osc.Message) {
			if v, ok := firstInt(msg); ok {
				e.Do(engine.Command{Kind: engine.CmdBPM, Value: v})
			}
		},
		AddrPosition: func(msg *osc.Message) {
			if v, ok := firstInt(msg); ok {
				e.Do(engine.Command{Kind: engine.CmdPosition, Value: v})
			}
		},
		AddrStatus: func(msg *osc.Message) {
			v, ok := firstInt(msg)
			if !ok {
				return
			}
			if v >= 0 {
				e.Do(engine.Command{Kind: engine.CmdSetControlStatus, Value: v})
			} else {
				e.Do(engine.Command{Kind: engine.CmdUnsetControlStatus, Value: -v})
			}
		},
	}
	for address, handler := range handlers {
		if err := d.AddMsgHandler(address, handler); err != nil {
			return nil, fmt.Errorf("registering OSC handler %s: %w", address, err)
		}
	}
	s.server = &osc.Server{Addr: addr, Dispatcher: d}
	return s, nil
}

// ListenAndServe blocks serving OSC messages until the connection closes.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Close shuts the server's connection down, unblocking ListenAndServe.
func (s *Server) Close() error {
	return s.server.CloseConnection()
}

// firstInt extracts the first numeric argument of a message.
func firstInt(msg *osc.Message) (int, bool) {
	if len(msg.Arguments) == 0 {
		return 0, false
	}
	switch v := msg.Arguments[0].(type) {
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float32:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
