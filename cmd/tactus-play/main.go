package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tactus/tactus"
	"github.com/tactus/tactus/engine"
	"github.com/tactus/tactus/engine/gomidi"
	"github.com/tactus/tactus/engine/oscctl"
	"github.com/tactus/tactus/transport"
	"github.com/tactus/tactus/version"
)

func main() {
	songMode := pflag.BoolP("song", "s", false, "Play in song mode, following the trigger timelines.")
	loop := pflag.BoolP("loop", "l", false, "Loop between the song's markers (song mode only).")
	oscAddr := pflag.StringP("osc", "o", "", "Listen for OSC control messages on this address (host:port).")
	midiPrefix := pflag.StringP("midi-input", "m", "", "Open the first MIDI input whose name starts with this prefix.")
	midiFirst := pflag.BoolP("midi-first", "f", false, "Open the first available MIDI input.")
	versionFlag := pflag.BoolP("version", "v", false, "Print version.")
	help := pflag.BoolP("help", "h", false, "Show help.")
	pflag.Usage = printUsage
	pflag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	if pflag.NArg() != 1 || *help {
		pflag.Usage()
		os.Exit(0)
	}
	if err := run(pflag.Arg(0), *songMode, *loop, *oscAddr, *midiPrefix, *midiFirst); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(filename string, songMode, loop bool, oscAddr, midiPrefix string, midiFirst bool) error {
	inputBytes, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("could not read file %v: %w", filename, err)
	}
	song, err := tactus.ReadSong(inputBytes)
	if err != nil {
		return fmt.Errorf("could not parse %v: %w", filename, err)
	}

	broker := engine.NewBroker()
	e := engine.New(broker, transport.NewNull(song.PPQN, song.BPM))
	if midiPrefix != "" || midiFirst {
		midiContext := gomidi.NewContext()
		if err := midiContext.TryToOpenBy(midiPrefix, midiFirst); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		e.SetEventSource(midiContext, defaultControls())
	}
	if err := e.ApplySong(song, func(t tactus.TrackRecord) (tactus.Sequence, error) {
		return newMonitorSequence(t), nil
	}); err != nil {
		return err
	}
	e.SetSongMode(songMode)
	e.SetLooping(loop)

	if oscAddr != "" {
		server, err := oscctl.NewServer(oscAddr, e)
		if err != nil {
			return fmt.Errorf("could not set up OSC server: %w", err)
		}
		defer server.Close()
		go func() {
			if err := server.ListenAndServe(); err != nil {
				fmt.Fprintf(os.Stderr, "osc server: %v\n", err)
			}
		}()
	}

	if err := e.Launch(); err != nil {
		return err
	}
	go printNotifications(broker)
	e.Start()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	return e.Finish()
}

// printNotifications consumes the UI channel so the loops never back up,
// printing only the alerts.
func printNotifications(broker *engine.Broker) {
	for msg := range broker.ToUI {
		if msg.HasAlert {
			fmt.Fprintf(os.Stderr, "%s\n", msg.Alert)
		}
	}
}

// defaultControls binds a small pad layout: C2..G4 toggle the first tracks,
// CC 16/17/18 start, stop and pause.
func defaultControls() engine.Controls {
	notes := make(map[byte]engine.Command)
	for i := 0; i < engine.TracksPerSet; i++ {
		notes[byte(36+i)] = engine.Command{Kind: engine.CmdToggleTrack, Index: i}
	}
	return engine.Controls{
		Notes: notes,
		CCs: map[byte]engine.Command{
			16: {Kind: engine.CmdStart},
			17: {Kind: engine.CmdStop},
			18: {Kind: engine.CmdPause},
		},
	}
}

// monitorSequence is a playable track that just tracks its own state; it
// lets the arrangement be auditioned structurally without an audio backend.
type monitorSequence struct {
	name       string
	loopLength tactus.Pulse
	playing    atomic.Bool
	offset     atomic.Int64
	lastTick   atomic.Int64
}

func newMonitorSequence(t tactus.TrackRecord) *monitorSequence {
	s := &monitorSequence{name: t.Name, loopLength: t.LoopLength}
	s.lastTick.Store(int64(tactus.NoPulse))
	return s
}

func (s *monitorSequence) IsPlaying() bool { return s.playing.Load() }

func (s *monitorSequence) SetPlaying(playing bool) {
	if s.playing.Swap(playing) != playing {
		state := "off"
		if playing {
			state = "on"
		}
		fmt.Printf("%s: %s\n", s.name, state)
	}
}

func (s *monitorSequence) Render(start, end tactus.Pulse) {
	s.lastTick.Store(int64(end))
}

func (s *monitorSequence) LoopLength() tactus.Pulse { return s.loopLength }

func (s *monitorSequence) LastPlayedTick() tactus.Pulse {
	return tactus.Pulse(s.lastTick.Load())
}

func (s *monitorSequence) SetTriggerOffset(offset tactus.Pulse) {
	s.offset.Store(int64(offset))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Tactus command line utility for playing .yml/.json arrangement files.\nUsage: %s [flags] path\n", os.Args[0])
	pflag.PrintDefaults()
}
