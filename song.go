package tactus

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// TrackRecord is the persisted form of one track: its name, the length of
// its looped content in pulses, and its arrangement triggers.
type TrackRecord struct {
	Name       string    `yaml:"name" json:"name"`
	LoopLength Pulse     `yaml:"looplength" json:"looplength"`
	Triggers   []Trigger `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// Copy makes a deep copy of the track record.
func (t *TrackRecord) Copy() TrackRecord {
	triggers := make([]Trigger, len(t.Triggers))
	copy(triggers, t.Triggers)
	return TrackRecord{Name: t.Name, LoopLength: t.LoopLength, Triggers: triggers}
}

// Song is the persisted form of an arrangement: global timing parameters,
// the loop markers, the tracks with their trigger timelines, and the mute
// group definitions. Loaded songs are applied to a running engine as a
// whole; the engine never mutates a Song in place.
type Song struct {
	BPM         float64       `yaml:"bpm" json:"bpm"`
	PPQN        int           `yaml:"ppqn" json:"ppqn"`
	BeatsPerBar int           `yaml:"beatsperbar" json:"beatsperbar"`
	BeatWidth   int           `yaml:"beatwidth" json:"beatwidth"`
	LeftTick    Pulse         `yaml:"lefttick" json:"lefttick"`
	RightTick   Pulse         `yaml:"righttick" json:"righttick"`
	Tracks      []TrackRecord `yaml:"tracks" json:"tracks"`
	MuteGroups  [][]bool      `yaml:"mutegroups,omitempty" json:"mutegroups,omitempty"`
}

// Copy makes a deep copy of the song.
func (s *Song) Copy() Song {
	tracks := make([]TrackRecord, len(s.Tracks))
	for i := range s.Tracks {
		tracks[i] = s.Tracks[i].Copy()
	}
	groups := make([][]bool, len(s.MuteGroups))
	for i, g := range s.MuteGroups {
		groups[i] = make([]bool, len(g))
		copy(groups[i], g)
	}
	ret := *s
	ret.Tracks = tracks
	ret.MuteGroups = groups
	return ret
}

// Validate checks the song's timing parameters and trigger intervals for
// values the engine cannot run with.
func (s *Song) Validate() error {
	if s.BPM <= 0 {
		return fmt.Errorf("invalid bpm %v", s.BPM)
	}
	if s.PPQN <= 0 {
		return fmt.Errorf("invalid ppqn %v", s.PPQN)
	}
	if s.BeatsPerBar <= 0 || s.BeatWidth <= 0 {
		return fmt.Errorf("invalid time signature %v/%v", s.BeatsPerBar, s.BeatWidth)
	}
	if s.RightTick < s.LeftTick {
		return fmt.Errorf("right marker %v before left marker %v", s.RightTick, s.LeftTick)
	}
	for i, t := range s.Tracks {
		for _, trig := range t.Triggers {
			if trig.End < trig.Start {
				return fmt.Errorf("track %v: trigger end %v before start %v", i, trig.End, trig.Start)
			}
		}
	}
	return nil
}

// NewSong returns a song with default timing parameters and no tracks.
func NewSong() Song {
	return Song{
		BPM:         DefaultBPM,
		PPQN:        DefaultPPQN,
		BeatsPerBar: DefaultBeatsPerBar,
		BeatWidth:   DefaultBeatWidth,
	}
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReadSong parses a song from its serialized form, accepting JSON and then
// YAML.
func ReadSong(bytes []byte) (Song, error) {
	var song Song
	var errJSON, errYaml error
	if errJSON = json.Unmarshal(bytes, &song); errJSON != nil {
		if errYaml = yaml.Unmarshal(bytes, &song); errYaml != nil {
			return Song{}, fmt.Errorf("song could not be unmarshaled (%w)", errors.Join(errJSON, errYaml))
		}
	}
	if err := song.Validate(); err != nil {
		return Song{}, fmt.Errorf("song validation failed: %w", err)
	}
	return song, nil
}

// WriteSong serializes a song as YAML.
func WriteSong(song Song) ([]byte, error) {
	return yaml.Marshal(song)
}
