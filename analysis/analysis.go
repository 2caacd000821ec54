// Package analysis pairs raw MIDI events into note events on the frame
// grid and summarises each track for the channel mapper.
package analysis

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"midi2nes/apu"
	"midi2nes/diag"
	"midi2nes/parse"
	"midi2nes/tempo"
)

// ErrUnpairedEvents means so many note events failed to pair that the
// file is likely malformed.
var ErrUnpairedEvents = errors.New("unpaired note events exceed threshold")

// UnpairedThreshold is the tolerated fraction of unmatched note events.
const UnpairedThreshold = 0.05

const stage = "normalise"

// NoteEvent is one sounding note on the 60 Hz grid. Immutable once
// produced. A zero duration never leaves this package: sub-frame notes
// are promoted to one frame so they stay audible.
type NoteEvent struct {
	Frame    uint32
	Note     byte
	Velocity byte
	Duration uint32
}

// End returns the first frame after the note stops sounding.
func (e NoteEvent) End() uint32 {
	return e.Frame + e.Duration
}

// TrackSummary drives the channel mapper's priority scoring.
type TrackSummary struct {
	Name          string
	NoteCount     int
	AveragePitch  float64
	MinNote       byte
	MaxNote       byte
	NoteDensity   float64 // notes per second
	MaxConcurrent int
	Percussion    bool
}

// Track is a normalised MIDI track: time-ordered note events plus the
// track's summary.
type Track struct {
	Summary TrackSummary
	Events  []NoteEvent
}

type activeNote struct {
	frame    uint32
	velocity byte
}

// Normalize converts every track of a parsed file into note events.
// Recoverable oddities (unmatched offs, dangling ons) go to diagnostics;
// the hard failure is a file where pairing mostly failed.
func Normalize(f *parse.File, tm *tempo.Map, diags *diag.List) ([]Track, error) {
	var tracks []Track
	totalNotes := 0
	totalUnpaired := 0

	for i, tr := range f.Tracks {
		name := tr.Name
		if name == "" {
			name = fmt.Sprintf("track_%d", i)
		}
		normalized, unpaired := normalizeTrack(name, tr, tm, diags)
		noteEvents := 0
		for _, e := range tr.Events {
			if e.Type == parse.NoteOn || e.Type == parse.NoteOff {
				noteEvents++
			}
		}
		totalNotes += noteEvents
		totalUnpaired += unpaired
		if len(normalized.Events) > 0 {
			tracks = append(tracks, normalized)
		}
	}

	if totalNotes > 0 && float64(totalUnpaired) > UnpairedThreshold*float64(totalNotes) {
		return nil, fmt.Errorf("%w: %d of %d note events unmatched", ErrUnpairedEvents, totalUnpaired, totalNotes)
	}
	return tracks, nil
}

func normalizeTrack(name string, tr parse.Track, tm *tempo.Map, diags *diag.List) (Track, int) {
	active := make(map[byte]activeNote)
	var events []NoteEvent
	unpaired := 0
	percussion := true
	sawNote := false
	var lastTick uint32

	for _, e := range tr.Events {
		if e.Tick > lastTick {
			lastTick = e.Tick
		}
		switch e.Type {
		case parse.NoteOn:
			sawNote = true
			if e.Channel != 9 {
				percussion = false
			}
			if _, sounding := active[e.Note]; sounding {
				// A same-pitch note-on while the note sounds extends the
				// earlier note; the new one is ignored.
				continue
			}
			active[e.Note] = activeNote{frame: tm.TickToFrame(e.Tick), velocity: e.Velocity}
		case parse.NoteOff:
			on, sounding := active[e.Note]
			if !sounding {
				unpaired++
				diags.Addf(stage, diag.UnpairedEvent, "%s: note-off for silent pitch %d at tick %d", name, e.Note, e.Tick)
				continue
			}
			delete(active, e.Note)
			events = append(events, makeNote(e.Note, on, tm.TickToFrame(e.Tick)))
		}
	}

	// Notes that never saw an off end with the track.
	endFrame := tm.TickToFrame(lastTick)
	for note, on := range active {
		unpaired++
		diags.Addf(stage, diag.UnpairedEvent, "%s: note-on for pitch %d never released", name, note)
		events = append(events, makeNote(note, on, endFrame))
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Frame != events[j].Frame {
			return events[i].Frame < events[j].Frame
		}
		return events[i].Note < events[j].Note
	})

	track := Track{Events: events}
	track.Summary = summarize(name, events, percussion && sawNote)
	if !sawNote {
		track.Summary.Percussion = false
	}
	if strings.Contains(strings.ToLower(name), "drum") {
		track.Summary.Percussion = true
	}
	return track, unpaired
}

func makeNote(note byte, on activeNote, endFrame uint32) NoteEvent {
	duration := uint32(1)
	if endFrame > on.frame {
		duration = endFrame - on.frame
	}
	return NoteEvent{Frame: on.frame, Note: note, Velocity: on.velocity, Duration: duration}
}

func summarize(name string, events []NoteEvent, percussion bool) TrackSummary {
	s := TrackSummary{Name: name, NoteCount: len(events), Percussion: percussion}
	if len(events) == 0 {
		return s
	}
	s.MinNote, s.MaxNote = 127, 0
	var pitchSum int
	var firstFrame, lastEnd uint32
	firstFrame = events[0].Frame
	for _, e := range events {
		pitchSum += int(e.Note)
		if e.Note < s.MinNote {
			s.MinNote = e.Note
		}
		if e.Note > s.MaxNote {
			s.MaxNote = e.Note
		}
		if e.End() > lastEnd {
			lastEnd = e.End()
		}
	}
	s.AveragePitch = float64(pitchSum) / float64(len(events))
	span := lastEnd - firstFrame
	if span > 0 {
		s.NoteDensity = float64(len(events)) * apu.FrameRate / float64(span)
	}
	s.MaxConcurrent = maxConcurrent(events)
	return s
}

// maxConcurrent sweeps note start/end boundaries counting overlap depth.
func maxConcurrent(events []NoteEvent) int {
	type boundary struct {
		frame uint32
		delta int
	}
	bounds := make([]boundary, 0, len(events)*2)
	for _, e := range events {
		bounds = append(bounds, boundary{e.Frame, 1}, boundary{e.End(), -1})
	}
	sort.Slice(bounds, func(i, j int) bool {
		if bounds[i].frame != bounds[j].frame {
			return bounds[i].frame < bounds[j].frame
		}
		return bounds[i].delta < bounds[j].delta // ends before starts
	})
	depth, max := 0, 0
	for _, b := range bounds {
		depth += b.delta
		if depth > max {
			max = depth
		}
	}
	return max
}
