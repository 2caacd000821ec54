package analysis

import (
	"errors"
	"testing"

	"midi2nes/diag"
	"midi2nes/parse"
	"midi2nes/tempo"
)

func testMap(t *testing.T) *tempo.Map {
	t.Helper()
	m, err := tempo.Build([]tempo.Entry{{Tick: 0, MicrosPerQuarter: 500000}}, 480)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func noteOn(tick uint32, note, vel byte) parse.Event {
	return parse.Event{Tick: tick, Type: parse.NoteOn, Note: note, Velocity: vel}
}

func noteOff(tick uint32, note byte) parse.Event {
	return parse.Event{Tick: tick, Type: parse.NoteOff, Note: note}
}

func normalize(t *testing.T, events ...parse.Event) ([]Track, *diag.List, error) {
	t.Helper()
	f := &parse.File{TicksPerQuarter: 480, Tracks: []parse.Track{{Name: "test", Events: events}}}
	var d diag.List
	tracks, err := Normalize(f, testMap(t), &d)
	return tracks, &d, err
}

func TestMiddleCQuarterNote(t *testing.T) {
	tracks, _, err := normalize(t, noteOn(0, 60, 64), noteOff(480, 60))
	if err != nil {
		t.Fatal(err)
	}
	events := tracks[0].Events
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	want := NoteEvent{Frame: 0, Note: 60, Velocity: 64, Duration: 30}
	if events[0] != want {
		t.Errorf("got %+v, want %+v", events[0], want)
	}
}

func TestInstantNoteLastsOneFrame(t *testing.T) {
	// A 1-tick note quantises to zero frames and is promoted to one.
	tracks, _, err := normalize(t, noteOn(0, 72, 100), noteOff(1, 72))
	if err != nil {
		t.Fatal(err)
	}
	if d := tracks[0].Events[0].Duration; d != 1 {
		t.Errorf("duration = %d, want 1", d)
	}
}

func TestOverlappingSamePitchExtends(t *testing.T) {
	// A second, well-formed track keeps the one stray off at 1 of 24
	// note events: below the 5% threshold.
	var filler []parse.Event
	for i := 0; i < 10; i++ {
		tick := uint32(i) * 480
		filler = append(filler, noteOn(tick, 70, 64), noteOff(tick+480, 70))
	}
	f := &parse.File{TicksPerQuarter: 480, Tracks: []parse.Track{
		{Name: "test", Events: []parse.Event{
			noteOn(0, 60, 64),
			noteOn(240, 60, 90), // ignored: pitch already sounding
			noteOff(480, 60),
			noteOff(960, 60), // unmatched, discarded
		}},
		{Name: "filler", Events: filler},
	}}
	var d diag.List
	tracks, err := Normalize(f, testMap(t), &d)
	if err != nil {
		t.Fatal(err)
	}
	events := tracks[0].Events
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Velocity != 64 || events[0].Duration != 30 {
		t.Errorf("event = %+v, want the earlier note kept", events[0])
	}
}

func TestUnmatchedOffWarns(t *testing.T) {
	events := make([]parse.Event, 0, 21)
	for i := 0; i < 10; i++ {
		tick := uint32(i) * 480
		note := byte(60 + i)
		events = append(events, noteOn(tick, note, 64), noteOff(tick+480, note))
	}
	// One stray off in 21 note events: below the 5% threshold.
	events = append(events, noteOff(5000, 99))
	_, d, err := normalize(t, events...)
	if err != nil {
		t.Fatalf("stray off should be recoverable: %v", err)
	}
	if d.Count(diag.UnpairedEvent) != 1 {
		t.Errorf("got %d unpaired diagnostics, want 1", d.Count(diag.UnpairedEvent))
	}
}

func TestTooManyUnpairedFails(t *testing.T) {
	_, _, err := normalize(t, noteOff(0, 60), noteOff(10, 61), noteOn(20, 62, 64), noteOff(500, 62))
	if !errors.Is(err, ErrUnpairedEvents) {
		t.Errorf("err = %v, want ErrUnpairedEvents", err)
	}
}

func TestDanglingNoteOnClosedAtTrackEnd(t *testing.T) {
	f := &parse.File{TicksPerQuarter: 480, Tracks: []parse.Track{{
		Name: "lead",
		Events: func() []parse.Event {
			var evs []parse.Event
			for i := 0; i < 10; i++ {
				tick := uint32(i) * 480
				note := byte(60 + i)
				evs = append(evs, noteOn(tick, note, 64), noteOff(tick+480, note))
			}
			// Dangles: 1 of 21 note events, below the 5% threshold.
			return append(evs, noteOn(4800, 50, 64))
		}(),
	}}}
	var d diag.List
	tracks, err := Normalize(f, testMap(t), &d)
	if err != nil {
		t.Fatal(err)
	}
	events := tracks[0].Events
	last := events[len(events)-1]
	if last.Note != 50 || last.Duration != 1 {
		t.Errorf("dangling note = %+v, want closed with minimum duration", last)
	}
}

func TestSummary(t *testing.T) {
	tracks, _, err := normalize(t,
		noteOn(0, 60, 64), noteOn(0, 64, 64), noteOn(0, 67, 64),
		noteOff(480, 60), noteOff(480, 64), noteOff(480, 67),
	)
	if err != nil {
		t.Fatal(err)
	}
	s := tracks[0].Summary
	if s.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", s.MaxConcurrent)
	}
	if s.MinNote != 60 || s.MaxNote != 67 {
		t.Errorf("range = %d..%d, want 60..67", s.MinNote, s.MaxNote)
	}
	if s.AveragePitch < 63 || s.AveragePitch > 64 {
		t.Errorf("AveragePitch = %f", s.AveragePitch)
	}
	if s.Percussion {
		t.Error("melodic track flagged as percussion")
	}
	// 3 notes over half a second.
	if s.NoteDensity < 5.9 || s.NoteDensity > 6.1 {
		t.Errorf("NoteDensity = %f, want 6", s.NoteDensity)
	}
}

func TestPercussionFlag(t *testing.T) {
	f := &parse.File{TicksPerQuarter: 480, Tracks: []parse.Track{{
		Name: "kit",
		Events: []parse.Event{
			{Tick: 0, Type: parse.NoteOn, Channel: 9, Note: 36, Velocity: 100},
			{Tick: 120, Type: parse.NoteOff, Channel: 9, Note: 36},
		},
	}}}
	var d diag.List
	tracks, err := Normalize(f, testMap(t), &d)
	if err != nil {
		t.Fatal(err)
	}
	if !tracks[0].Summary.Percussion {
		t.Error("channel-10 track not flagged as percussion")
	}
}

func TestZeroTrackFile(t *testing.T) {
	var d diag.List
	tracks, err := Normalize(&parse.File{TicksPerQuarter: 480}, testMap(t), &d)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 0 {
		t.Errorf("got %d tracks, want 0", len(tracks))
	}
}
