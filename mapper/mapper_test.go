package mapper

import (
	"errors"
	"testing"

	"midi2nes/analysis"
	"midi2nes/apu"
	"midi2nes/diag"
	"midi2nes/dpcm"
)

func note(frame uint32, pitch byte, dur uint32) analysis.NoteEvent {
	return analysis.NoteEvent{Frame: frame, Note: pitch, Velocity: 100, Duration: dur}
}

func melodicTrack(name string, avg float64, events ...analysis.NoteEvent) analysis.Track {
	return analysis.Track{
		Summary: summaryFor(name, avg, events),
		Events:  events,
	}
}

func summaryFor(name string, avg float64, events []analysis.NoteEvent) analysis.TrackSummary {
	s := analysis.TrackSummary{Name: name, NoteCount: len(events), AveragePitch: avg, MinNote: 127}
	for _, e := range events {
		if e.Note < s.MinNote {
			s.MinNote = e.Note
		}
		if e.Note > s.MaxNote {
			s.MaxNote = e.Note
		}
	}
	return s
}

func TestThreeTrackAssignment(t *testing.T) {
	tracks := []analysis.Track{
		melodicTrack("bass", 40, note(0, 40, 30)),
		melodicTrack("lead", 72, note(0, 72, 30)),
		melodicTrack("harmony", 60, note(0, 60, 30)),
	}
	var d diag.List
	asn, err := Assign(tracks, DefaultConfig(), nil, &d)
	if err != nil {
		t.Fatal(err)
	}
	if len(asn.Channels[apu.Pulse1]) != 1 || asn.Channels[apu.Pulse1][0].Note != 72 {
		t.Errorf("Pulse1 = %+v, want the lead", asn.Channels[apu.Pulse1])
	}
	if len(asn.Channels[apu.Pulse2]) != 1 || asn.Channels[apu.Pulse2][0].Note != 60 {
		t.Errorf("Pulse2 = %+v, want the harmony", asn.Channels[apu.Pulse2])
	}
	if len(asn.Channels[apu.Triangle]) != 1 || asn.Channels[apu.Triangle][0].Note != 40 {
		t.Errorf("Triangle = %+v, want the bass", asn.Channels[apu.Triangle])
	}
}

func TestExtraTrackDropped(t *testing.T) {
	tracks := []analysis.Track{
		melodicTrack("a", 80, note(0, 80, 10)),
		melodicTrack("b", 70, note(0, 70, 10)),
		melodicTrack("c", 60, note(0, 60, 10)),
		melodicTrack("d", 50, note(0, 50, 10)),
	}
	var d diag.List
	if _, err := Assign(tracks, DefaultConfig(), nil, &d); err != nil {
		t.Fatal(err)
	}
	if d.Count(diag.DroppedTrack) != 1 {
		t.Errorf("dropped-track diagnostics = %d, want 1", d.Count(diag.DroppedTrack))
	}
}

func TestRequiredTrackUnassignable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracks = map[string]TrackConfig{"c": {Required: true}}
	tracks := []analysis.Track{
		melodicTrack("a", 80, note(0, 80, 10)),
		melodicTrack("b", 70, note(0, 70, 10)),
		melodicTrack("c", 60, note(0, 60, 10)),
		melodicTrack("d", 50, note(0, 50, 10)),
	}
	var d diag.List
	if _, err := Assign(tracks, cfg, nil, &d); !errors.Is(err, ErrUnassignableTrack) {
		t.Errorf("err = %v, want ErrUnassignableTrack", err)
	}
}

func TestChordPriorityKeepsHighestOnPulse(t *testing.T) {
	// C-E-G chord: on a pulse channel priority reduction keeps the G.
	tracks := []analysis.Track{melodicTrack("chords", 63,
		note(0, 60, 30), note(0, 64, 30), note(0, 67, 30))}
	var d diag.List
	asn, err := Assign(tracks, DefaultConfig(), nil, &d)
	if err != nil {
		t.Fatal(err)
	}
	got := asn.Channels[apu.Pulse1]
	if len(got) != 1 || got[0].Note != 67 {
		t.Errorf("Pulse1 = %+v, want single G", got)
	}
	if err := Validate(asn); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestChordArpeggio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracks = map[string]TrackConfig{"chords": {Strategy: StrategyArpeggio}}
	tracks := []analysis.Track{melodicTrack("chords", 63,
		note(0, 60, 6), note(0, 64, 6), note(0, 67, 6))}
	var d diag.List
	asn, err := Assign(tracks, cfg, nil, &d)
	if err != nil {
		t.Fatal(err)
	}
	got := asn.Channels[apu.Pulse1]
	if len(got) != 6 {
		t.Fatalf("got %d events, want 6 one-frame steps", len(got))
	}
	wantCycle := []byte{67, 64, 60, 67, 64, 60}
	for i, e := range got {
		if e.Note != wantCycle[i] || e.Duration != 1 || e.Frame != uint32(i) {
			t.Errorf("step %d = %+v, want note %d", i, e, wantCycle[i])
		}
	}
}

func TestArpeggioRestartsPerChord(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracks = map[string]TrackConfig{"chords": {Strategy: StrategyArpeggio}}
	tracks := []analysis.Track{melodicTrack("chords", 63,
		note(0, 60, 5), note(0, 64, 5), note(0, 67, 5),
		note(5, 62, 4), note(5, 65, 4))}
	var d diag.List
	asn, err := Assign(tracks, cfg, nil, &d)
	if err != nil {
		t.Fatal(err)
	}
	got := asn.Channels[apu.Pulse1]
	// Second chord starts at its top note, not mid-cycle.
	if got[5].Frame != 5 || got[5].Note != 65 {
		t.Errorf("second chord starts with %+v, want note 65 at frame 5", got[5])
	}
}

func TestSinglePolyphonicTrackSplitsByPitch(t *testing.T) {
	events := []analysis.NoteEvent{
		note(0, 72, 30), note(0, 52, 30), note(0, 40, 30),
	}
	tr := analysis.Track{Summary: summaryFor("piano", 55, events), Events: events}
	tr.Summary.MaxConcurrent = 3
	var d diag.List
	asn, err := Assign([]analysis.Track{tr}, DefaultConfig(), nil, &d)
	if err != nil {
		t.Fatal(err)
	}
	if len(asn.Channels[apu.Pulse1]) != 1 || asn.Channels[apu.Pulse1][0].Note != 72 {
		t.Errorf("Pulse1 = %+v", asn.Channels[apu.Pulse1])
	}
	if len(asn.Channels[apu.Pulse2]) != 1 || asn.Channels[apu.Pulse2][0].Note != 52 {
		t.Errorf("Pulse2 = %+v", asn.Channels[apu.Pulse2])
	}
	if len(asn.Channels[apu.Triangle]) != 1 || asn.Channels[apu.Triangle][0].Note != 40 {
		t.Errorf("Triangle = %+v", asn.Channels[apu.Triangle])
	}
}

func TestTrianglePriorityKeepsLowest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracks = map[string]TrackConfig{"bass": {ForceChannel: apu.Triangle, HasForce: true}}
	tracks := []analysis.Track{melodicTrack("bass", 40,
		note(0, 36, 30), note(0, 43, 30))}
	var d diag.List
	asn, err := Assign(tracks, cfg, nil, &d)
	if err != nil {
		t.Fatal(err)
	}
	got := asn.Channels[apu.Triangle]
	if len(got) != 1 || got[0].Note != 36 {
		t.Errorf("Triangle = %+v, want the low C", got)
	}
}

func TestPercussionRouting(t *testing.T) {
	idx := &dpcm.Index{Samples: map[int]dpcm.Sample{0: {SampleBytes: 17, SampleRateIndex: 15}}}
	events := []analysis.NoteEvent{
		note(0, 36, 1),  // kick: slot 0 exists, goes to DPCM
		note(10, 42, 1), // closed hat: no sample, goes to noise
	}
	tr := analysis.Track{Summary: analysis.TrackSummary{Name: "drums", Percussion: true, NoteCount: 2}, Events: events}
	var d diag.List
	asn, err := Assign([]analysis.Track{tr}, DefaultConfig(), idx, &d)
	if err != nil {
		t.Fatal(err)
	}
	if len(asn.Channels[apu.Dpcm]) != 1 || asn.Channels[apu.Dpcm][0].Note != 0 {
		t.Errorf("Dpcm = %+v, want kick on slot 0", asn.Channels[apu.Dpcm])
	}
	if len(asn.Channels[apu.Noise]) != 1 || asn.Channels[apu.Noise][0].Note != 42 {
		t.Errorf("Noise = %+v, want hat", asn.Channels[apu.Noise])
	}
}

func TestDpcmWinsSimultaneousFrame(t *testing.T) {
	idx := &dpcm.Index{Samples: map[int]dpcm.Sample{0: {SampleBytes: 17, SampleRateIndex: 15}}}
	events := []analysis.NoteEvent{
		note(0, 36, 1), // kick → dpcm
		note(0, 42, 1), // hat on the same frame → shadowed
	}
	tr := analysis.Track{Summary: analysis.TrackSummary{Name: "drums", Percussion: true, NoteCount: 2}, Events: events}
	var d diag.List
	asn, err := Assign([]analysis.Track{tr}, DefaultConfig(), idx, &d)
	if err != nil {
		t.Fatal(err)
	}
	if len(asn.Channels[apu.Noise]) != 0 {
		t.Errorf("Noise = %+v, want empty (dpcm wins)", asn.Channels[apu.Noise])
	}
	if d.Count(diag.DroppedNote) != 1 {
		t.Errorf("dropped-note diagnostics = %d, want 1", d.Count(diag.DroppedNote))
	}
}

func TestValidateCatchesOverlap(t *testing.T) {
	asn := &Assignment{}
	asn.Channels[apu.Pulse1] = []analysis.NoteEvent{note(0, 60, 10), note(5, 62, 10)}
	if err := Validate(asn); err == nil {
		t.Error("Validate accepted overlapping intervals")
	}
}

func TestIdenticalTracksBothPulses(t *testing.T) {
	a := melodicTrack("a", 60, note(0, 60, 30), note(30, 62, 30))
	b := melodicTrack("b", 60, note(0, 60, 30), note(30, 62, 30))
	var d diag.List
	asn, err := Assign([]analysis.Track{a, b}, DefaultConfig(), nil, &d)
	if err != nil {
		t.Fatal(err)
	}
	p1, p2 := asn.Channels[apu.Pulse1], asn.Channels[apu.Pulse2]
	if len(p1) != len(p2) {
		t.Fatalf("lengths differ: %d vs %d", len(p1), len(p2))
	}
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Errorf("event %d differs: %+v vs %+v", i, p1[i], p2[i])
		}
	}
}
