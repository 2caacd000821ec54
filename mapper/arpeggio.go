package mapper

import (
	"sort"

	"midi2nes/analysis"
)

// arpeggiate replaces each chord with a descending cycle of short
// notes, `rate` frames per step. The cycle restarts at every chord so
// no arpeggio position leaks across chord changes.
func arpeggiate(events []analysis.NoteEvent, rate int) []analysis.NoteEvent {
	if rate < 1 {
		rate = 1
	}
	if len(events) == 0 {
		return nil
	}
	sorted := make([]analysis.NoteEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Frame < sorted[j].Frame })

	// Chords are notes sharing a start frame.
	type chord struct {
		frame uint32
		notes []analysis.NoteEvent
	}
	var chords []chord
	for _, e := range sorted {
		if len(chords) > 0 && chords[len(chords)-1].frame == e.Frame {
			chords[len(chords)-1].notes = append(chords[len(chords)-1].notes, e)
			continue
		}
		chords = append(chords, chord{frame: e.Frame, notes: []analysis.NoteEvent{e}})
	}

	var out []analysis.NoteEvent
	for ci, c := range chords {
		end := c.frame
		for _, n := range c.notes {
			if n.End() > end {
				end = n.End()
			}
		}
		if ci+1 < len(chords) && chords[ci+1].frame < end {
			end = chords[ci+1].frame
		}
		if end <= c.frame {
			end = c.frame + 1
		}

		if len(c.notes) == 1 {
			n := c.notes[0]
			n.Duration = end - c.frame
			out = append(out, n)
			continue
		}

		// Highest note first, matching how chiptune leads voice chords.
		sort.Slice(c.notes, func(i, j int) bool { return c.notes[i].Note > c.notes[j].Note })
		step := 0
		for t := c.frame; t < end; {
			dur := uint32(rate)
			if t+dur > end {
				dur = end - t
			}
			n := c.notes[step%len(c.notes)]
			out = append(out, analysis.NoteEvent{Frame: t, Note: n.Note, Velocity: n.Velocity, Duration: dur})
			t += dur
			step++
		}
	}
	return out
}
