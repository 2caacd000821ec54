package mapper

import (
	"sort"

	"midi2nes/analysis"
)

// reduceMonophonic collapses overlapping notes to one voice. When two
// notes overlap the preferred pitch wins; a losing note that already
// started is truncated at the winner's onset.
func reduceMonophonic(events []analysis.NoteEvent, keepHighest bool) []analysis.NoteEvent {
	if len(events) == 0 {
		return nil
	}
	sorted := make([]analysis.NoteEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Frame != sorted[j].Frame {
			return sorted[i].Frame < sorted[j].Frame
		}
		if keepHighest {
			return sorted[i].Note > sorted[j].Note
		}
		return sorted[i].Note < sorted[j].Note
	})

	out := make([]analysis.NoteEvent, 0, len(sorted))
	for _, e := range sorted {
		if len(out) == 0 {
			out = append(out, e)
			continue
		}
		last := &out[len(out)-1]
		if e.Frame >= last.End() {
			out = append(out, e)
			continue
		}
		if !prefer(e.Note, last.Note, keepHighest) {
			continue // the sounding note holds
		}
		if e.Frame == last.Frame {
			*last = e
			continue
		}
		last.Duration = e.Frame - last.Frame
		out = append(out, e)
	}
	return out
}

func prefer(candidate, sounding byte, keepHighest bool) bool {
	if keepHighest {
		return candidate > sounding
	}
	return candidate < sounding
}
