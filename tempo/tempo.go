// Package tempo converts between MIDI tick time and the 60 Hz frame grid.
package tempo

import (
	"errors"
	"fmt"
	"sort"

	"midi2nes/apu"
)

// DefaultMicrosPerQuarter is the MIDI default tempo: 120 BPM.
const DefaultMicrosPerQuarter = 500000

var ErrInvalidTempoMap = errors.New("invalid tempo map")

// Entry is one tempo change. The first entry of a map must sit at tick 0.
type Entry struct {
	Tick             uint32
	MicrosPerQuarter uint32
}

// Map is a piecewise-linear, monotone mapping from MIDI ticks to frames.
//
// Frame positions are computed from exactly accumulated tick×tempo
// products with a single division per lookup. Accumulating rounded
// per-segment frame counts instead would drift audibly over long pieces.
type Map struct {
	ticksPerQuarter uint32
	segments        []segment
}

type segment struct {
	tick     uint32
	tempo    uint64 // microseconds per quarter
	cumMicro uint64 // exact microseconds×tpq elapsed before this segment
}

// Build validates the entries and precomputes the segment table.
func Build(entries []Entry, ticksPerQuarter uint32) (*Map, error) {
	if ticksPerQuarter == 0 {
		return nil, fmt.Errorf("%w: zero ticks per quarter", ErrInvalidTempoMap)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no tempo entries", ErrInvalidTempoMap)
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tick < sorted[j].Tick })
	if sorted[0].Tick != 0 {
		return nil, fmt.Errorf("%w: initial tempo missing at tick 0", ErrInvalidTempoMap)
	}

	m := &Map{ticksPerQuarter: ticksPerQuarter}
	var cum uint64
	for i, e := range sorted {
		if e.MicrosPerQuarter == 0 {
			return nil, fmt.Errorf("%w: non-positive tempo at tick %d", ErrInvalidTempoMap, e.Tick)
		}
		if i > 0 {
			prev := &m.segments[len(m.segments)-1]
			if e.Tick == prev.tick {
				// A later change at the same tick supersedes the earlier one.
				prev.tempo = uint64(e.MicrosPerQuarter)
				continue
			}
			cum += uint64(e.Tick-prev.tick) * prev.tempo
		}
		m.segments = append(m.segments, segment{tick: e.Tick, tempo: uint64(e.MicrosPerQuarter), cumMicro: cum})
	}
	return m, nil
}

// segmentAt returns the last segment starting at or before tick.
func (m *Map) segmentAt(tick uint32) segment {
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].tick > tick })
	return m.segments[i-1]
}

// TickToFrame maps a tick to its frame index, rounding half to even so
// rounding bias cannot accumulate into drift.
func (m *Map) TickToFrame(tick uint32) uint32 {
	s := m.segmentAt(tick)
	micro := s.cumMicro + uint64(tick-s.tick)*s.tempo
	return uint32(roundTiesEven(micro*apu.FrameRate, 1_000_000*uint64(m.ticksPerQuarter)))
}

// FrameToTick is a right inverse of TickToFrame to within one tick.
func (m *Map) FrameToTick(frame uint32) uint32 {
	// Exact microseconds×tpq at the frame boundary.
	target := uint64(frame) * 1_000_000 * uint64(m.ticksPerQuarter) / apu.FrameRate
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].cumMicro > target })
	s := m.segments[i-1]
	tick := uint64(s.tick) + roundTiesEven(target-s.cumMicro, s.tempo)
	if tick > 0xFFFFFFFF {
		tick = 0xFFFFFFFF
	}
	return uint32(tick)
}

// TempoAt returns the microseconds-per-quarter active at a tick.
func (m *Map) TempoAt(tick uint32) uint32 {
	return uint32(m.segmentAt(tick).tempo)
}

func roundTiesEven(num, den uint64) uint64 {
	q := num / den
	r := num % den
	switch {
	case 2*r < den:
		return q
	case 2*r > den:
		return q + 1
	case q%2 == 0:
		return q
	default:
		return q + 1
	}
}
