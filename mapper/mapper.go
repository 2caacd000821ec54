// Package mapper projects normalised MIDI tracks onto the five NES
// channels and reduces polyphony to the hardware's one note per voice.
package mapper

import (
	"errors"
	"fmt"
	"sort"

	"midi2nes/analysis"
	"midi2nes/apu"
	"midi2nes/diag"
	"midi2nes/dpcm"
)

var ErrUnassignableTrack = errors.New("unassignable track")

const stage = "map"

// Strategy selects how polyphony inside one assigned track collapses to
// a monophonic line.
type Strategy int

const (
	// StrategyPriority keeps one note per overlap: the highest pitch on
	// the pulse channels, the lowest on the triangle.
	StrategyPriority Strategy = iota
	// StrategyPitchSplit partitions one wide polyphonic track across
	// Pulse1/Pulse2/Triangle by register.
	StrategyPitchSplit
	// StrategyArpeggio cycles through chord notes at a fixed rate.
	StrategyArpeggio
)

// TrackConfig carries per-track user hints.
type TrackConfig struct {
	Strategy      Strategy
	Required      bool
	ForceChannel  apu.Channel // valid when HasForce
	HasForce      bool
	PriorityBoost float64
	ArpRate       int // frames per arpeggio step; 0 = Config default
}

// Config tunes the assignment pass.
type Config struct {
	SplitHigh byte // notes at or above go to Pulse1
	SplitLow  byte // notes below go to Triangle; between goes to Pulse2
	ArpRate   int  // default frames per arpeggio step
	Tracks    map[string]TrackConfig
}

// DefaultConfig matches the documented defaults: split at MIDI 60/48,
// one frame per arpeggio note.
func DefaultConfig() Config {
	return Config{SplitHigh: 60, SplitLow: 48, ArpRate: 1}
}

func (c Config) trackConfig(name string) TrackConfig {
	tc := c.Tracks[name]
	if tc.ArpRate == 0 {
		tc.ArpRate = c.ArpRate
	}
	if tc.ArpRate == 0 {
		tc.ArpRate = 1
	}
	return tc
}

// Assignment holds, per NES channel, the monophonic note list after
// reduction. Within a channel no two note intervals overlap.
type Assignment struct {
	Channels [apu.NumChannels][]analysis.NoteEvent
}

// Assign routes tracks to channels. Percussion tracks go to Noise/DPCM,
// melodic tracks to the tonal channels by priority. samples may be nil.
func Assign(tracks []analysis.Track, cfg Config, samples *dpcm.Index, diags *diag.List) (*Assignment, error) {
	asn := &Assignment{}

	var melodic, percussion []analysis.Track
	for _, tr := range tracks {
		if len(tr.Events) == 0 {
			continue
		}
		tc := cfg.trackConfig(tr.Summary.Name)
		if tc.HasForce {
			if err := assignForced(asn, tr, tc, cfg, samples, diags); err != nil {
				return nil, err
			}
			continue
		}
		if tr.Summary.Percussion {
			percussion = append(percussion, tr)
		} else {
			melodic = append(melodic, tr)
		}
	}

	if err := assignMelodic(asn, melodic, cfg, diags); err != nil {
		return nil, err
	}
	assignPercussion(asn, percussion, samples, diags)

	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		sortEvents(asn.Channels[ch])
	}
	return asn, nil
}

// priorityScore ranks melodic tracks for channel assignment: pitch
// centroid dominates, note density breaks ties, user hints override.
func priorityScore(s analysis.TrackSummary, tc TrackConfig) float64 {
	return s.AveragePitch + 0.5*s.NoteDensity + tc.PriorityBoost
}

func assignMelodic(asn *Assignment, melodic []analysis.Track, cfg Config, diags *diag.List) error {
	if len(melodic) == 0 {
		return nil
	}

	// A lone polyphonic track spanning the registers is split by pitch
	// band rather than thinned to one voice.
	if len(melodic) == 1 {
		tr := melodic[0]
		tc := cfg.trackConfig(tr.Summary.Name)
		wide := tr.Summary.MaxNote >= cfg.SplitHigh && tr.Summary.MinNote < cfg.SplitLow
		if tc.Strategy == StrategyPitchSplit || (tc.Strategy == StrategyPriority && tr.Summary.MaxConcurrent > 1 && wide) {
			splitByPitch(asn, tr.Events, cfg)
			return nil
		}
	}

	sorted := make([]analysis.Track, len(melodic))
	copy(sorted, melodic)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci := cfg.trackConfig(sorted[i].Summary.Name)
		cj := cfg.trackConfig(sorted[j].Summary.Name)
		return priorityScore(sorted[i].Summary, ci) > priorityScore(sorted[j].Summary, cj)
	})

	// Highest priority leads on Pulse1, next on Pulse2; the bass line
	// (lowest centroid of the rest) takes the triangle.
	targets := make(map[int]apu.Channel)
	if len(sorted) > 0 {
		targets[0] = apu.Pulse1
	}
	if len(sorted) > 1 {
		targets[1] = apu.Pulse2
	}
	if len(sorted) > 2 {
		lowest := 2
		for i := 3; i < len(sorted); i++ {
			if sorted[i].Summary.AveragePitch < sorted[lowest].Summary.AveragePitch {
				lowest = i
			}
		}
		targets[lowest] = apu.Triangle
	}

	for i, tr := range sorted {
		ch, ok := targets[i]
		tc := cfg.trackConfig(tr.Summary.Name)
		if !ok {
			if tc.Required {
				return fmt.Errorf("%w: %s: no free channel", ErrUnassignableTrack, tr.Summary.Name)
			}
			diags.Addf(stage, diag.DroppedTrack, "%s: no free melodic channel", tr.Summary.Name)
			continue
		}
		asn.Channels[ch] = append(asn.Channels[ch], reduceTrack(tr.Events, ch, tc)...)
	}
	return nil
}

func assignForced(asn *Assignment, tr analysis.Track, tc TrackConfig, cfg Config, samples *dpcm.Index, diags *diag.List) error {
	ch := tc.ForceChannel
	switch ch {
	case apu.Noise, apu.Dpcm:
		assignPercussion(asn, []analysis.Track{tr}, samples, diags)
	case apu.Pulse1, apu.Pulse2, apu.Triangle:
		asn.Channels[ch] = append(asn.Channels[ch], reduceTrack(tr.Events, ch, tc)...)
	default:
		if tc.Required {
			return fmt.Errorf("%w: %s: invalid forced channel", ErrUnassignableTrack, tr.Summary.Name)
		}
		diags.Addf(stage, diag.DroppedTrack, "%s: invalid forced channel", tr.Summary.Name)
	}
	return nil
}

// splitByPitch implements the pitch-range strategy: high notes to
// Pulse1, mid to Pulse2, bass to Triangle, each band then reduced.
func splitByPitch(asn *Assignment, events []analysis.NoteEvent, cfg Config) {
	var high, mid, low []analysis.NoteEvent
	for _, e := range events {
		switch {
		case e.Note >= cfg.SplitHigh:
			high = append(high, e)
		case e.Note >= cfg.SplitLow:
			mid = append(mid, e)
		default:
			low = append(low, e)
		}
	}
	asn.Channels[apu.Pulse1] = append(asn.Channels[apu.Pulse1], reduceMonophonic(high, true)...)
	asn.Channels[apu.Pulse2] = append(asn.Channels[apu.Pulse2], reduceMonophonic(mid, true)...)
	asn.Channels[apu.Triangle] = append(asn.Channels[apu.Triangle], reduceMonophonic(low, false)...)
}

func reduceTrack(events []analysis.NoteEvent, ch apu.Channel, tc TrackConfig) []analysis.NoteEvent {
	switch tc.Strategy {
	case StrategyArpeggio:
		return arpeggiate(events, tc.ArpRate)
	default:
		// The triangle is the bass voice: overlaps keep the lowest note.
		return reduceMonophonic(events, ch != apu.Triangle)
	}
}

func assignPercussion(asn *Assignment, tracks []analysis.Track, samples *dpcm.Index, diags *diag.List) {
	var noise, dpcmEvents []analysis.NoteEvent
	for _, tr := range tracks {
		for _, e := range tr.Events {
			if slot, ok := samples.SlotFor(e.Note); ok {
				dpcmEvents = append(dpcmEvents, analysis.NoteEvent{
					Frame: e.Frame, Note: byte(slot), Velocity: e.Velocity, Duration: e.Duration,
				})
			} else {
				noise = append(noise, e)
			}
		}
	}

	dpcmEvents = reduceMonophonic(dpcmEvents, true)

	// DPCM wins when both voices trigger on the same frame.
	dpcmStarts := make(map[uint32]bool, len(dpcmEvents))
	for _, e := range dpcmEvents {
		dpcmStarts[e.Frame] = true
	}
	kept := noise[:0]
	for _, e := range noise {
		if dpcmStarts[e.Frame] {
			diags.Addf(stage, diag.DroppedNote, "noise hit at frame %d shadowed by dpcm", e.Frame)
			continue
		}
		kept = append(kept, e)
	}
	asn.Channels[apu.Noise] = append(asn.Channels[apu.Noise], reduceMonophonic(kept, true)...)
	asn.Channels[apu.Dpcm] = append(asn.Channels[apu.Dpcm], dpcmEvents...)
}

func sortEvents(events []analysis.NoteEvent) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Frame < events[j].Frame })
}

// Validate checks the per-channel disjointness invariant. A violation is
// a bug in this package, surfaced by the pipeline as an internal error.
func Validate(asn *Assignment) error {
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		events := asn.Channels[ch]
		for i := 1; i < len(events); i++ {
			if events[i].Frame < events[i-1].End() {
				return fmt.Errorf("%s: note intervals overlap at frame %d", ch, events[i].Frame)
			}
		}
	}
	return nil
}
