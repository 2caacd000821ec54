package patterns

import (
	"sort"

	"midi2nes/apu"
)

// Variation limits: a merged reference may carry at most an octave of
// transpose and a gentle volume shift.
const (
	maxTransposeDelta = 12
	maxVolumeDelta    = 4
)

// mergeVariations folds patterns that are uniform transposes or volume
// shifts of another pattern into references with deltas. Dropping the
// duplicate pattern record always shrinks the module, because reference
// records carry the delta fields either way.
func (b *builder) mergeVariations() {
	live := make([]*libEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.refCount > 0 {
			live = append(live, e)
		}
	}
	// Canonical scan order so the merge target never depends on map or
	// scheduling order.
	sort.Slice(live, func(i, j int) bool {
		if live[i].firstFrame != live[j].firstFrame {
			return live[i].firstFrame < live[j].firstFrame
		}
		return live[i].key < live[j].key
	})

	type mergeTarget struct {
		base        *libEntry
		transpose   int8
		volumeDelta int8
	}
	merged := make(map[*libEntry]mergeTarget)

	for i, e := range live {
		if _, gone := merged[e]; gone {
			continue
		}
		for j := i + 1; j < len(live); j++ {
			v := live[j]
			if _, gone := merged[v]; gone {
				continue
			}
			if len(v.cells) != len(e.cells) {
				continue
			}
			if t, ok := b.uniformTranspose(e, v); ok {
				merged[v] = mergeTarget{base: e, transpose: t}
				continue
			}
			if d, ok := b.uniformVolume(e, v); ok {
				merged[v] = mergeTarget{base: e, volumeDelta: d}
			}
		}
	}

	if len(merged) == 0 {
		return
	}
	for i := range b.refs {
		r := &b.refs[i]
		if t, ok := merged[r.entry]; ok {
			r.entry.refCount--
			r.entry = t.base
			t.base.refCount++
			r.transpose = t.transpose
			r.volumeDelta = t.volumeDelta
		}
	}
}

// uniformTranspose reports the semitone delta turning base into v, if
// one exists. The check runs through the channel transpose that the
// expander will use, for every channel referencing v, so a merge can
// never change the reconstructed timeline.
func (b *builder) uniformTranspose(base, v *libEntry) (int8, bool) {
	delta := 0
	found := false
	for i := range base.cells {
		bc, vc := base.cells[i], v.cells[i]
		if bc.Active != vc.Active {
			return 0, false
		}
		if !bc.Active {
			if bc != vc {
				return 0, false
			}
			continue
		}
		d := int(vc.Note) - int(bc.Note)
		if !found {
			if d == 0 || d < -maxTransposeDelta || d > maxTransposeDelta {
				return 0, false
			}
			delta, found = d, true
		} else if d != delta {
			return 0, false
		}
	}
	if !found {
		return 0, false
	}
	for _, ch := range b.channelsReferencing(v) {
		for i := range base.cells {
			if ch.Transpose(base.cells[i], int8(delta)) != v.cells[i] {
				return 0, false
			}
		}
	}
	return int8(delta), true
}

func (b *builder) uniformVolume(base, v *libEntry) (int8, bool) {
	delta := 0
	found := false
	for i := range base.cells {
		bc, vc := base.cells[i], v.cells[i]
		if bc.Active != vc.Active || bc.Note != vc.Note {
			return 0, false
		}
		if !bc.Active {
			if bc != vc {
				return 0, false
			}
			continue
		}
		d := int(vc.Volume) - int(bc.Volume)
		if !found {
			if d == 0 || d < -maxVolumeDelta || d > maxVolumeDelta {
				return 0, false
			}
			delta, found = d, true
		} else if d != delta {
			return 0, false
		}
	}
	if !found {
		return 0, false
	}
	for _, ch := range b.channelsReferencing(v) {
		for i := range base.cells {
			if ch.AdjustVolume(base.cells[i], int8(delta)) != v.cells[i] {
				return 0, false
			}
		}
	}
	return int8(delta), true
}

func (b *builder) channelsReferencing(e *libEntry) []apu.Channel {
	var seen [apu.NumChannels]bool
	var out []apu.Channel
	for _, r := range b.refs {
		if r.entry == e && !seen[r.channel] {
			seen[r.channel] = true
			out = append(out, r.channel)
		}
	}
	return out
}
