package patterns

import (
	"sort"

	"midi2nes/apu"
	"midi2nes/diag"
	"midi2nes/frames"
)

const stage = "patterns"

// libEntry is a pattern under construction, before IDs exist.
type libEntry struct {
	key          string
	cells        []apu.FrameCell
	firstFrame   uint32
	firstChannel apu.Channel
	id           uint32
	refCount     int
}

type buildRef struct {
	channel     apu.Channel
	frame       uint32
	entry       *libEntry
	transpose   int8
	volumeDelta int8
}

type builder struct {
	cfg     Config
	diags   *diag.List
	lib     map[string]*libEntry
	entries []*libEntry // insertion order
	refs    []buildRef
}

// Detect compresses every channel timeline against one shared pattern
// library. It cannot fail: when nothing repeats, the all-residual form
// is the output.
func Detect(set *frames.Set, cfg Config, diags *diag.List) *Song {
	b := &builder{cfg: cfg, diags: diags, lib: make(map[string]*libEntry)}

	covered := [apu.NumChannels][]bool{}
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		cells := set.Timelines[ch].Cells
		covered[ch] = make([]bool, len(cells))
		if cfg.Disabled || len(cells) < cfg.MinLength*2 {
			continue
		}
		if len(cells) > cfg.SampleCap {
			b.detectSampled(ch, cells, covered[ch])
		} else {
			b.detectFull(ch, cells, covered[ch])
		}
	}

	if cfg.Variations {
		b.mergeVariations()
	}
	b.assignIDs()

	song := &Song{TotalFrames: set.TotalFrames, LoopFrame: NoLoop}
	for _, e := range b.entries {
		if e.refCount == 0 {
			continue
		}
		song.Patterns = append(song.Patterns, Pattern{ID: e.id, Length: uint16(len(e.cells)), Cells: e.cells})
	}
	sort.Slice(song.Patterns, func(i, j int) bool { return song.Patterns[i].ID < song.Patterns[j].ID })

	for _, r := range b.refs {
		song.Channels[r.channel].Refs = append(song.Channels[r.channel].Refs, Reference{
			Frame: r.frame, PatternID: r.entry.id, Transpose: r.transpose, VolumeDelta: r.volumeDelta,
		})
	}
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		refs := song.Channels[ch].Refs
		sort.Slice(refs, func(i, j int) bool { return refs[i].Frame < refs[j].Frame })
		song.Channels[ch].Residual = residualFor(ch, set.Timelines[ch].Cells, covered[ch])
	}
	return song
}

// detectFull runs candidate enumeration, scoring and greedy selection
// over the whole timeline.
func (b *builder) detectFull(ch apu.Channel, cells []apu.FrameCell, covered []bool) {
	buckets := b.enumerate(ch, cells)
	cands := scoreCandidates(buckets, b.cfg)

	for _, c := range cands {
		length := c.length
		var accepted []int
		lastEnd := -1
		for _, pos := range c.positions {
			if pos < lastEnd || rangeCovered(covered, pos, length) {
				continue
			}
			accepted = append(accepted, pos)
			lastEnd = pos + length
		}
		// One surviving occurrence compresses worse than residual.
		if len(accepted) < 2 {
			continue
		}
		entry := b.intern(c.key, cells[accepted[0]:accepted[0]+length], ch, uint32(accepted[0]))
		for _, pos := range accepted {
			markCovered(covered, pos, length)
			b.addRef(ch, uint32(pos), entry)
		}
	}
}

// detectSampled caps compute on long timelines: the library is learned
// from stratified sample windows, then applied to the full timeline as
// a dictionary pass.
func (b *builder) detectSampled(ch apu.Channel, cells []apu.FrameCell, covered []bool) {
	trial := b.sampleLibrary(ch, cells)
	if len(trial) == 0 {
		return
	}

	// Index trial patterns by first cell, longest first so the greedy
	// match is maximal.
	index := make(map[[8]byte][]*trialPattern)
	for _, tp := range trial {
		k := cellKey(tp.cells[0])
		index[k] = append(index[k], tp)
	}
	for _, tps := range index {
		sort.SliceStable(tps, func(i, j int) bool {
			if len(tps[i].cells) != len(tps[j].cells) {
				return len(tps[i].cells) > len(tps[j].cells)
			}
			return tps[i].key < tps[j].key
		})
	}

	type use struct {
		pos int
		tp  *trialPattern
	}
	var uses []use
	for pos := 0; pos < len(cells); {
		var matched *trialPattern
		for _, tp := range index[cellKey(cells[pos])] {
			if pos+len(tp.cells) <= len(cells) && cellsEqual(cells[pos:pos+len(tp.cells)], tp.cells) {
				matched = tp
				break
			}
		}
		if matched == nil {
			pos++
			continue
		}
		uses = append(uses, use{pos, matched})
		matched.uses++
		pos += len(matched.cells)
	}

	for _, u := range uses {
		if u.tp.uses < 2 {
			continue
		}
		length := len(u.tp.cells)
		entry := b.intern(u.tp.key, u.tp.cells, ch, uint32(u.pos))
		markCovered(covered, u.pos, length)
		b.addRef(ch, uint32(u.pos), entry)
	}
}

type trialPattern struct {
	key   string
	cells []apu.FrameCell
	uses  int
}

// sampleLibrary enumerates candidates over evenly spaced windows whose
// combined size stays at the sample cap.
func (b *builder) sampleLibrary(ch apu.Channel, cells []apu.FrameCell) []*trialPattern {
	const window = 1500
	numWindows := b.cfg.SampleCap / window
	if numWindows < 1 {
		numWindows = 1
	}
	stride := len(cells) / numWindows

	merged := make(map[string][]int)
	for w := 0; w < numWindows; w++ {
		start := w * stride
		end := start + window
		if end > len(cells) {
			end = len(cells)
		}
		for key, positions := range b.enumerate(ch, cells[start:end]) {
			merged[key] = append(merged[key], positions...)
		}
	}

	cands := scoreCandidates(merged, b.cfg)
	trial := make([]*trialPattern, 0, len(cands))
	seen := make(map[string]bool)
	for _, c := range cands {
		if seen[c.key] {
			continue
		}
		seen[c.key] = true
		// Candidate positions are window-relative; only the content
		// matters, taken from the enumeration key.
		trial = append(trial, &trialPattern{key: c.key, cells: c.cells})
	}
	return trial
}

type candidate struct {
	key       string
	length    int
	positions []int
	cells     []apu.FrameCell
	gain      int
}

// scoreCandidates keeps the buckets whose compression gain is positive,
// ordered for deterministic greedy selection: gain, then length (longer
// wins ties), then first position, then content.
//
// Candidates with a proper internal period are dropped: a run of k
// repeats is better expressed as k references to the primitive pattern,
// and keeping the multiples would shadow it during greedy selection.
func scoreCandidates(buckets map[string][]int, cfg Config) []*candidate {
	var cands []*candidate
	for key, positions := range buckets {
		if len(positions) < 2 {
			continue
		}
		if !primitive(key) {
			continue
		}
		sort.Ints(positions)
		length := len(key) / 8
		occ := len(positions)
		gain := occ*length - length - cfg.RefOverhead*occ
		if gain <= 0 {
			continue
		}
		cands = append(cands, &candidate{key: key, length: length, positions: positions, gain: gain})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].gain != cands[j].gain {
			return cands[i].gain > cands[j].gain
		}
		if cands[i].length != cands[j].length {
			return cands[i].length > cands[j].length
		}
		if cands[i].positions[0] != cands[j].positions[0] {
			return cands[i].positions[0] < cands[j].positions[0]
		}
		return cands[i].key < cands[j].key
	})
	for _, c := range cands {
		c.cells = decodeKey(c.key)
	}
	return cands
}

// primitive reports whether the keyed cell run has no period shorter
// than itself (cells[i] == cells[i-p] for all i would make p a period).
func primitive(key string) bool {
	length := len(key) / 8
	for p := 1; p < length; p++ {
		if key[p*8:] == key[:len(key)-p*8] {
			return false
		}
	}
	return true
}

// decodeKey rebuilds the cell run from an enumeration key.
func decodeKey(key string) []apu.FrameCell {
	n := len(key) / 8
	cells := make([]apu.FrameCell, n)
	for i := 0; i < n; i++ {
		b := key[i*8 : i*8+8]
		cells[i] = apu.FrameCell{
			Active:    b[0]&1 != 0,
			Retrigger: b[0]&2 != 0,
			Note:      b[1],
			Volume:    b[2],
			Control:   b[3],
			Timer:     uint16(b[4]) | uint16(b[5])<<8,
		}
	}
	return cells
}

func (b *builder) intern(key string, cells []apu.FrameCell, ch apu.Channel, frame uint32) *libEntry {
	if e, ok := b.lib[key]; ok {
		return e
	}
	own := make([]apu.FrameCell, len(cells))
	copy(own, cells)
	e := &libEntry{key: key, cells: own, firstFrame: frame, firstChannel: ch}
	b.lib[key] = e
	b.entries = append(b.entries, e)
	return e
}

func (b *builder) addRef(ch apu.Channel, frame uint32, entry *libEntry) {
	entry.refCount++
	if frame < entry.firstFrame || (frame == entry.firstFrame && ch < entry.firstChannel) {
		entry.firstFrame = frame
		entry.firstChannel = ch
	}
	b.refs = append(b.refs, buildRef{channel: ch, frame: frame, entry: entry})
}

// assignIDs numbers patterns in canonical order: ascending length, then
// first use. Worker scheduling never reaches this ordering.
func (b *builder) assignIDs() {
	live := make([]*libEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.refCount > 0 {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		if len(live[i].cells) != len(live[j].cells) {
			return len(live[i].cells) < len(live[j].cells)
		}
		if live[i].firstFrame != live[j].firstFrame {
			return live[i].firstFrame < live[j].firstFrame
		}
		if live[i].firstChannel != live[j].firstChannel {
			return live[i].firstChannel < live[j].firstChannel
		}
		return live[i].key < live[j].key
	})
	for i, e := range live {
		e.id = uint32(i)
	}
}

func residualFor(ch apu.Channel, cells []apu.FrameCell, covered []bool) []Residual {
	silent := ch.SilentCell()
	var residual []Residual
	for f, cell := range cells {
		if covered[f] || cell == silent {
			continue
		}
		residual = append(residual, Residual{Frame: uint32(f), Cell: cell})
	}
	return residual
}

func rangeCovered(covered []bool, pos, length int) bool {
	for i := pos; i < pos+length; i++ {
		if covered[i] {
			return true
		}
	}
	return false
}

func markCovered(covered []bool, pos, length int) {
	for i := pos; i < pos+length; i++ {
		covered[i] = true
	}
}
