// Package dpcm manages the sample side of the compiler: the drum-kit
// sample index consumed by the channel mapper and code emitter, and a
// WAV-to-DPCM converter for building indexes from recordings.
package dpcm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

var ErrInvalidIndex = errors.New("invalid dpcm index")

// MaxSampleBytes is the largest DPCM sample the APU can address.
const MaxSampleBytes = 4081

// Sample describes one pre-encoded DPCM sample. The audio bytes live in
// the caller-supplied sample bank; the compiler only references them.
type Sample struct {
	SampleBytes     int  `json:"sample_bytes"`
	SampleRateIndex int  `json:"sample_rate_index"`
	LoopFlag        bool `json:"loop_flag"`
}

// Index maps drum-kit slots to samples.
type Index struct {
	Samples map[int]Sample
}

// LoadIndex reads and validates a JSON sample index.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	idx, err := ParseIndex(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return idx, nil
}

// ParseIndex decodes a sample index from JSON.
func ParseIndex(data []byte) (*Index, error) {
	samples := make(map[int]Sample)
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIndex, err)
	}
	for slot, s := range samples {
		if slot < 0 || slot > 63 {
			return nil, fmt.Errorf("%w: slot %d out of range", ErrInvalidIndex, slot)
		}
		if s.SampleBytes <= 0 || s.SampleBytes > MaxSampleBytes {
			return nil, fmt.Errorf("%w: slot %d: sample_bytes %d", ErrInvalidIndex, slot, s.SampleBytes)
		}
		if (s.SampleBytes-1)%16 != 0 {
			return nil, fmt.Errorf("%w: slot %d: sample_bytes must be 16n+1", ErrInvalidIndex, slot)
		}
		if s.SampleRateIndex < 0 || s.SampleRateIndex > 15 {
			return nil, fmt.Errorf("%w: slot %d: sample_rate_index %d", ErrInvalidIndex, slot, s.SampleRateIndex)
		}
	}
	return &Index{Samples: samples}, nil
}

// Slots returns the populated slots in ascending order.
func (idx *Index) Slots() []int {
	slots := make([]int, 0, len(idx.Samples))
	for slot := range idx.Samples {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

// General MIDI percussion notes mapped onto drum-kit slots. Several GM
// notes share a slot: the NES kit is far smaller than a GM kit.
var gmDrumSlots = map[byte]int{
	35: 0, 36: 0, // kicks
	38: 1, 40: 1, // snares
	37: 1, // side stick
	42: 2, 44: 2, // closed / pedal hat
	46: 3, // open hat
	49: 4, 57: 4, // crashes
	51: 5, 59: 5, // rides
	41: 6, 43: 6, 45: 6, // low toms
	47: 7, 48: 7, 50: 7, // high toms
}

// SlotFor resolves a GM drum note to a populated sample slot. A nil
// index never matches, routing every hit to the noise channel.
func (idx *Index) SlotFor(drumNote byte) (int, bool) {
	if idx == nil {
		return 0, false
	}
	slot, ok := gmDrumSlots[drumNote]
	if !ok {
		return 0, false
	}
	if _, ok := idx.Samples[slot]; !ok {
		return 0, false
	}
	return slot, true
}
