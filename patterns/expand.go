package patterns

import (
	"fmt"

	"midi2nes/apu"
)

// Expand reconstructs the dense timelines from a compressed song. The
// result must equal the frame generator's output cell-for-cell; the
// pipeline checks that before emitting anything.
func Expand(song *Song) ([apu.NumChannels][]apu.FrameCell, error) {
	var out [apu.NumChannels][]apu.FrameCell

	lib := make(map[uint32]Pattern, len(song.Patterns))
	for _, p := range song.Patterns {
		if int(p.Length) != len(p.Cells) {
			return out, fmt.Errorf("pattern %d: length %d with %d cells", p.ID, p.Length, len(p.Cells))
		}
		lib[p.ID] = p
	}

	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		cells := make([]apu.FrameCell, song.TotalFrames)
		silent := ch.SilentCell()
		for i := range cells {
			cells[i] = silent
		}

		for _, ref := range song.Channels[ch].Refs {
			p, ok := lib[ref.PatternID]
			if !ok {
				return out, fmt.Errorf("%s: reference to unknown pattern %d", ch, ref.PatternID)
			}
			if uint64(ref.Frame)+uint64(p.Length) > uint64(song.TotalFrames) {
				return out, fmt.Errorf("%s: reference at frame %d overruns the song", ch, ref.Frame)
			}
			for i, cell := range p.Cells {
				if ref.Transpose != 0 {
					cell = ch.Transpose(cell, ref.Transpose)
				}
				if ref.VolumeDelta != 0 {
					cell = ch.AdjustVolume(cell, ref.VolumeDelta)
				}
				cells[ref.Frame+uint32(i)] = cell
			}
		}
		for _, r := range song.Channels[ch].Residual {
			if r.Frame >= song.TotalFrames {
				return out, fmt.Errorf("%s: residual at frame %d beyond song end", ch, r.Frame)
			}
			cells[r.Frame] = r.Cell
		}
		out[ch] = cells
	}
	return out, nil
}

// ValidateRefs checks the per-channel non-overlap invariant on
// references.
func ValidateRefs(song *Song) error {
	lib := make(map[uint32]Pattern, len(song.Patterns))
	for _, p := range song.Patterns {
		lib[p.ID] = p
	}
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		end := uint32(0)
		for _, ref := range song.Channels[ch].Refs {
			if ref.Frame < end {
				return fmt.Errorf("%s: references overlap at frame %d", ch, ref.Frame)
			}
			end = ref.Frame + uint32(lib[ref.PatternID].Length)
		}
	}
	return nil
}
