// Package emit serialises the compiled song into the binary blob, the
// CA65 assembly source with the playback driver, and the linker
// configuration for the chosen cartridge mapper.
package emit

import (
	"encoding/binary"
	"fmt"

	"midi2nes/apu"
	"midi2nes/patterns"
)

// Blob layout, little-endian throughout:
//
//	+0  u32 total_frames
//	+4  u32 loop_frame        ($FFFFFFFF = no loop)
//	+8  u16 pattern_count
//	+10 u16 reserved
//	+12 u32 pattern_table_off
//	+16 per channel: u32 ref_list_off, u32 residual_off  (5 channels)
//	then the pattern table (u32 per pattern), pattern records,
//	reference lists and residual lists.
//
// Pattern record: u8 length, then length 4-byte cells.
// Reference record: u16 frame_delta, u16 pattern_id, i8 transpose,
// i8 volume_delta. Residual record: u16 frame_delta, 4-byte cell.
// frame_delta counts the frames the driver waits before the record
// plays: from frame 0 for a list's first record, from the frame after
// the previous record for the others. $FFFF ends a list; $FFFE adds
// 65534 frames to the wait with no event, for gaps a u16 cannot span.
const (
	headerSize = 16 + 8*int(apu.NumChannels)

	RefRecordSize      = 6
	ResidualRecordSize = 6

	deltaSentinel = 0xFFFF
	deltaSkip     = 0xFFFE
)

// Serialize encodes a compiled song as the driver's binary blob.
func Serialize(song *patterns.Song) ([]byte, error) {
	if len(song.Patterns) > 0xFFFF {
		return nil, fmt.Errorf("pattern library too large: %d", len(song.Patterns))
	}

	out := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(out[0:], song.TotalFrames)
	binary.LittleEndian.PutUint32(out[4:], song.LoopFrame)
	binary.LittleEndian.PutUint16(out[8:], uint16(len(song.Patterns)))

	// Pattern table and records.
	binary.LittleEndian.PutUint32(out[12:], uint32(len(out)))
	tableOff := len(out)
	out = append(out, make([]byte, 4*len(song.Patterns))...)
	for i, p := range song.Patterns {
		if uint32(i) != p.ID {
			return nil, fmt.Errorf("pattern table out of order: index %d holds id %d", i, p.ID)
		}
		binary.LittleEndian.PutUint32(out[tableOff+4*i:], uint32(len(out)))
		out = append(out, byte(p.Length))
		ch := patternChannel(song, p.ID)
		for _, cell := range p.Cells {
			enc := ch.EncodeCell(cell)
			out = append(out, enc[:]...)
		}
	}

	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		cc := song.Channels[ch]
		binary.LittleEndian.PutUint32(out[16+8*int(ch):], uint32(len(out)))
		out = appendRefs(out, cc.Refs)
		binary.LittleEndian.PutUint32(out[20+8*int(ch):], uint32(len(out)))
		out = appendResidual(out, ch, cc.Residual)
	}
	return out, nil
}

// patternChannel picks the channel whose encoding rules serialise a
// pattern. Cells are encoded identically wherever their struct content
// is identical, so any referencing channel gives the same bytes; the
// first reference is the canonical choice.
func patternChannel(song *patterns.Song, id uint32) apu.Channel {
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		for _, r := range song.Channels[ch].Refs {
			if r.PatternID == id {
				return ch
			}
		}
	}
	return apu.Pulse1
}

func appendRefs(out []byte, refs []patterns.Reference) []byte {
	from := uint32(0)
	for _, r := range refs {
		delta := r.Frame - from
		for delta >= deltaSkip {
			out = binary.LittleEndian.AppendUint16(out, deltaSkip)
			delta -= deltaSkip
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(delta))
		out = binary.LittleEndian.AppendUint16(out, uint16(r.PatternID))
		out = append(out, byte(r.Transpose), byte(r.VolumeDelta))
		from = r.Frame + 1
	}
	return binary.LittleEndian.AppendUint16(out, deltaSentinel)
}

func appendResidual(out []byte, ch apu.Channel, residual []patterns.Residual) []byte {
	from := uint32(0)
	for _, r := range residual {
		delta := r.Frame - from
		for delta >= deltaSkip {
			out = binary.LittleEndian.AppendUint16(out, deltaSkip)
			delta -= deltaSkip
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(delta))
		enc := ch.EncodeCell(r.Cell)
		out = append(out, enc[:]...)
		from = r.Frame + 1
	}
	return binary.LittleEndian.AppendUint16(out, deltaSentinel)
}
