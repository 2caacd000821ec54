package apu

// FrameCell is the register-level state of one channel at one frame.
// The Note field is channel-relative: a MIDI note for the tonal channels,
// a period index (mode flag in bit 7) for noise, a sample slot for DPCM.
type FrameCell struct {
	Active    bool
	Retrigger bool
	Note      byte
	Volume    byte
	Control   byte
	Timer     uint16
}

// Cell flags in the serialized form.
const (
	cellActive    = 0x01
	cellRetrigger = 0x02
)

// CellSize is the serialized size of one frame cell. Cells are fixed
// width so pattern records can be indexed without scanning.
const CellSize = 4

// SilentCell returns the cell emitted when the channel has no sounding
// note. Pulse control must be $30 and triangle $00 or the previous tone
// bleeds past the note boundary.
func (c Channel) SilentCell() FrameCell {
	return FrameCell{Control: c.SilentControl()}
}

// EncodeCell serialises a cell into its 4-byte wire form:
// flags, control, pitch, aux.
func (c Channel) EncodeCell(cell FrameCell) [CellSize]byte {
	var flags byte
	if cell.Active {
		flags |= cellActive
	}
	if cell.Retrigger {
		flags |= cellRetrigger
	}
	return [CellSize]byte{flags, cell.Control, cell.Note, 0}
}

// DecodeCell is the inverse of EncodeCell. The timer is rebuilt from the
// pitch table, mirroring what the 6502 driver does at playback time.
func (c Channel) DecodeCell(b [CellSize]byte) FrameCell {
	cell := FrameCell{
		Active:    b[0]&cellActive != 0,
		Retrigger: b[0]&cellRetrigger != 0,
		Control:   b[1],
		Note:      b[2],
	}
	if !cell.Active {
		return cell
	}
	switch c {
	case Pulse1, Pulse2, Noise:
		cell.Volume = cell.Control & 0x0F
	case Triangle:
		cell.Volume = 15
	}
	cell.Timer = c.Timer(cell.Note)
	return cell
}

// Transpose shifts a cell's pitch by a signed semitone delta, refitting
// it into the channel's range. Noise and DPCM cells are returned as is.
func (c Channel) Transpose(cell FrameCell, delta int8) FrameCell {
	if delta == 0 || !cell.Active || c == Noise || c == Dpcm {
		return cell
	}
	shifted := int(cell.Note) + int(delta)
	if shifted < 0 {
		shifted = 0
	}
	if shifted > 127 {
		shifted = 127
	}
	note, ok, _ := c.FitNote(byte(shifted))
	if !ok {
		return cell
	}
	cell.Note = note
	cell.Timer = c.Timer(note)
	return cell
}

// AdjustVolume applies a signed volume delta to a cell, rebuilding the
// control byte for channels with a volume field.
func (c Channel) AdjustVolume(cell FrameCell, delta int8) FrameCell {
	if delta == 0 || !cell.Active || !c.HasVolumeControl() {
		return cell
	}
	v := int(cell.Volume) + int(delta)
	if v < 0 {
		v = 0
	}
	if v > 15 {
		v = 15
	}
	cell.Volume = byte(v)
	switch c {
	case Pulse1, Pulse2:
		cell.Control = cell.Control&0xF0 | byte(v)
	case Noise:
		cell.Control = NoiseControlByte(byte(v))
	}
	return cell
}
