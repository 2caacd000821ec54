// Package simulate models the emitted 6502 driver in Go: it walks the
// serialized song blob exactly the way the assembly does and produces
// frame cells and APU register writes. Tests compare it against the
// frame generator to prove the blob and driver reconstruct the
// timeline bit for bit.
package simulate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"midi2nes/apu"
)

var ErrBadBlob = errors.New("malformed song blob")

const (
	deltaSentinel = 0xFFFF
	deltaSkip     = 0xFFFE
)

// Player decodes one channel set from a song blob.
type Player struct {
	blob        []byte
	TotalFrames uint32
	LoopFrame   uint32

	patternOffs []uint32
	chn         [apu.NumChannels]channelState
}

type channelState struct {
	refOff  uint32
	resOff  uint32
	refWait uint32
	resWait uint32
	refDone bool
	resDone bool

	patOff    uint32
	patRemain int
	transpose int8
	volDelta  int8

	prevNote byte
	sounding bool
}

// NewPlayer parses the blob header and primes every channel, the way
// music_init does.
func NewPlayer(blob []byte) (*Player, error) {
	headerSize := 16 + 8*int(apu.NumChannels)
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadBlob, len(blob))
	}
	p := &Player{
		blob:        blob,
		TotalFrames: binary.LittleEndian.Uint32(blob[0:]),
		LoopFrame:   binary.LittleEndian.Uint32(blob[4:]),
	}
	count := int(binary.LittleEndian.Uint16(blob[8:]))
	tableOff := binary.LittleEndian.Uint32(blob[12:])
	if int(tableOff)+4*count > len(blob) {
		return nil, fmt.Errorf("%w: pattern table overruns blob", ErrBadBlob)
	}
	p.patternOffs = make([]uint32, count)
	for i := 0; i < count; i++ {
		p.patternOffs[i] = binary.LittleEndian.Uint32(blob[int(tableOff)+4*i:])
	}

	for ch := 0; ch < int(apu.NumChannels); ch++ {
		s := &p.chn[ch]
		s.refOff = binary.LittleEndian.Uint32(blob[16+8*ch:])
		s.resOff = binary.LittleEndian.Uint32(blob[20+8*ch:])
		s.prevNote = 0xFF
		if err := p.loadDelta(&s.refOff, &s.refWait, &s.refDone); err != nil {
			return nil, err
		}
		if err := p.loadDelta(&s.resOff, &s.resWait, &s.resDone); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// loadDelta reads one or more wait links, mirroring load_ref_delta:
// $FFFF exhausts the list, $FFFE extends a long gap.
func (p *Player) loadDelta(off *uint32, wait *uint32, done *bool) error {
	total := uint32(0)
	for {
		if int(*off)+2 > len(p.blob) {
			return fmt.Errorf("%w: delta read past end", ErrBadBlob)
		}
		v := binary.LittleEndian.Uint16(p.blob[*off:])
		*off += 2
		switch v {
		case deltaSentinel:
			*done = true
			*wait = 0
			return nil
		case deltaSkip:
			total += deltaSkip
		default:
			*wait = total + uint32(v)
			return nil
		}
	}
}

// Frame decodes the cell every channel plays this frame and advances
// the walk. Frames must be requested in order from zero.
func (p *Player) Frame() ([apu.NumChannels]apu.FrameCell, error) {
	var cells [apu.NumChannels]apu.FrameCell
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		cell, err := p.channelFrame(ch)
		if err != nil {
			return cells, err
		}
		cells[ch] = cell
	}
	return cells, nil
}

func (p *Player) channelFrame(ch apu.Channel) (apu.FrameCell, error) {
	s := &p.chn[ch]

	if !s.refDone {
		if s.refWait == 0 {
			if err := p.startReference(ch); err != nil {
				return apu.FrameCell{}, err
			}
		} else {
			s.refWait--
		}
	}

	// The residual countdown ticks every frame; a hit can only land on
	// an uncovered frame, or the blob is corrupt.
	resHit := false
	if !s.resDone {
		if s.resWait == 0 {
			resHit = true
		} else {
			s.resWait--
		}
	}

	if s.patRemain > 0 {
		if resHit {
			return apu.FrameCell{}, fmt.Errorf("%w: %s residual inside a reference span", ErrBadBlob, ch)
		}
		s.patRemain--
		return p.readPatternCell(ch)
	}

	if resHit {
		cell, err := p.readResidualCell(ch)
		if err != nil {
			return apu.FrameCell{}, err
		}
		if err := p.loadDelta(&s.resOff, &s.resWait, &s.resDone); err != nil {
			return apu.FrameCell{}, err
		}
		return cell, nil
	}
	return ch.SilentCell(), nil
}

func (p *Player) startReference(ch apu.Channel) error {
	s := &p.chn[ch]
	if int(s.refOff)+4 > len(p.blob) {
		return fmt.Errorf("%w: reference read past end", ErrBadBlob)
	}
	id := binary.LittleEndian.Uint16(p.blob[s.refOff:])
	s.transpose = int8(p.blob[s.refOff+2])
	s.volDelta = int8(p.blob[s.refOff+3])
	s.refOff += 4

	if int(id) >= len(p.patternOffs) {
		return fmt.Errorf("%w: pattern id %d out of table", ErrBadBlob, id)
	}
	rec := p.patternOffs[id]
	if int(rec) >= len(p.blob) {
		return fmt.Errorf("%w: pattern record past end", ErrBadBlob)
	}
	s.patRemain = int(p.blob[rec])
	s.patOff = rec + 1

	return p.loadDelta(&s.refOff, &s.refWait, &s.refDone)
}

func (p *Player) readPatternCell(ch apu.Channel) (apu.FrameCell, error) {
	s := &p.chn[ch]
	cell, err := p.readCell(ch, s.patOff)
	if err != nil {
		return cell, err
	}
	s.patOff += apu.CellSize

	// Transpose before the table lookup, then the volume nibble.
	if s.transpose != 0 && cell.Active && (ch == apu.Pulse1 || ch == apu.Pulse2 || ch == apu.Triangle) {
		note := int(cell.Note) + int(s.transpose)
		cell.Note = byte(note)
		cell.Timer = ch.Timer(cell.Note)
	}
	if s.volDelta != 0 && cell.Active && ch.HasVolumeControl() {
		v := int(cell.Control&0x0F) + int(s.volDelta)
		if v < 0 {
			v = 0
		}
		if v > 15 {
			v = 15
		}
		cell.Control = cell.Control&0xF0 | byte(v)
		cell.Volume = byte(v)
	}
	return cell, nil
}

func (p *Player) readResidualCell(ch apu.Channel) (apu.FrameCell, error) {
	s := &p.chn[ch]
	cell, err := p.readCell(ch, s.resOff)
	if err != nil {
		return cell, err
	}
	s.resOff += apu.CellSize
	return cell, nil
}

func (p *Player) readCell(ch apu.Channel, off uint32) (apu.FrameCell, error) {
	if int(off)+apu.CellSize > len(p.blob) {
		return apu.FrameCell{}, fmt.Errorf("%w: cell read past end", ErrBadBlob)
	}
	var raw [apu.CellSize]byte
	copy(raw[:], p.blob[off:])
	return ch.DecodeCell(raw), nil
}

// Timelines plays the whole blob and returns the dense timelines.
func Timelines(blob []byte) ([apu.NumChannels][]apu.FrameCell, uint32, error) {
	var out [apu.NumChannels][]apu.FrameCell
	p, err := NewPlayer(blob)
	if err != nil {
		return out, 0, err
	}
	for ch := range out {
		out[ch] = make([]apu.FrameCell, p.TotalFrames)
	}
	for f := uint32(0); f < p.TotalFrames; f++ {
		cells, err := p.Frame()
		if err != nil {
			return out, 0, err
		}
		for ch := range cells {
			out[ch][f] = cells[ch]
		}
	}
	return out, p.TotalFrames, nil
}
