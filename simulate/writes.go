package simulate

import "midi2nes/apu"

// Write is one APU register store.
type Write struct {
	Addr  uint16
	Value byte
}

// FrameWrites plays one frame and returns the register writes the
// driver performs for it, in the driver's order: timer-low,
// timer-high+length, control.
func (p *Player) FrameWrites() ([]Write, error) {
	cells, err := p.Frame()
	if err != nil {
		return nil, err
	}
	var writes []Write
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		writes = append(writes, p.cellWrites(ch, cells[ch])...)
	}
	return writes, nil
}

func (p *Player) cellWrites(ch apu.Channel, cell apu.FrameCell) []Write {
	s := &p.chn[ch]
	base := ch.RegisterBase()

	if !cell.Active {
		if !s.sounding {
			return nil
		}
		s.sounding = false
		s.prevNote = 0xFF
		if ch == apu.Dpcm {
			return []Write{{apu.Status, 0x0F}}
		}
		return []Write{{base, ch.SilentControl()}}
	}

	if ch == apu.Dpcm {
		// The ROM driver writes the sample table operands here; the
		// model substitutes the slot index, which the tables are keyed
		// by, so write sequences stay comparable.
		s.sounding = true
		return []Write{
			{apu.DpcmControl, cell.Control},
			{apu.DpcmAddress, cell.Note},
			{apu.DpcmLength, 0x00},
			{apu.Status, 0x0F},
			{apu.Status, 0x1F},
		}
	}

	var writes []Write
	if cell.Retrigger || cell.Note != s.prevNote {
		switch ch {
		case apu.Pulse1, apu.Pulse2, apu.Triangle:
			t := ch.Timer(cell.Note)
			writes = append(writes,
				Write{timerLoAddr(ch), byte(t)},
				Write{timerHiAddr(ch), byte(t>>8) | 0xF8})
		case apu.Noise:
			writes = append(writes,
				Write{apu.NoisePeriodReg, cell.Note},
				Write{apu.NoiseLength, 0xF8})
		}
	}
	s.prevNote = cell.Note
	s.sounding = true
	return append(writes, Write{base, cell.Control})
}

func timerLoAddr(ch apu.Channel) uint16 {
	switch ch {
	case apu.Pulse1:
		return apu.Pulse1TimerLo
	case apu.Pulse2:
		return apu.Pulse2TimerLo
	case apu.Triangle:
		return apu.TriangleTimerLo
	}
	return apu.NoisePeriodReg
}

func timerHiAddr(ch apu.Channel) uint16 {
	switch ch {
	case apu.Pulse1:
		return apu.Pulse1TimerHi
	case apu.Pulse2:
		return apu.Pulse2TimerHi
	case apu.Triangle:
		return apu.TriangleTimerHi
	}
	return apu.NoiseLength
}
