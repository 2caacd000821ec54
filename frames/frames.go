// Package frames expands the channel assignment into dense per-frame
// APU register state, one cell per channel per 60 Hz tick.
package frames

import (
	"fmt"

	"midi2nes/analysis"
	"midi2nes/apu"
	"midi2nes/diag"
	"midi2nes/dpcm"
	"midi2nes/mapper"
)

const stage = "frames"

// Envelope is an ADSR volume curve in frames. The zero value (Enabled
// false) means constant volume for the whole note.
type Envelope struct {
	Enabled bool
	Attack  int
	Decay   int
	Sustain byte // 0..15
	Release int
}

// Config tunes frame generation.
type Config struct {
	Duty      byte // pulse duty cycle index
	Envelopes [apu.NumChannels]Envelope
}

func DefaultConfig() Config {
	return Config{Duty: apu.DefaultDuty}
}

// Timeline is one channel's dense cell vector, indexed by frame.
type Timeline struct {
	Channel apu.Channel
	Cells   []apu.FrameCell
}

// Set holds all five timelines, each TotalFrames long.
type Set struct {
	TotalFrames uint32
	Timelines   [apu.NumChannels]Timeline
}

// Generate builds the timelines. Notes outside a channel's range are
// octave-shifted in; unshiftable notes are dropped with a diagnostic.
func Generate(asn *mapper.Assignment, cfg Config, samples *dpcm.Index, diags *diag.List) *Set {
	total := uint32(0)
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		for _, e := range asn.Channels[ch] {
			if e.End() > total {
				total = e.End()
			}
		}
	}

	set := &Set{TotalFrames: total}
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		set.Timelines[ch] = generateChannel(ch, asn.Channels[ch], total, cfg, samples, diags)
	}
	return set
}

func generateChannel(ch apu.Channel, events []analysis.NoteEvent, total uint32, cfg Config, samples *dpcm.Index, diags *diag.List) Timeline {
	cells := make([]apu.FrameCell, total)
	silent := ch.SilentCell()
	for i := range cells {
		cells[i] = silent
	}

	for _, e := range events {
		switch ch {
		case apu.Pulse1, apu.Pulse2, apu.Triangle:
			writeTonalNote(ch, e, cells, cfg, diags)
		case apu.Noise:
			writeNoiseNote(e, cells, cfg)
		case apu.Dpcm:
			writeDpcmNote(e, cells, samples, diags)
		}
	}
	return Timeline{Channel: ch, Cells: cells}
}

func writeTonalNote(ch apu.Channel, e analysis.NoteEvent, cells []apu.FrameCell, cfg Config, diags *diag.List) {
	note, ok, shifted := ch.FitNote(e.Note)
	if !ok {
		diags.Addf(stage, diag.PitchOutOfRange, "%s: note %d unplayable, dropped at frame %d", ch, e.Note, e.Frame)
		return
	}
	if shifted {
		diags.Addf(stage, diag.PitchOutOfRange, "%s: note %d shifted to %d at frame %d", ch, e.Note, note, e.Frame)
	}
	timer := ch.Timer(note)
	env := cfg.Envelopes[ch]

	for f := e.Frame; f < e.End() && int(f) < len(cells); f++ {
		offset := int(f - e.Frame)
		cell := apu.FrameCell{
			Active:    true,
			Retrigger: offset == 0,
			Note:      note,
			Timer:     timer,
		}
		if ch == apu.Triangle {
			cell.Volume = 15
			cell.Control = apu.TriangleControl
		} else {
			cell.Volume = noteVolume(env, offset, int(e.Duration), e.Velocity)
			cell.Control = apu.PulseControl(cfg.Duty, cell.Volume)
		}
		cells[f] = cell
	}
}

func writeNoiseNote(e analysis.NoteEvent, cells []apu.FrameCell, cfg Config) {
	period := apu.NoisePeriod(e.Note)
	env := cfg.Envelopes[apu.Noise]
	for f := e.Frame; f < e.End() && int(f) < len(cells); f++ {
		offset := int(f - e.Frame)
		vol := noteVolume(env, offset, int(e.Duration), e.Velocity)
		cells[f] = apu.FrameCell{
			Active:    true,
			Retrigger: offset == 0,
			Note:      period,
			Volume:    vol,
			Control:   apu.NoiseControlByte(vol),
		}
	}
}

// writeDpcmNote marks only the trigger frame: the sample plays itself
// out in hardware, and re-marking every frame would restart it.
func writeDpcmNote(e analysis.NoteEvent, cells []apu.FrameCell, samples *dpcm.Index, diags *diag.List) {
	if samples == nil {
		diags.Addf(stage, diag.DroppedNote, "dpcm: no sample index, hit at frame %d dropped", e.Frame)
		return
	}
	s, ok := samples.Samples[int(e.Note)]
	if !ok {
		diags.Addf(stage, diag.DroppedNote, "dpcm: slot %d unpopulated, hit at frame %d dropped", e.Note, e.Frame)
		return
	}
	if int(e.Frame) >= len(cells) {
		return
	}
	control := byte(s.SampleRateIndex & 0x0F)
	if s.LoopFlag {
		control |= 0x40
	}
	cells[e.Frame] = apu.FrameCell{
		Active:    true,
		Retrigger: true,
		Note:      e.Note,
		Control:   control,
	}
}

// noteVolume is the ADSR value times the velocity scale, clamped to the
// APU's 4-bit range. A disabled envelope is constant velocity volume.
func noteVolume(env Envelope, offset, duration int, velocity byte) byte {
	scaled := int(velocity) / 8
	if scaled > 15 {
		scaled = 15
	}
	if !env.Enabled {
		return byte(scaled)
	}
	curve := adsrValue(env, offset, duration)
	v := curve * scaled / 15
	if v < 0 {
		v = 0
	}
	if v > 15 {
		v = 15
	}
	return byte(v)
}

func adsrValue(env Envelope, offset, duration int) int {
	attackEnd := env.Attack
	decayEnd := attackEnd + env.Decay
	sustainEnd := duration - env.Release

	switch {
	case offset < attackEnd && env.Attack > 0:
		return 15 * offset / env.Attack
	case offset < decayEnd && env.Decay > 0:
		progress := offset - attackEnd
		return 15 - (15-int(env.Sustain))*progress/env.Decay
	case offset < sustainEnd:
		return int(env.Sustain)
	default:
		if env.Release == 0 || sustainEnd >= duration {
			return 0
		}
		progress := offset - sustainEnd
		remaining := env.Release - progress
		if remaining < 0 {
			remaining = 0
		}
		return int(env.Sustain) * remaining / env.Release
	}
}

// Validate checks the generated set against its structural invariants.
func Validate(set *Set) error {
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		tl := set.Timelines[ch]
		if uint32(len(tl.Cells)) != set.TotalFrames {
			return fmt.Errorf("%s: timeline length %d, want %d", ch, len(tl.Cells), set.TotalFrames)
		}
		silent := ch.SilentControl()
		for f, cell := range tl.Cells {
			if !cell.Active && ch != apu.Dpcm && cell.Control != silent {
				return fmt.Errorf("%s: silent frame %d has control $%02X", ch, f, cell.Control)
			}
		}
	}
	return nil
}
