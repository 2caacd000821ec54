package apu

import "testing"

func TestPulseTimerMiddleC(t *testing.T) {
	// Middle C is 261.63 Hz; CPU/(16*f)-1 = 426.
	if got := PulseTimer(60); got != 426 {
		t.Errorf("PulseTimer(60) = %d, want 426", got)
	}
}

func TestTriangleOctaveBelowPulse(t *testing.T) {
	// The triangle steps half as fast, so sounding the same note needs
	// roughly half the pulse timer.
	p := PulseTimer(60)
	tr := TriangleTimer(60)
	if tr < p/2-1 || tr > p/2+1 {
		t.Errorf("TriangleTimer(60) = %d, want about %d", tr, p/2)
	}
}

func TestPulseRangeBoundary(t *testing.T) {
	// MIDI 33 (55 Hz) is the lowest pulse note with an 11-bit timer.
	if got := PulseTimer(33); got > maxTimer {
		t.Errorf("PulseTimer(33) = %d exceeds 11 bits", got)
	}
	note, ok, shifted := Pulse1.FitNote(33)
	if !ok || shifted || note != 33 {
		t.Errorf("FitNote(33) = (%d, %v, %v), want (33, true, false)", note, ok, shifted)
	}
	// One semitone below must shift up an octave.
	note, ok, shifted = Pulse1.FitNote(32)
	if !ok || !shifted || note != 44 {
		t.Errorf("FitNote(32) = (%d, %v, %v), want (44, true, true)", note, ok, shifted)
	}
}

func TestFitNoteDeepBass(t *testing.T) {
	note, ok, shifted := Pulse1.FitNote(24)
	if !ok || !shifted || note != 36 {
		t.Errorf("FitNote(24) = (%d, %v, %v), want (36, true, true)", note, ok, shifted)
	}
}

func TestSilentControls(t *testing.T) {
	if got := Pulse1.SilentControl(); got != 0x30 {
		t.Errorf("pulse silent control = $%02X, want $30", got)
	}
	if got := Triangle.SilentControl(); got != 0x00 {
		t.Errorf("triangle silent control = $%02X, want $00", got)
	}
}

func TestPulseControl(t *testing.T) {
	// 50% duty, constant volume, volume 8.
	if got := PulseControl(2, 8); got != 0x98 {
		t.Errorf("PulseControl(2, 8) = $%02X, want $98", got)
	}
	if got := PulseControl(0, 0); got != 0x10 {
		t.Errorf("PulseControl(0, 0) = $%02X, want $10", got)
	}
}

func TestNoisePeriodInverted(t *testing.T) {
	lo, hi, _ := Noise.NoteRange()
	if NoisePeriod(lo) != 15 {
		t.Errorf("lowest note should map to period 15, got %d", NoisePeriod(lo))
	}
	if NoisePeriod(hi) != 0 {
		t.Errorf("highest note should map to period 0, got %d", NoisePeriod(hi))
	}
}

func TestCellRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		ch   Channel
		cell FrameCell
	}{
		{"pulse audible", Pulse1, FrameCell{
			Active: true, Note: 60, Volume: 8,
			Control: PulseControl(DefaultDuty, 8), Timer: PulseTimer(60),
		}},
		{"pulse retrigger", Pulse2, FrameCell{
			Active: true, Retrigger: true, Note: 69, Volume: 15,
			Control: PulseControl(DefaultDuty, 15), Timer: PulseTimer(69),
		}},
		{"pulse silent", Pulse1, Pulse1.SilentCell()},
		{"triangle audible", Triangle, FrameCell{
			Active: true, Note: 48, Volume: 15,
			Control: TriangleControl, Timer: TriangleTimer(48),
		}},
		{"triangle silent", Triangle, Triangle.SilentCell()},
		{"noise", Noise, FrameCell{
			Active: true, Note: NoisePeriod(38), Volume: 12,
			Control: NoiseControlByte(12),
		}},
		{"dpcm", Dpcm, FrameCell{Active: true, Note: 3, Control: 0x0F}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc := tc.ch.EncodeCell(tc.cell)
			dec := tc.ch.DecodeCell(enc)
			if dec != tc.cell {
				t.Errorf("round trip: got %+v, want %+v", dec, tc.cell)
			}
		})
	}
}

func TestTranspose(t *testing.T) {
	cell := FrameCell{Active: true, Note: 60, Volume: 8,
		Control: PulseControl(DefaultDuty, 8), Timer: PulseTimer(60)}
	up := Pulse1.Transpose(cell, 12)
	if up.Note != 72 || up.Timer != PulseTimer(72) {
		t.Errorf("transpose +12: got note %d timer %d", up.Note, up.Timer)
	}
	// Transposing below the range refits by octave shift.
	down := Pulse1.Transpose(cell, -48)
	if down.Note < 33 {
		t.Errorf("transpose -48 left note %d below range", down.Note)
	}
}

func TestAdjustVolume(t *testing.T) {
	cell := FrameCell{Active: true, Note: 60, Volume: 8,
		Control: PulseControl(DefaultDuty, 8), Timer: PulseTimer(60)}
	louder := Pulse1.AdjustVolume(cell, 4)
	if louder.Volume != 12 || louder.Control&0x0F != 12 {
		t.Errorf("volume +4: got vol %d control $%02X", louder.Volume, louder.Control)
	}
	clamped := Pulse1.AdjustVolume(cell, 100)
	if clamped.Volume != 15 {
		t.Errorf("volume clamp: got %d, want 15", clamped.Volume)
	}
	tri := FrameCell{Active: true, Note: 48, Volume: 15, Control: TriangleControl}
	if got := Triangle.AdjustVolume(tri, -4); got != tri {
		t.Errorf("triangle volume must not change: got %+v", got)
	}
}
