package emit

import (
	"fmt"
	"strings"

	"midi2nes/apu"
	"midi2nes/dpcm"
	"midi2nes/patterns"
)

// Options tunes the emitted artifacts.
type Options struct {
	Mapper       Mapper // nil: choose by size
	DebugOverlay bool
	Samples      *dpcm.Index
}

// Output is the pair of artifacts the external toolchain consumes.
type Output struct {
	Assembly     string
	LinkerConfig string
	Mapper       Mapper
	BlobSize     int
}

// maxDriverPatterns is the driver's pattern-id limit: the reference
// decoder indexes the pattern table with an 8-bit id.
const maxDriverPatterns = 256

// Build serialises the song and renders the assembly source plus the
// matching linker configuration.
func Build(song *patterns.Song, opts Options) (*Output, error) {
	if len(song.Patterns) > maxDriverPatterns {
		return nil, fmt.Errorf("%w: %d patterns exceed the driver's table", ErrRomSize, len(song.Patterns))
	}
	blob, err := Serialize(song)
	if err != nil {
		return nil, err
	}

	sampleBytes := totalSampleBytes(opts.Samples)
	m := opts.Mapper
	if m == nil {
		m, err = ChooseMapper(len(blob) + sampleBytes)
		if err != nil {
			return nil, err
		}
	} else if len(blob)+sampleBytes > DataCapacity(m) {
		return nil, fmt.Errorf("%w: %d bytes on %s (%d available)",
			ErrRomSize, len(blob)+sampleBytes, m.Name(), DataCapacity(m))
	}

	var b strings.Builder
	b.WriteString("; Generated by midi2nes. Assemble with ca65, link with ld65.\n\n")
	b.WriteString(m.HeaderAsm())
	b.WriteString("\n")
	b.WriteString(zeropageAsm)
	b.WriteString("\n.segment \"CODE\"\n\n")

	reset := strings.Replace(resetAsm, "%MAPPERINIT%", indentBlock(m.InitAsm()), 1)
	overlayCall := ""
	if opts.DebugOverlay {
		overlayCall = "    jsr overlay_update\n"
	}
	reset = strings.Replace(reset, "%OVERLAYCALL%", overlayCall, 1)
	b.WriteString(reset)
	b.WriteString("\n")
	b.WriteString(driverAsm)
	if opts.DebugOverlay {
		b.WriteString("\n")
		b.WriteString(overlayAsm)
	}

	b.WriteString("\n.segment \"RODATA\"\n\n")
	writeByteTable(&b, "song_data", blob)
	b.WriteString("\n")
	writePitchTables(&b)
	b.WriteString(registerTablesAsm)
	writeDpcmTables(&b, opts.Samples)

	b.WriteString("\n.segment \"VECTORS\"\n")
	b.WriteString("    .word nmi\n    .word reset\n    .word irq\n")

	if mmc1, ok := m.(MMC1); ok {
		if err := mmc1.VerifyControl(mmc1.ControlValue()); err != nil {
			return nil, err
		}
		b.WriteString("\n")
		b.WriteString(mmc1BankAsm)
	}

	return &Output{
		Assembly:     b.String(),
		LinkerConfig: m.LinkerConfig(),
		Mapper:       m,
		BlobSize:     len(blob),
	}, nil
}

const mmc1BankAsm = `.segment "CODE"
; MMC1 registers load serially, one bit per write.
mmc1_write_control:
    sta $8000
    lsr a
    sta $8000
    lsr a
    sta $8000
    lsr a
    sta $8000
    lsr a
    sta $8000
    rts

mmc1_write_prg_bank:
    sta $E000
    lsr a
    sta $E000
    lsr a
    sta $E000
    lsr a
    sta $E000
    lsr a
    sta $E000
    rts
`

func indentBlock(s string) string {
	if s == "" {
		return ""
	}
	return s + "\n"
}

func writeByteTable(b *strings.Builder, label string, data []byte) {
	fmt.Fprintf(b, "%s:\n", label)
	if len(data) == 0 {
		b.WriteString("    .byte $00\n")
		return
	}
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		b.WriteString("    .byte ")
		for j := i; j < end; j++ {
			if j > i {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "$%02X", data[j])
		}
		b.WriteString("\n")
	}
}

// writePitchTables emits the NTSC timer tables the driver indexes by
// MIDI note, split into low and high bytes.
func writePitchTables(b *strings.Builder) {
	lo := make([]byte, 128)
	hi := make([]byte, 128)
	for n := 0; n < 128; n++ {
		t := apu.PulseTimer(byte(n))
		lo[n], hi[n] = byte(t), byte(t>>8)
	}
	writeByteTable(b, "pulse_table_lo", lo)
	writeByteTable(b, "pulse_table_hi", hi)
	for n := 0; n < 128; n++ {
		t := apu.TriangleTimer(byte(n))
		lo[n], hi[n] = byte(t), byte(t>>8)
	}
	writeByteTable(b, "tri_table_lo", lo)
	writeByteTable(b, "tri_table_hi", hi)
	b.WriteString("\n")
}

// writeDpcmTables reserves sample space in the fixed bank and emits the
// $4012/$4013 operand tables. Sample audio comes from the caller's
// bank; the reservations keep the addresses stable for it.
func writeDpcmTables(b *strings.Builder, idx *dpcm.Index) {
	addr := make([]string, 64)
	length := make([]byte, 64)
	for i := range addr {
		addr[i] = "$00"
	}
	if idx != nil {
		offset := 0
		for _, slot := range idx.Slots() {
			s := idx.Samples[slot]
			addr[slot] = fmt.Sprintf("<((dpcm_samples + %d - $C000) / 64)", offset)
			length[slot] = byte((s.SampleBytes - 1) / 16)
			offset += paddedSampleSize(s.SampleBytes)
		}
	}

	slots := 64
	fmt.Fprintf(b, "\ndpcm_addr_table:\n")
	for i := 0; i < slots; i += 8 {
		b.WriteString("    .byte ")
		for j := i; j < i+8; j++ {
			if j > i {
				b.WriteString(", ")
			}
			b.WriteString(addr[j])
		}
		b.WriteString("\n")
	}
	writeByteTable(b, "dpcm_len_table", length)

	if idx != nil && len(idx.Samples) > 0 {
		b.WriteString("\n.segment \"CODE\"\n")
		b.WriteString(".align 64\ndpcm_samples:\n")
		for _, slot := range idx.Slots() {
			s := idx.Samples[slot]
			fmt.Fprintf(b, "    .res %d, $AA        ; slot %d\n", paddedSampleSize(s.SampleBytes), slot)
		}
	} else {
		b.WriteString("dpcm_samples:\n")
	}
}

// paddedSampleSize rounds a sample up to the 64-byte granularity of the
// DPCM address register.
func paddedSampleSize(n int) int {
	return (n + 63) / 64 * 64
}

func totalSampleBytes(idx *dpcm.Index) int {
	if idx == nil {
		return 0
	}
	total := 0
	for _, s := range idx.Samples {
		total += paddedSampleSize(s.SampleBytes)
	}
	return total
}

