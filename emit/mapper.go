package emit

import (
	"errors"
	"fmt"
)

var ErrRomSize = errors.New("rom size exceeded")

// DriverReserve is the PRG space held back for the driver, reset code
// and vectors when sizing the music data.
const DriverReserve = 2048

// Mapper describes a cartridge layout the emitter can target.
type Mapper interface {
	Name() string
	Number() int
	PRGSize() int
	HeaderAsm() string
	LinkerConfig() string
	InitAsm() string
}

// DataCapacity is the PRG space left for music data on a mapper.
func DataCapacity(m Mapper) int {
	return m.PRGSize() - DriverReserve
}

// NROM is the bare 32 KiB cartridge: no mapper hardware at all.
type NROM struct{}

func (NROM) Name() string { return "NROM" }

func (NROM) Number() int { return 0 }

func (NROM) PRGSize() int { return 32 * 1024 }

func (NROM) HeaderAsm() string {
	return `.segment "HEADER"
    .byte "NES", $1A
    .byte $02             ; 2 x 16KB PRG ROM
    .byte $00             ; CHR-RAM
    .byte $00             ; mapper 0, horizontal mirroring
    .byte $00
    .byte $00, $00, $00, $00, $00, $00, $00, $00
`
}

func (NROM) LinkerConfig() string {
	return `MEMORY {
    ZP:      start = $0000, size = $0100, type = rw, define = yes;
    RAM:     start = $0300, size = $0500, type = rw, define = yes;
    HEADER:  start = $0000, size = $0010, file = %O, fill = yes;
    PRG:     start = $8000, size = $7FFA, file = %O, fill = yes, fillval = $FF;
    VECTORS: start = $FFFA, size = $0006, file = %O, fill = yes;
}

SEGMENTS {
    ZEROPAGE: load = ZP,      type = zp;
    BSS:      load = RAM,     type = bss;
    HEADER:   load = HEADER,  type = ro;
    CODE:     load = PRG,     type = ro;
    RODATA:   load = PRG,     type = ro;
    VECTORS:  load = VECTORS, type = ro;
}
`
}

func (NROM) InitAsm() string { return "" }

// MMC1 is the larger layout: DefaultMMC1 gives 128 KiB PRG with the
// last 16 KiB bank fixed at $C000. ChooseMapper selects it only when
// the music does not fit NROM; a song that fits NROM gets MMC1 only
// when a caller sets it explicitly. An MMC1 with PRGBanks 2 runs in the
// mapper's 32 KiB PRG mode.
type MMC1 struct {
	PRGBanks int // 16 KiB banks
}

func DefaultMMC1() MMC1 { return MMC1{PRGBanks: 8} }

func (m MMC1) Name() string { return "MMC1" }

func (m MMC1) Number() int { return 1 }

func (m MMC1) PRGSize() int { return m.PRGBanks * 16 * 1024 }

// ControlValue is the MMC1 control register for the mapper's PRG mode.
// 32 KiB PRG switches as one unit and takes $0A; larger ROMs fix the
// last 16 KiB bank with $0C. ($0E would select the wrong bank mode for
// 32 KiB and shift every vector by a bank.)
func (m MMC1) ControlValue() byte {
	if m.PRGSize() <= 32*1024 {
		return 0x0A
	}
	return 0x0C
}

// VerifyControl cross-checks a control value against the emitted ROM
// size; the bank-mode bits are an easy place to ship a broken ROM.
func (m MMC1) VerifyControl(control byte) error {
	if control != m.ControlValue() {
		return fmt.Errorf("mmc1 control $%02X does not match %d KiB PRG (want $%02X)",
			control, m.PRGSize()/1024, m.ControlValue())
	}
	return nil
}

func (m MMC1) HeaderAsm() string {
	return fmt.Sprintf(`.segment "HEADER"
    .byte "NES", $1A
    .byte $%02X             ; %d x 16KB PRG ROM
    .byte $00             ; CHR-RAM
    .byte $10             ; mapper 1, horizontal mirroring
    .byte $00
    .byte $00, $00, $00, $00, $00, $00, $00, $00
`, m.PRGBanks, m.PRGBanks)
}

func (m MMC1) LinkerConfig() string {
	if m.PRGSize() <= 32*1024 {
		n := NROM{}
		return n.LinkerConfig()
	}
	swapSize := m.PRGSize() - 16*1024
	return fmt.Sprintf(`MEMORY {
    ZP:       start = $0000, size = $0100, type = rw, define = yes;
    RAM:      start = $0300, size = $0500, type = rw, define = yes;
    HEADER:   start = $0000, size = $0010, file = %%O, fill = yes;
    PRGSWAP:  start = $8000, size = $%05X, file = %%O, fill = yes, fillval = $FF;
    PRGFIXED: start = $C000, size = $3FFA, file = %%O, fill = yes, fillval = $FF;
    VECTORS:  start = $FFFA, size = $0006, file = %%O, fill = yes;
}

SEGMENTS {
    ZEROPAGE: load = ZP,       type = zp;
    BSS:      load = RAM,      type = bss;
    HEADER:   load = HEADER,   type = ro;
    RODATA:   load = PRGSWAP,  type = ro;
    CODE:     load = PRGFIXED, type = ro;
    VECTORS:  load = VECTORS,  type = ro;
}
`, swapSize)
}

func (m MMC1) InitAsm() string {
	return fmt.Sprintf(`    ; MMC1 reset and control setup
    lda #$80
    sta $8000             ; reset the shift register
    lda #$%02X
    jsr mmc1_write_control
    lda #$00
    jsr mmc1_write_prg_bank
`, m.ControlValue())
}

// ChooseMapper picks the smallest layout that fits the blob, promoting
// to MMC1 when NROM cannot hold it.
func ChooseMapper(blobSize int) (Mapper, error) {
	if blobSize <= DataCapacity(NROM{}) {
		return NROM{}, nil
	}
	m := DefaultMMC1()
	if blobSize <= DataCapacity(m) {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %d bytes of music data, %d available on %s",
		ErrRomSize, blobSize, DataCapacity(m), m.Name())
}
