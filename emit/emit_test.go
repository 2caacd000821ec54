package emit

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"midi2nes/apu"
	"midi2nes/dpcm"
	"midi2nes/patterns"
)

func pulseCell(note byte) apu.FrameCell {
	return apu.FrameCell{Active: true, Retrigger: true, Note: note, Volume: 8,
		Control: apu.PulseControl(apu.DefaultDuty, 8), Timer: apu.PulseTimer(note)}
}

func smallSong() *patterns.Song {
	song := &patterns.Song{TotalFrames: 10, LoopFrame: patterns.NoLoop}
	song.Channels[apu.Pulse1].Residual = []patterns.Residual{
		{Frame: 0, Cell: pulseCell(60)},
		{Frame: 5, Cell: pulseCell(64)},
	}
	return song
}

func TestSerializeHeader(t *testing.T) {
	blob, err := Serialize(smallSong())
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(blob[0:]); got != 10 {
		t.Errorf("total_frames = %d", got)
	}
	if got := binary.LittleEndian.Uint32(blob[4:]); got != patterns.NoLoop {
		t.Errorf("loop_frame = $%08X", got)
	}
	if got := binary.LittleEndian.Uint16(blob[8:]); got != 0 {
		t.Errorf("pattern_count = %d", got)
	}
	// No references anywhere: every ref list opens with the sentinel.
	for ch := 0; ch < int(apu.NumChannels); ch++ {
		off := binary.LittleEndian.Uint32(blob[16+8*ch:])
		if got := binary.LittleEndian.Uint16(blob[off:]); got != 0xFFFF {
			t.Errorf("channel %d ref list does not start with sentinel", ch)
		}
	}
}

func TestChooseMapper(t *testing.T) {
	m, err := ChooseMapper(1000)
	if err != nil || m.Name() != "NROM" {
		t.Errorf("small song: %v, %v", m, err)
	}
	m, err = ChooseMapper(60 * 1024)
	if err != nil || m.Name() != "MMC1" {
		t.Errorf("medium song: %v, %v", m, err)
	}
	if _, err = ChooseMapper(300 * 1024); !errors.Is(err, ErrRomSize) {
		t.Errorf("huge song: %v, want ErrRomSize", err)
	}
}

func TestMMC1ControlValues(t *testing.T) {
	if got := (MMC1{PRGBanks: 2}).ControlValue(); got != 0x0A {
		t.Errorf("32KB control = $%02X, want $0A", got)
	}
	if got := (MMC1{PRGBanks: 8}).ControlValue(); got != 0x0C {
		t.Errorf("128KB control = $%02X, want $0C", got)
	}
	if err := (MMC1{PRGBanks: 2}).VerifyControl(0x0E); err == nil {
		t.Error("VerifyControl accepted $0E for 32KB PRG")
	}
}

func TestBuildAssembly(t *testing.T) {
	out, err := Build(smallSong(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`.segment "HEADER"`, `.segment "CODE"`, `.segment "RODATA"`, `.segment "VECTORS"`,
		"song_data:", "pulse_table_lo", "tri_table_hi", "update_music:", "music_init:",
		".word nmi", ".word reset", ".word irq",
	} {
		if !strings.Contains(out.Assembly, want) {
			t.Errorf("assembly missing %q", want)
		}
	}
	if !strings.Contains(out.LinkerConfig, "MEMORY") || !strings.Contains(out.LinkerConfig, "SEGMENTS") {
		t.Error("linker config incomplete")
	}
	if out.Mapper.Name() != "NROM" {
		t.Errorf("mapper = %s, want NROM for a tiny song", out.Mapper.Name())
	}
}

func TestOverlayIsPureAddon(t *testing.T) {
	plain, err := Build(smallSong(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	withOverlay, err := Build(smallSong(), Options{DebugOverlay: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(withOverlay.Assembly, "overlay_update:") {
		t.Error("overlay code missing")
	}
	if strings.Contains(plain.Assembly, "overlay_update") {
		t.Error("overlay leaked into the plain build")
	}
	// The driver proper is identical: the overlay never touches the APU.
	if strings.Contains(overlayAsm, "$40") {
		t.Error("overlay writes APU registers")
	}
}

func TestBuildRejectsOversizedSong(t *testing.T) {
	song := &patterns.Song{TotalFrames: 40000, LoopFrame: patterns.NoLoop}
	for f := uint32(0); f < 40000; f++ {
		song.Channels[apu.Pulse1].Residual = append(song.Channels[apu.Pulse1].Residual,
			patterns.Residual{Frame: f, Cell: pulseCell(byte(33 + f%60))})
	}
	if _, err := Build(song, Options{}); !errors.Is(err, ErrRomSize) {
		t.Errorf("err = %v, want ErrRomSize", err)
	}
	// The same song fits nowhere on NROM either.
	if _, err := Build(song, Options{Mapper: NROM{}}); !errors.Is(err, ErrRomSize) {
		t.Errorf("forced NROM err = %v, want ErrRomSize", err)
	}
}

func TestCheckROM(t *testing.T) {
	rom := append(HeaderBytes(NROM{}), make([]byte, 32*1024)...)
	vec := len(rom) - 6
	binary.LittleEndian.PutUint16(rom[vec:], 0x8010)   // NMI
	binary.LittleEndian.PutUint16(rom[vec+2:], 0x8000) // RESET
	binary.LittleEndian.PutUint16(rom[vec+4:], 0x8020) // IRQ

	info, err := CheckROM(rom)
	if err != nil {
		t.Fatal(err)
	}
	if info.ResetVector != 0x8000 || info.NMIVector != 0x8010 {
		t.Errorf("vectors = %+v", info)
	}
	if info.Mapper != 0 || info.PRGBanks != 2 {
		t.Errorf("header = %+v", info)
	}
}

func TestCheckROMRejects(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		if _, err := CheckROM([]byte("NOPE")); !errors.Is(err, ErrBadROM) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("reset outside prg", func(t *testing.T) {
		rom := append(HeaderBytes(NROM{}), make([]byte, 32*1024)...)
		vec := len(rom) - 6
		binary.LittleEndian.PutUint16(rom[vec:], 0x8010)
		binary.LittleEndian.PutUint16(rom[vec+2:], 0x4000) // RESET in RAM
		if _, err := CheckROM(rom); !errors.Is(err, ErrBadROM) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("truncated", func(t *testing.T) {
		rom := append(HeaderBytes(NROM{}), make([]byte, 100)...)
		if _, err := CheckROM(rom); !errors.Is(err, ErrBadROM) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestMMC1HeaderBytes(t *testing.T) {
	h := HeaderBytes(DefaultMMC1())
	if h[4] != 8 || h[5] != 0 {
		t.Errorf("PRG/CHR counts = %d/%d", h[4], h[5])
	}
	if h[6]>>4 != 1 {
		t.Errorf("mapper nibble = %d", h[6]>>4)
	}
}

func TestDpcmTables(t *testing.T) {
	idx := &dpcm.Index{Samples: map[int]dpcm.Sample{
		0: {SampleBytes: 1025, SampleRateIndex: 15},
		3: {SampleBytes: 513, SampleRateIndex: 12, LoopFlag: true},
	}}
	out, err := Build(smallSong(), Options{Samples: idx})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Assembly, "dpcm_addr_table:") ||
		!strings.Contains(out.Assembly, "dpcm_samples") {
		t.Error("dpcm tables missing")
	}
	// 1025 rounds up to 1088 reserved bytes.
	if !strings.Contains(out.Assembly, ".res 1088") {
		t.Error("sample reservation not padded to 64 bytes")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "music.asm")
	if err := WriteFileAtomic(path, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Errorf("read back %q, %v", data, err)
	}
	// Overwrite must be atomic too.
	if err := WriteFileAtomic(path, []byte("world")); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "world" {
		t.Errorf("read back %q", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("%d entries left in dir, want 1", len(entries))
	}
}
