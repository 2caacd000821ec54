// midi2nes compiles a standard MIDI file into CA65 assembly and a
// linker configuration for a self-playing NES ROM.
//
// Usage:
//
//	midi2nes [flags] song.mid
//	midi2nes -check game.nes
//	midi2nes -wav2dpcm kick.wav -o out
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"midi2nes/dpcm"
	"midi2nes/emit"
	"midi2nes/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		outDir     string
		dpcmIndex  string
		mapperName string
		noPatterns bool
		overlay    bool
		loop       bool
		serial     bool
		checkPath  string
		wavPath    string
		wavRate    int
	)
	fs := flag.NewFlagSet("midi2nes", flag.ContinueOnError)
	fs.StringVar(&outDir, "o", ".", "output directory")
	fs.StringVar(&dpcmIndex, "dpcm", "", "DPCM sample index (JSON)")
	fs.StringVar(&mapperName, "mapper", "auto", "cartridge mapper: auto, nrom, mmc1")
	fs.BoolVar(&noPatterns, "no-patterns", false, "disable pattern compression")
	fs.BoolVar(&overlay, "overlay", false, "emit the debug overlay")
	fs.BoolVar(&loop, "loop", false, "loop playback at song end")
	fs.BoolVar(&serial, "serial", false, "use the serial reference pattern detector")
	fs.StringVar(&checkPath, "check", "", "validate an iNES ROM and exit")
	fs.StringVar(&wavPath, "wav2dpcm", "", "convert a WAV file to DPCM and exit")
	fs.IntVar(&wavRate, "dpcm-rate", 15, "DPCM rate index for -wav2dpcm")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	if checkPath != "" {
		return runCheck(checkPath)
	}
	if wavPath != "" {
		return runWavConvert(wavPath, outDir, wavRate)
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: midi2nes [flags] <input.mid>")
		fs.PrintDefaults()
		return 2
	}

	cfg := pipeline.DefaultConfig()
	cfg.Input = fs.Arg(0)
	cfg.OutDir = outDir
	cfg.DpcmIndexPath = dpcmIndex
	cfg.DebugOverlay = overlay
	cfg.Loop = loop
	cfg.Patterns.Disabled = noPatterns
	if serial {
		cfg.Detector = pipeline.SerialDetector{}
	}
	switch strings.ToLower(mapperName) {
	case "auto":
	case "nrom":
		cfg.Mapper = emit.NROM{}
	case "mmc1":
		cfg.Mapper = emit.DefaultMMC1()
	default:
		fmt.Fprintf(os.Stderr, "unknown mapper %q\n", mapperName)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.Run(ctx, cfg)
	if res != nil && res.Diags.Len() > 0 {
		fmt.Fprintf(os.Stderr, "%d diagnostics:\n", res.Diags.Len())
		res.Diags.Print(os.Stderr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runCheck(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	info, err := emit.CheckROM(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
		return 1
	}
	fmt.Printf("%s: %s, mapper %d, PRG %s, CHR %s\n", path, humanize.Bytes(uint64(len(data))),
		info.Mapper, humanize.Bytes(uint64(info.PRGBanks)*16*1024), humanize.Bytes(uint64(info.CHRBanks)*8*1024))
	fmt.Printf("  RESET $%04X  NMI $%04X  IRQ $%04X\n", info.ResetVector, info.NMIVector, info.IRQVector)
	return 0
}

func runWavConvert(path, outDir string, rate int) int {
	conv, err := dpcm.ConvertWavFile(path, dpcm.ConvertOptions{RateIndex: rate})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outPath := filepath.Join(outDir, base+".dmc")
	if err := emit.WriteFileAtomic(outPath, conv.Data); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	entry, _ := json.Marshal(conv.Sample)
	fmt.Printf("Wrote: %s (%s)\n", outPath, humanize.Bytes(uint64(len(conv.Data))))
	fmt.Printf("Index entry: %s\n", entry)
	return 0
}
