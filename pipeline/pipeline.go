// Package pipeline wires the compiler stages together: parse, tempo
// map, normalise, channel map, frame generation, pattern detection and
// code emission. Stages are pure; this package owns ordering,
// diagnostics, cancellation and output files.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"midi2nes/analysis"
	"midi2nes/apu"
	"midi2nes/diag"
	"midi2nes/dpcm"
	"midi2nes/emit"
	"midi2nes/frames"
	"midi2nes/mapper"
	"midi2nes/parse"
	"midi2nes/patterns"
	"midi2nes/tempo"
)

// ErrInternalInvariant marks a stage whose output violates one of its
// own guarantees. Always a bug, never recoverable.
var ErrInternalInvariant = errors.New("internal invariant violated")

// Detector lets callers swap the pattern detector, e.g. the serial
// reference implementation against the parallel production one.
type Detector interface {
	Detect(set *frames.Set, cfg patterns.Config, diags *diag.List) *patterns.Song
}

// ParallelDetector is the production detector with a full worker pool.
type ParallelDetector struct{}

func (ParallelDetector) Detect(set *frames.Set, cfg patterns.Config, diags *diag.List) *patterns.Song {
	return patterns.Detect(set, cfg, diags)
}

// SerialDetector is the single-worker reference detector. Its output
// must be byte-identical to the parallel one.
type SerialDetector struct{}

func (SerialDetector) Detect(set *frames.Set, cfg patterns.Config, diags *diag.List) *patterns.Song {
	cfg.Workers = 1
	return patterns.Detect(set, cfg, diags)
}

// Config is the full compile configuration.
type Config struct {
	Input         string
	OutDir        string
	DpcmIndexPath string

	Mapper       emit.Mapper // nil: pick by size
	DebugOverlay bool
	Loop         bool

	Frames   frames.Config
	Mapping  mapper.Config
	Patterns patterns.Config
	Detector Detector

	Progress io.Writer // nil: stdout
}

func DefaultConfig() Config {
	return Config{
		OutDir:   ".",
		Frames:   frames.DefaultConfig(),
		Mapping:  mapper.DefaultConfig(),
		Patterns: patterns.DefaultConfig(),
		Detector: ParallelDetector{},
	}
}

// Result carries the artifacts and the accumulated diagnostics.
type Result struct {
	Diags    diag.List
	Song     *patterns.Song
	Output   *emit.Output
	AsmPath  string
	CfgPath  string
	BlobSize int
}

// Run compiles one MIDI file to assembly plus linker config. Output
// files appear only on success, written atomically. Cancellation is
// honoured between stages.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Detector == nil {
		cfg.Detector = ParallelDetector{}
	}
	progress := cfg.Progress
	if progress == nil {
		progress = os.Stdout
	}
	res := &Result{}

	midi, err := parse.ReadFile(cfg.Input)
	if err != nil {
		return res, fmt.Errorf("parse: %w", err)
	}
	fmt.Fprintf(progress, "Parsing: %s (%d tracks, %d ticks/quarter)\n",
		cfg.Input, len(midi.Tracks), midi.TicksPerQuarter)
	if err := gate(ctx); err != nil {
		return res, err
	}

	tm, err := buildTempoMap(midi)
	if err != nil {
		return res, fmt.Errorf("tempo: %w", err)
	}

	tracks, err := analysis.Normalize(midi, tm, &res.Diags)
	if err != nil {
		return res, fmt.Errorf("normalise: %w", err)
	}
	fmt.Fprintf(progress, "  Normalised: %d tracks with notes\n", len(tracks))
	if err := gate(ctx); err != nil {
		return res, err
	}

	var samples *dpcm.Index
	if cfg.DpcmIndexPath != "" {
		samples, err = dpcm.LoadIndex(cfg.DpcmIndexPath)
		if err != nil {
			return res, fmt.Errorf("dpcm index: %w", err)
		}
		fmt.Fprintf(progress, "  DPCM samples: %d slots\n", len(samples.Samples))
	}

	asn, err := mapper.Assign(tracks, cfg.Mapping, samples, &res.Diags)
	if err != nil {
		return res, fmt.Errorf("map: %w", err)
	}
	if err := mapper.Validate(asn); err != nil {
		return res, fmt.Errorf("map: %w: %v", ErrInternalInvariant, err)
	}
	if err := gate(ctx); err != nil {
		return res, err
	}

	set := frames.Generate(asn, cfg.Frames, samples, &res.Diags)
	if err := frames.Validate(set); err != nil {
		return res, fmt.Errorf("frames: %w: %v", ErrInternalInvariant, err)
	}
	fmt.Fprintf(progress, "  Timeline: %d frames (%s)\n", set.TotalFrames,
		humanize.Bytes(uint64(set.TotalFrames)*uint64(apu.NumChannels)*apu.CellSize))
	if err := gate(ctx); err != nil {
		return res, err
	}

	song := cfg.Detector.Detect(set, cfg.Patterns, &res.Diags)
	if err := checkSong(set, song); err != nil {
		return res, fmt.Errorf("patterns: %w: %v", ErrInternalInvariant, err)
	}
	if cfg.Loop {
		song.LoopFrame = 0
	}
	fmt.Fprintf(progress, "  Patterns: %d, refs: %d, residual: %d\n",
		len(song.Patterns), countRefs(song), countResidual(song))
	if err := gate(ctx); err != nil {
		return res, err
	}

	out, err := emit.Build(song, emit.Options{
		Mapper:       cfg.Mapper,
		DebugOverlay: cfg.DebugOverlay,
		Samples:      samples,
	})
	if errors.Is(err, emit.ErrRomSize) {
		// One more pass with a harsher sample cap and variation merging
		// before giving up.
		res.Diags.Addf("emit", diag.Recompressed, "rom size exceeded, recompressing aggressively")
		aggressive := cfg.Patterns
		aggressive.SampleCap = cfg.Patterns.SampleCap / 4
		if aggressive.SampleCap < 1000 {
			aggressive.SampleCap = 1000
		}
		aggressive.Variations = true
		song = cfg.Detector.Detect(set, aggressive, &res.Diags)
		if cerr := checkSong(set, song); cerr != nil {
			return res, fmt.Errorf("patterns: %w: %v", ErrInternalInvariant, cerr)
		}
		if cfg.Loop {
			song.LoopFrame = 0
		}
		out, err = emit.Build(song, emit.Options{
			Mapper:       cfg.Mapper,
			DebugOverlay: cfg.DebugOverlay,
			Samples:      samples,
		})
	}
	if err != nil {
		return res, fmt.Errorf("emit: %w", err)
	}
	res.Song = song
	res.Output = out
	res.BlobSize = out.BlobSize
	fmt.Fprintf(progress, "  Emitted: %s music data on %s (%s PRG)\n",
		humanize.Bytes(uint64(out.BlobSize)), out.Mapper.Name(),
		humanize.Bytes(uint64(out.Mapper.PRGSize())))

	if err := gate(ctx); err != nil {
		return res, err
	}
	if err := os.MkdirAll(cfg.OutDir, 0755); err != nil {
		return res, err
	}
	res.AsmPath = filepath.Join(cfg.OutDir, "music.asm")
	res.CfgPath = filepath.Join(cfg.OutDir, "nes.cfg")
	if err := emit.WriteFileAtomic(res.AsmPath, []byte(out.Assembly)); err != nil {
		return res, fmt.Errorf("write: %w", err)
	}
	if err := emit.WriteFileAtomic(res.CfgPath, []byte(out.LinkerConfig)); err != nil {
		return res, fmt.Errorf("write: %w", err)
	}
	fmt.Fprintf(progress, "Wrote: %s, %s\n", res.AsmPath, res.CfgPath)
	return res, nil
}

func gate(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// buildTempoMap merges every track's tempo events, defaulting to
// 120 BPM when the file names no initial tempo.
func buildTempoMap(midi *parse.File) (*tempo.Map, error) {
	var entries []tempo.Entry
	sawInitial := false
	for _, e := range midi.TempoEvents() {
		if e.Tick == 0 {
			sawInitial = true
		}
		entries = append(entries, tempo.Entry{Tick: e.Tick, MicrosPerQuarter: e.Tempo})
	}
	if !sawInitial {
		entries = append([]tempo.Entry{{Tick: 0, MicrosPerQuarter: tempo.DefaultMicrosPerQuarter}}, entries...)
	}
	return tempo.Build(entries, uint32(midi.TicksPerQuarter))
}

// checkSong enforces the reconstruction law on every compile: the
// compressed song must expand to the generated timelines exactly.
func checkSong(set *frames.Set, song *patterns.Song) error {
	if err := patterns.ValidateRefs(song); err != nil {
		return err
	}
	expanded, err := patterns.Expand(song)
	if err != nil {
		return err
	}
	for ch := apu.Channel(0); ch < apu.NumChannels; ch++ {
		want := set.Timelines[ch].Cells
		got := expanded[ch]
		if len(got) != len(want) {
			return fmt.Errorf("%s: expanded %d frames, want %d", ch, len(got), len(want))
		}
		for f := range want {
			if got[f] != want[f] {
				return fmt.Errorf("%s: frame %d differs after reconstruction", ch, f)
			}
		}
	}
	return nil
}

func countRefs(song *patterns.Song) int {
	n := 0
	for ch := range song.Channels {
		n += len(song.Channels[ch].Refs)
	}
	return n
}

func countResidual(song *patterns.Song) int {
	n := 0
	for ch := range song.Channels {
		n += len(song.Channels[ch].Residual)
	}
	return n
}
