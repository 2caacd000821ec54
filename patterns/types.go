// Package patterns finds repeating frame sequences in the channel
// timelines and rewrites each channel as pattern references plus a
// residual, reconstructible bit-for-bit.
package patterns

import (
	"time"

	"midi2nes/apu"
)

// NoLoop marks a song without a loop point.
const NoLoop = 0xFFFFFFFF

// Pattern is a reusable run of frame cells. Patterns are content
// addressed: identical cell runs share one ID, also across channels.
type Pattern struct {
	ID     uint32
	Length uint16
	Cells  []apu.FrameCell
}

// Reference plays a pattern starting at Frame, optionally transposed or
// volume-shifted. References within a channel never overlap.
type Reference struct {
	Frame       uint32
	PatternID   uint32
	Transpose   int8
	VolumeDelta int8
}

// Residual is one frame the references do not cover. Frames that are
// neither referenced nor listed here hold the channel's silent cell,
// which keeps silence free in the encoding.
type Residual struct {
	Frame uint32
	Cell  apu.FrameCell
}

// CompressedChannel is one channel's compressed timeline.
type CompressedChannel struct {
	Refs     []Reference
	Residual []Residual
}

// Song is the compiled module handed to the code emitter: the shared
// pattern library plus the compressed timeline of every channel.
type Song struct {
	TotalFrames uint32
	LoopFrame   uint32
	Patterns    []Pattern
	Channels    [apu.NumChannels]CompressedChannel
}

// Config tunes detection. The zero value is unusable; start from
// DefaultConfig.
type Config struct {
	MinLength    int
	MaxLength    int
	RefOverhead  int // per-reference cost in cells for the gain score
	SampleCap    int // timelines longer than this are sampled
	Variations   bool
	Workers      int // 0 = GOMAXPROCS; 1 forces the serial path
	ChunkTimeout time.Duration
	Disabled     bool // emit the degenerate all-residual form
}

func DefaultConfig() Config {
	return Config{
		MinLength:    3,
		MaxLength:    32,
		RefOverhead:  2,
		SampleCap:    15000,
		ChunkTimeout: 30 * time.Second,
	}
}

// cellKey is the content-hash key of one cell. All struct fields
// participate so distinct register states never collide.
func cellKey(c apu.FrameCell) [8]byte {
	var flags byte
	if c.Active {
		flags |= 1
	}
	if c.Retrigger {
		flags |= 2
	}
	return [8]byte{flags, c.Note, c.Volume, c.Control, byte(c.Timer), byte(c.Timer >> 8), 0, 0}
}

func runKey(cells []apu.FrameCell) string {
	buf := make([]byte, 0, len(cells)*8)
	for _, c := range cells {
		k := cellKey(c)
		buf = append(buf, k[:]...)
	}
	return string(buf)
}

func cellsEqual(a, b []apu.FrameCell) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
