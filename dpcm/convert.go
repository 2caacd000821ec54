package dpcm

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/goccmack/godsp"
)

// NTSC DPCM playback rates in Hz, indexed by the $4010 rate field.
var RateTable = [16]float64{
	4181.71, 4709.93, 5264.04, 5593.04, 6257.95, 7046.35, 7919.35, 8363.42,
	9419.86, 11186.1, 12604.0, 13982.6, 16884.6, 21306.8, 24858.0, 33143.9,
}

// ConvertOptions tunes WAV to DPCM conversion.
type ConvertOptions struct {
	RateIndex int // $4010 rate field, 0..15
	MaxBytes  int // 0 = MaxSampleBytes
	Loop      bool
}

// Converted is an encoded DPCM sample plus its index entry.
type Converted struct {
	Data   []byte
	Sample Sample
}

// ConvertWavFile reads a WAV recording and delta-encodes it for the
// APU's sample channel.
func ConvertWavFile(path string, opts ConvertOptions) (*Converted, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("%s: empty wav", path)
	}
	return Convert(buf, opts)
}

// Convert delta-encodes a PCM buffer.
func Convert(buf *audio.IntBuffer, opts ConvertOptions) (*Converted, error) {
	if opts.RateIndex < 0 || opts.RateIndex > 15 {
		return nil, fmt.Errorf("rate index %d out of range", opts.RateIndex)
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 || maxBytes > MaxSampleBytes {
		maxBytes = MaxSampleBytes
	}

	mono := mixdown(buf)
	if m := godsp.Max(godsp.AbsAll([][]float64{mono})[0]); m > 0 {
		mono = godsp.DivS(mono, m)
	}
	mono = resample(mono, float64(buf.Format.SampleRate), RateTable[opts.RateIndex])

	data := deltaEncode(mono, maxBytes)
	return &Converted{
		Data: data,
		Sample: Sample{
			SampleBytes:     len(data),
			SampleRateIndex: opts.RateIndex,
			LoopFlag:        opts.Loop,
		},
	}, nil
}

// mixdown folds interleaved channels into normalised mono floats.
func mixdown(buf *audio.IntBuffer) []float64 {
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	scale := float64(int(1) << uint(buf.SourceBitDepth-1))
	if buf.SourceBitDepth == 0 {
		scale = 1 << 15
	}
	n := len(buf.Data) / channels
	mono := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		mono[i] = sum / float64(channels) / scale
	}
	return mono
}

// resample converts between rates by linear interpolation; DPCM's
// 1-bit depth swamps anything a fancier kernel would buy.
func resample(x []float64, from, to float64) []float64 {
	if from <= 0 || to <= 0 || from == to || len(x) == 0 {
		return x
	}
	n := int(float64(len(x)) * to / from)
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)
	for i := range out {
		pos := float64(i) * from / to
		j := int(pos)
		if j >= len(x)-1 {
			out[i] = x[len(x)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = x[j]*(1-frac) + x[j+1]*frac
	}
	return out
}

// deltaEncode runs the APU's counter model: one bit per sample, +2 on
// a 1 bit, -2 on a 0 bit, over a 7-bit counter. Output length is the
// hardware's 16n+1 granularity.
func deltaEncode(mono []float64, maxBytes int) []byte {
	bits := len(mono)
	maxBits := (maxBytes - 1) * 8
	if bits > maxBits {
		bits = maxBits
	}

	counter := 64
	var out []byte
	var cur byte
	for i := 0; i < bits; i++ {
		target := int((mono[i] + 1) / 2 * 127)
		bit := byte(0)
		if target > counter {
			bit = 1
			if counter <= 125 {
				counter += 2
			}
		} else if counter >= 2 {
			counter -= 2
		}
		cur |= bit << uint(i&7)
		if i&7 == 7 {
			out = append(out, cur)
			cur = 0
		}
	}
	if bits&7 != 0 {
		out = append(out, cur)
	}

	// Pad to the DPCM length register's 16n+1 shape.
	for len(out)%16 != 1 {
		out = append(out, 0x55)
	}
	return out
}
