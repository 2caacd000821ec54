package patterns

import (
	"errors"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"midi2nes/apu"
	"midi2nes/diag"
)

// Candidate enumeration fans out over (length, position-range) chunks.
// Workers fill local bucket maps; the merge is ordered by chunk, so the
// result is identical whatever the scheduling — and identical to a
// single-worker run.

const chunkSize = 4096

var errChunkTimeout = errors.New("chunk timed out")

type chunk struct {
	length int
	start  int
	end    int // exclusive, in start positions
}

type chunkResult struct {
	chunk   chunk
	buckets map[string][]int
}

func (b *builder) enumerate(ch apu.Channel, cells []apu.FrameCell) map[string][]int {
	chunks := makeChunks(len(cells), b.cfg)
	if len(chunks) == 0 {
		return nil
	}

	workers := b.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]chunkResult, len(chunks))
	var mu sync.Mutex
	var failed []int

	swg := sizedwaitgroup.New(workers)
	for i, c := range chunks {
		swg.Add()
		go func(i int, c chunk) {
			defer swg.Done()
			buckets, err := enumerateChunk(cells, c, b.cfg.ChunkTimeout)
			if err != nil {
				mu.Lock()
				failed = append(failed, i)
				mu.Unlock()
				return
			}
			results[i] = chunkResult{chunk: c, buckets: buckets}
		}(i, c)
	}
	swg.Wait()

	// Timed-out chunks get one serial retry, in chunk order; a chunk
	// that still cannot finish is abandoned.
	sort.Ints(failed)
	var abandoned []chunk
	for _, i := range failed {
		buckets, err := enumerateChunk(cells, chunks[i], b.cfg.ChunkTimeout)
		if err != nil {
			abandoned = append(abandoned, chunks[i])
			continue
		}
		results[i] = chunkResult{chunk: chunks[i], buckets: buckets}
	}

	for _, c := range abandoned {
		b.diags.Addf(stage, diag.ChunkAbandoned,
			"%s: candidates for length %d positions %d..%d abandoned after timeout", ch, c.length, c.start, c.end)
	}

	// Chunks are merged in (length, start) order so bucket position
	// lists come out ascending regardless of completion order.
	sort.Slice(results, func(i, j int) bool {
		if results[i].chunk.length != results[j].chunk.length {
			return results[i].chunk.length < results[j].chunk.length
		}
		return results[i].chunk.start < results[j].chunk.start
	})
	merged := make(map[string][]int)
	for _, r := range results {
		for key, positions := range r.buckets {
			merged[key] = append(merged[key], positions...)
		}
	}
	return merged
}

func makeChunks(n int, cfg Config) []chunk {
	var chunks []chunk
	for length := cfg.MinLength; length <= cfg.MaxLength; length++ {
		last := n - length
		if last < 0 {
			break
		}
		for start := 0; start <= last; start += chunkSize {
			end := start + chunkSize
			if end > last+1 {
				end = last + 1
			}
			chunks = append(chunks, chunk{length: length, start: start, end: end})
		}
	}
	return chunks
}

// enumerateChunk buckets every run of c.length cells starting inside
// the chunk by content key, checking the clock between batches.
func enumerateChunk(cells []apu.FrameCell, c chunk, timeout time.Duration) (map[string][]int, error) {
	started := time.Now()
	buckets := make(map[string][]int)
	for pos := c.start; pos < c.end; pos++ {
		if timeout > 0 && pos&0x1FF == 0 && time.Since(started) > timeout {
			return nil, errChunkTimeout
		}
		key := runKey(cells[pos : pos+c.length])
		buckets[key] = append(buckets[key], pos)
	}
	return buckets, nil
}
