package capture

import (
	"encoding/binary"
	"math"
)

// Quantize converts a normalised sample to 16-bit signed PCM. The input is
// clamped to [-1, 1] and rounded half away from zero; positive values scale
// by 32767 and negative values by 32768, so ±1 map to 0x7FFF and 0x8000.
// NaN maps to zero.
func Quantize(v float32) int16 {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return 0
	case f >= 1:
		return math.MaxInt16
	case f <= -1:
		return math.MinInt16
	case f >= 0:
		return int16(math.Round(f * 32767))
	default:
		return int16(math.Round(f * 32768))
	}
}

// Accumulator packs samples into fixed-size little-endian PCM16 chunks,
// independent of the block sizes it is fed. It is not safe for concurrent use.
type Accumulator struct {
	chunkSamples int
	buf          []byte
	n            int // samples currently buffered
}

// NewAccumulator returns an accumulator emitting chunks of chunkSamples
// samples. chunkSamples must be positive.
func NewAccumulator(chunkSamples int) *Accumulator {
	return &Accumulator{
		chunkSamples: chunkSamples,
		buf:          make([]byte, chunkSamples*2),
	}
}

// ChunkSamples returns the configured chunk size in samples.
func (a *Accumulator) ChunkSamples() int { return a.chunkSamples }

// Buffered returns the number of samples waiting for the next chunk.
func (a *Accumulator) Buffered() int { return a.n }

// Write appends samples and calls emit with every chunk that completes. The
// slice passed to emit is reused after emit returns; emit must copy it to
// keep it. A nil emit discards completed chunks.
func (a *Accumulator) Write(samples []float32, emit func(chunk []byte)) {
	for _, s := range samples {
		binary.LittleEndian.PutUint16(a.buf[a.n*2:], uint16(Quantize(s)))
		a.n++
		if a.n == a.chunkSamples {
			if emit != nil {
				emit(a.buf)
			}
			a.n = 0
		}
	}
}

// Flush returns a copy of the buffered partial chunk and empties the
// accumulator. It returns nil when nothing is buffered.
func (a *Accumulator) Flush() []byte {
	if a.n == 0 {
		return nil
	}
	out := make([]byte, a.n*2)
	copy(out, a.buf[:a.n*2])
	a.n = 0
	return out
}

// Reset drops any buffered samples.
func (a *Accumulator) Reset() { a.n = 0 }

// downmix averages interleaved frames into dst, which must hold
// len(samples)/channels values.
func downmix(dst, samples []float32, channels int) []float32 {
	frames := len(samples) / channels
	dst = dst[:frames]
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		dst[i] = sum / float32(channels)
	}
	return dst
}
