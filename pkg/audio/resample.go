package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// StreamResampler converts a continuous stream of int16 PCM from one sample
// rate to another. Filter state is carried across calls to Process, so chunk
// boundaries do not introduce clicks. Output length per call varies with the
// filter delay; the total converges on input × dst/src.
//
// A StreamResampler is not safe for concurrent use.
type StreamResampler struct {
	src, dst Format
	rs       resampling.Resampler
}

// NewStreamResampler returns a resampler from src to dst. Channel counts must
// match. When the rates are equal Process returns its input unchanged.
func NewStreamResampler(src, dst Format) (*StreamResampler, error) {
	if src.SampleRate <= 0 || dst.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: resampler: invalid rates %d -> %d", src.SampleRate, dst.SampleRate)
	}
	if src.Channels != dst.Channels || src.Channels <= 0 {
		return nil, fmt.Errorf("audio: resampler: channel mismatch %s -> %s", src, dst)
	}
	r := &StreamResampler{src: src, dst: dst}
	if src.SampleRate == dst.SampleRate {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(src.SampleRate),
		OutputRate: float64(dst.SampleRate),
		Channels:   src.Channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: resampler: %w", err)
	}
	r.rs = rs
	return r, nil
}

// Process resamples one chunk of little-endian int16 PCM. A trailing odd byte
// is ignored.
func (r *StreamResampler) Process(pcm []byte) ([]byte, error) {
	if r.rs == nil {
		return pcm, nil
	}
	n := len(pcm) / 2
	in := make([]float64, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		in[i] = float64(s) / 32768.0
	}
	out, err := r.rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample %s -> %s: %w", r.src, r.dst, err)
	}
	buf := make([]byte, len(out)*2)
	for i, f := range out {
		var s int16
		switch {
		case f >= 1.0:
			s = 32767
		case f <= -1.0:
			s = -32768
		default:
			s = int16(f * 32767.0)
		}
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	return buf, nil
}

// Passthrough reports whether Process returns its input unchanged.
func (r *StreamResampler) Passthrough() bool {
	return r.rs == nil
}
