package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrPartialFrame is returned for PCM whose length is not a whole number
	// of sample frames.
	ErrPartialFrame = errors.New("audio: pcm ends in a partial frame")

	// ErrLayout is returned when no channel mapping exists between two
	// layouts. Mono maps to and from anything; other pairs must match.
	ErrLayout = errors.New("audio: unsupported channel mapping")
)

// Conformer adapts decoded frames to the fixed format a device renders in.
// The result lasts as long as the input, rounded down to a whole target
// frame, so back-to-back schedules stay aligned after conversion.
//
// A Conformer is safe for concurrent use.
type Conformer struct {
	target Format
	noted  sync.Once
}

// NewConformer returns a Conformer producing frames in target.
func NewConformer(target Format) *Conformer {
	return &Conformer{target: target}
}

// Target returns the output format.
func (c *Conformer) Target() Format { return c.target }

// Conform returns frame in the target format. A frame already in that format
// is returned as is.
func (c *Conformer) Conform(frame AudioFrame) (AudioFrame, error) {
	from := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if from.Channels <= 0 || from.SampleRate <= 0 {
		return AudioFrame{}, fmt.Errorf("audio: conform: invalid source format %s", from)
	}
	if len(frame.Data)%(2*from.Channels) != 0 {
		return AudioFrame{}, fmt.Errorf("audio: conform %d bytes of %s: %w", len(frame.Data), from, ErrPartialFrame)
	}
	if from == c.target {
		return frame, nil
	}
	if from.Channels != c.target.Channels && from.Channels != 1 && c.target.Channels != 1 {
		return AudioFrame{}, fmt.Errorf("audio: conform %s to %s: %w", from, c.target, ErrLayout)
	}
	c.noted.Do(func() {
		slog.Info("audio: converting frames for device", "from", from, "to", c.target)
	})

	s := samples(frame.Data)
	// Narrow the layout before stretching and widen it after, so the
	// interpolation runs over the fewest channels.
	if c.target.Channels < from.Channels {
		s = remix(s, from.Channels, c.target.Channels)
	}
	s = stretch(s, min(from.Channels, c.target.Channels), from.SampleRate, c.target.SampleRate)
	if c.target.Channels > from.Channels {
		s = remix(s, from.Channels, c.target.Channels)
	}

	return AudioFrame{
		Data:       pcmBytes(s),
		SampleRate: c.target.SampleRate,
		Channels:   c.target.Channels,
		Timestamp:  frame.Timestamp,
	}, nil
}

func samples(pcm []byte) []int16 {
	s := make([]int16, len(pcm)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return s
}

func pcmBytes(s []int16) []byte {
	b := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

// remix maps interleaved frames between layouts where one side is mono:
// downmixing averages every channel, upmixing copies the sample out.
func remix(s []int16, from, to int) []int16 {
	if from == to {
		return s
	}
	frames := len(s) / from
	out := make([]int16, frames*to)
	for f := range frames {
		in := s[f*from : (f+1)*from]
		if to == 1 {
			var sum int32
			for _, v := range in {
				sum += int32(v)
			}
			out[f] = int16(sum / int32(from))
			continue
		}
		for ch := range to {
			out[f*to+ch] = in[0]
		}
	}
	return out
}

// stretch changes the rate of interleaved frames by linear interpolation in
// integer arithmetic. The output holds floor(frames*dst/src) frames.
func stretch(s []int16, channels, src, dst int) []int16 {
	if src == dst {
		return s
	}
	frames := len(s) / channels
	n := int(int64(frames) * int64(dst) / int64(src))
	out := make([]int16, n*channels)
	for i := range n {
		pos := int64(i) * int64(src)
		j := int(pos / int64(dst))
		rem := pos % int64(dst)
		next := min(j+1, frames-1)
		for ch := range channels {
			a := int64(s[j*channels+ch])
			b := int64(s[next*channels+ch])
			out[i*channels+ch] = int16(a + (b-a)*rem/int64(dst))
		}
	}
	return out
}
