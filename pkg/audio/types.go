package audio

import (
	"fmt"
	"time"
)

// AudioFrame is a decoded buffer of interleaved little-endian int16 PCM.
// Frames are produced by the container decoder and consumed by an [Output].
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (e.g., 24000 for realtime speech output).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks where this frame sits relative to stream start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames (samples per channel) in f.
func (f AudioFrame) Frames() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback length of f. Integer nanosecond arithmetic
// keeps back-to-back schedules exact.
func (f AudioFrame) Duration() time.Duration {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}.Duration(len(f.Data))
}

// Format describes the sample rate and channel count of an int16 PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of 16-bit PCM last in this format.
// Returns 0 for an unset format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	frames := int64(n / (2 * f.Channels))
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}
