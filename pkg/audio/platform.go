// Package audio defines the types and device boundaries shared by the capture
// and playback halves of a parley voice session.
//
// The two primary abstractions are:
//
//   - [Source]: a live microphone delivering normalised float32 blocks from a
//     realtime callback.
//   - [Output]: a playback device with a monotonic clock on which decoded
//     buffers are started at an exact time.
//
// Concrete implementations live in audio/device (malgo + oto) and audio/mock
// (manual clock for tests). This package lives under pkg/ because alternative
// device backends are expected to implement [Source] and [Output].
package audio

import "time"

// Source is a live capture device.
//
// Start begins delivering blocks to onBlock. onBlock runs on the device's
// realtime thread: it must not block, and the slice is only valid for the
// duration of the call. Blocks are interleaved when Channels > 1.
type Source interface {
	// Format reports the rate and channel count of delivered blocks.
	Format() Format

	// Start opens the device and begins delivering blocks. An error here is
	// fatal to the session start (permission denied, no device).
	Start(onBlock func(samples []float32)) error

	// Stop halts delivery. It is safe to call Stop on a stopped source.
	Stop() error
}

// Output is a playback device exposing a monotonic clock.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Play schedules frame to begin exactly at the clock position at. If at
	// lies in the past playback starts immediately. onEnded is invoked once
	// the frame has fully played; it is never invoked synchronously from Play
	// and never invoked for a voice that was stopped.
	Play(frame AudioFrame, at time.Duration, onEnded func()) (Voice, error)
}

// Voice is a handle to one frame scheduled on an [Output].
type Voice interface {
	// Stop silences the voice whether it is playing or still pending. Stopping
	// a finished or already stopped voice is a no-op.
	Stop()
}
