// Package mock provides in-memory implementations of the [audio.Source] and
// [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// [Output] runs on a manual clock: nothing plays until the test calls
// [Output.Advance], which fires completion callbacks in end-time order.
//
//	out := &mock.Output{}
//	v, _ := out.Play(frame, 0, func() { done <- struct{}{} })
//	out.Advance(frame.Duration()) // onEnded fires here
package mock

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Tests push blocks through
// [Source.Emit] as if the device callback had fired.
type Source struct {
	mu sync.Mutex

	// FormatResult is returned by [Source.Format].
	FormatResult audio.Format

	// StartError is returned by [Source.Start]. When set, the callback is not
	// retained.
	StartError error

	// StopError is returned by [Source.Stop].
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	onBlock func([]float32)
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Start implements [audio.Source].
func (s *Source) Start(onBlock func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.onBlock = onBlock
	return nil
}

// Stop implements [audio.Source]. After Stop, Emit is a no-op.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.onBlock = nil
	return s.StopError
}

// Emit delivers one block to the registered callback, if the source is
// running. It reports whether the block was delivered.
func (s *Source) Emit(samples []float32) bool {
	s.mu.Lock()
	cb := s.onBlock
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(samples)
	return true
}

// ─── Output ──────────────────────────────────────────────────────────────────

// PlayCall records a single invocation of [Output.Play].
type PlayCall struct {
	Frame audio.AudioFrame
	At    time.Duration
}

// Output is a mock implementation of [audio.Output] driven by a manual clock.
type Output struct {
	mu sync.Mutex

	// PlayError, when non-nil, is returned by [Output.Play].
	PlayError error

	// PlayCalls records every Play invocation in order.
	PlayCalls []PlayCall

	now    time.Duration
	voices []*Voice
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Play implements [audio.Output]. A start time in the past is clamped to the
// current clock, as a real device would.
func (o *Output) Play(frame audio.AudioFrame, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.PlayCalls = append(o.PlayCalls, PlayCall{Frame: frame, At: at})
	if o.PlayError != nil {
		return nil, o.PlayError
	}
	start := max(at, o.now)
	v := &Voice{
		out:     o,
		Start:   start,
		End:     start + frame.Duration(),
		onEnded: onEnded,
	}
	o.voices = append(o.voices, v)
	return v, nil
}

// Advance moves the clock forward by d and fires onEnded, in end-time order,
// for every voice that finished. Callbacks run on the caller's goroutine after
// the mock's lock is released.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var ended []*Voice
	remaining := o.voices[:0]
	for _, v := range o.voices {
		switch {
		case v.stopped:
		case v.End <= o.now:
			v.ended = true
			ended = append(ended, v)
		default:
			remaining = append(remaining, v)
		}
	}
	o.voices = remaining
	o.mu.Unlock()

	slices.SortStableFunc(ended, func(a, b *Voice) int {
		return cmp.Compare(a.End, b.End)
	})
	for _, v := range ended {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}

// Pending returns the voices that have neither finished nor been stopped.
func (o *Output) Pending() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*Voice
	for _, v := range o.voices {
		if !v.stopped {
			out = append(out, v)
		}
	}
	return out
}

// Calls returns a copy of PlayCalls.
func (o *Output) Calls() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.PlayCalls)
}

// Voice is the handle returned by [Output.Play].
type Voice struct {
	out *Output

	// Start and End are the effective interval on the manual clock.
	Start, End time.Duration

	onEnded func()
	stopped bool
	ended   bool

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	v.CallCountStop++
	if !v.ended {
		v.stopped = true
	}
}

// Stopped reports whether the voice was silenced before it finished.
func (v *Voice) Stopped() bool {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	return v.stopped
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Output = (*Output)(nil)
	_ audio.Voice  = (*Voice)(nil)
)
