package mixer

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output = (*Timeline)(nil)
	_ audio.Voice  = (*voice)(nil)
)

const (
	// defaultQueueCap is the initial capacity of the schedule heap.
	defaultQueueCap = 16

	// endedBacklog bounds completion callbacks waiting for dispatch.
	endedBacklog = 64
)

// ErrClosed is returned by Play after Close.
var ErrClosed = errors.New("mixer: timeline closed")

// Timeline mixes scheduled frames into a PCM16 stream in a fixed format.
// A device reads from it through [Timeline.Read]; each read advances the
// clock by the frames rendered. Silence fills every gap.
//
// Frames in another format are converted on Play; frames that cannot be
// converted are rejected. Overlapping voices are
// summed and clamped. Completion callbacks run on a dispatch goroutine, never
// under the timeline lock and never from Play.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	format audio.Format
	conv   *audio.Conformer

	mu      sync.Mutex
	pos     int64 // frames rendered
	seq     uint64
	queue   voiceHeap // not yet started
	playing []*voice
	mixBuf  []int32
	closed  bool

	ended    chan func()
	done     chan struct{}
	finished chan struct{}
}

// New returns a timeline rendering in format f. It starts a background
// dispatch goroutine; call [Timeline.Close] to stop it.
func New(f audio.Format) *Timeline {
	t := &Timeline{
		format:   f,
		conv:     audio.NewConformer(f),
		queue:    make(voiceHeap, 0, defaultQueueCap),
		ended:    make(chan func(), endedBacklog),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	heap.Init(&t.queue)
	go t.dispatch()
	return t
}

// Format returns the rendering format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now implements [audio.Output]. It returns the position of the next frame to
// be rendered.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDuration(t.pos)
}

// Play implements [audio.Output].
func (t *Timeline) Play(frame audio.AudioFrame, at time.Duration, onEnded func()) (audio.Voice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	frame, err := t.conv.Conform(frame)
	if err != nil {
		return nil, fmt.Errorf("mixer: %w", err)
	}

	t.seq++
	v := &voice{
		t:       t,
		seq:     t.seq,
		start:   max(t.toFrames(at), t.pos),
		data:    frame.Data,
		onEnded: onEnded,
	}
	v.end = v.start + int64(len(frame.Data)/t.frameBytes())
	heap.Push(&t.queue, v)
	return v, nil
}

// Pending returns the number of voices scheduled or playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, v := range t.queue {
		if !v.stopped {
			n++
		}
	}
	for _, v := range t.playing {
		if !v.stopped {
			n++
		}
	}
	return n
}

// Read renders len(p) bytes, rounded down to whole frames, and advances the
// clock. It never blocks and never fails before Close.
func (t *Timeline) Read(p []byte) (int, error) {
	fb := t.frameBytes()
	frames := len(p) / fb
	if frames == 0 {
		return 0, nil
	}
	samples := frames * t.format.Channels

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	from, to := t.pos, t.pos+int64(frames)

	for t.queue.Len() > 0 && t.queue[0].start < to {
		v := heap.Pop(&t.queue).(*voice)
		if !v.stopped {
			t.playing = append(t.playing, v)
		}
	}

	if cap(t.mixBuf) < samples {
		t.mixBuf = make([]int32, samples)
	}
	mix := t.mixBuf[:samples]
	clear(mix)

	var finished []func()
	remaining := t.playing[:0]
	for _, v := range t.playing {
		if v.stopped {
			continue
		}
		v.mixInto(mix, from, to, t.format.Channels)
		if v.end <= to {
			v.done = true
			if v.onEnded != nil {
				finished = append(finished, v.onEnded)
			}
			continue
		}
		remaining = append(remaining, v)
	}
	clear(t.playing[len(remaining):])
	t.playing = remaining
	t.pos = to
	t.mu.Unlock()

	for i, s := range mix {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(min(max(s, math.MinInt16), math.MaxInt16))))
	}
	for _, fn := range finished {
		select {
		case t.ended <- fn:
		case <-t.done:
		}
	}
	return frames * fb, nil
}

// Close stops every voice and the dispatch goroutine. Pending completion
// callbacks are dropped. Close is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, v := range t.queue {
		v.stopped = true
	}
	for _, v := range t.playing {
		v.stopped = true
	}
	t.queue = t.queue[:0]
	t.playing = nil
	t.mu.Unlock()

	close(t.done)
	<-t.finished
	return nil
}

// dispatch runs completion callbacks in the order frames finished.
func (t *Timeline) dispatch() {
	defer close(t.finished)
	for {
		select {
		case <-t.done:
			return
		case fn := <-t.ended:
			fn()
		}
	}
}

func (t *Timeline) frameBytes() int { return 2 * max(t.format.Channels, 1) }

// toFrames rounds d to the nearest frame so durations computed by truncating
// frame counts map back to the same frame.
func (t *Timeline) toFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	rate := int64(t.format.SampleRate)
	return (int64(d)*rate + int64(time.Second)/2) / int64(time.Second)
}

func (t *Timeline) toDuration(frames int64) time.Duration {
	if t.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(t.format.SampleRate))
}

// voice is one frame scheduled on a [Timeline].
type voice struct {
	t          *Timeline
	seq        uint64
	start, end int64 // frame interval on the timeline clock
	data       []byte
	onEnded    func()
	stopped    bool
	done       bool
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if !v.done {
		v.stopped = true
	}
}

// mixInto adds the part of v overlapping [from, to) to mix.
func (v *voice) mixInto(mix []int32, from, to int64, channels int) {
	lo, hi := max(v.start, from), min(v.end, to)
	for f := lo; f < hi; f++ {
		src := int((f - v.start)) * channels
		dst := int(f-from) * channels
		for c := range channels {
			mix[dst+c] += int32(int16(binary.LittleEndian.Uint16(v.data[(src+c)*2:])))
		}
	}
}
