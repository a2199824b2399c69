// Package ingest buffers inbound response audio between the transport and the
// playback engine.
//
// The [Queue] decouples network delivery cadence from playback cadence: the
// transport pushes raw PCM chunks as they arrive and the playback engine
// drains them in groups. The end-of-stream marker travels in-band, so chunks
// pushed after it belong to the next response and are never merged into a
// group with the previous one.
//
// All methods are safe for concurrent use. Buffering is unbounded; responses
// are finite and chunks small.
package ingest

import (
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Chunk is one inbound block of raw PCM bytes.
type Chunk struct {
	// Seq increases by one for every chunk pushed over the queue's lifetime.
	// It is diagnostic only; ordering is implied by the FIFO.
	Seq uint64

	// Data is little-endian 16-bit PCM in the queue's format.
	Data []byte

	// Arrived is the wall-clock receive time.
	Arrived time.Time
}

// item is either a chunk or, when end is set, a stream end marker.
type item struct {
	chunk Chunk
	end   bool
}

// Queue is an unbounded FIFO of inbound chunks and stream end markers.
type Queue struct {
	format audio.Format

	mu    sync.Mutex
	items []item
	seq   uint64

	ready chan struct{}
}

// NewQueue returns an empty queue whose chunks are PCM in format f. The format
// is used to estimate chunk durations for [Queue.Drain].
func NewQueue(f audio.Format) *Queue {
	return &Queue{
		format: f,
		ready:  make(chan struct{}, 1),
	}
}

// Format returns the PCM format of queued chunks.
func (q *Queue) Format() audio.Format { return q.format }

// Ready returns a channel that receives a value whenever the queue changed.
// A single pending notification covers any number of changes.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Push appends data as a new chunk and returns it. The queue takes ownership
// of data.
func (q *Queue) Push(data []byte) Chunk {
	q.mu.Lock()
	q.seq++
	c := Chunk{Seq: q.seq, Data: data, Arrived: time.Now()}
	q.items = append(q.items, item{chunk: c})
	q.mu.Unlock()
	q.notify()
	return c
}

// PushEnd appends a stream end marker. A marker pushed directly after another
// marker is dropped: an empty response has nothing to terminate twice.
func (q *Queue) PushEnd() {
	q.mu.Lock()
	if n := len(q.items); n > 0 && q.items[n-1].end {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item{end: true})
	q.mu.Unlock()
	q.notify()
}

// Drain removes and returns the next group of chunks in arrival order. It
// takes at least one chunk when any precedes the next end marker, then keeps
// taking while fewer than maxChunks are held and their estimated duration is
// below maxDur. A zero maxChunks or maxDur disables that bound. Drain never
// crosses an end marker and returns nil when no chunk is available.
func (q *Queue) Drain(maxChunks int, maxDur time.Duration) []Chunk {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		out   []Chunk
		total time.Duration
	)
	n := 0
	for n < len(q.items) && !q.items[n].end {
		if len(out) > 0 {
			if maxChunks > 0 && len(out) >= maxChunks {
				break
			}
			if maxDur > 0 && total >= maxDur {
				break
			}
		}
		c := q.items[n].chunk
		out = append(out, c)
		total += q.format.Duration(len(c.Data))
		n++
	}
	if n == 0 {
		return nil
	}
	clear(q.items[:n])
	q.items = q.items[n:]
	return out
}

// EndOfStream reports whether the head of the queue is an end marker, meaning
// every chunk of the current response has been drained.
func (q *Queue) EndOfStream() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0 && q.items[0].end
}

// PopEnd removes the end marker at the head of the queue. It reports false
// and changes nothing when the head is not a marker.
func (q *Queue) PopEnd() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || !q.items[0].end {
		return false
	}
	q.items[0] = item{}
	q.items = q.items[1:]
	return true
}

// Len returns the number of buffered chunks, excluding end markers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if !it.end {
			n++
		}
	}
	return n
}

// Buffered returns the estimated playback duration of all buffered chunks.
func (q *Queue) Buffered() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	var d time.Duration
	for _, it := range q.items {
		if !it.end {
			d += q.format.Duration(len(it.chunk.Data))
		}
	}
	return d
}

// Reset discards every buffered chunk and end marker. The sequence counter
// keeps counting.
func (q *Queue) Reset() {
	q.mu.Lock()
	clear(q.items)
	q.items = q.items[:0]
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
