// Package playback turns queued response audio into a gapless schedule on an
// [audio.Output] clock.
//
// The [Engine] pulls chunk groups from an [ingest.Queue], wraps each group in
// a WAV container, decodes it and starts the resulting buffer exactly where
// the previous one ends. The engine is the sole owner of the playback clock
// (nextFreeTime) and of the active segment set.
//
// Interrupts are generation based: [Engine.Interrupt] bumps the generation, so
// a group that was being decoded while the interrupt happened is discarded
// instead of started, and late completion callbacks from stopped voices are
// ignored.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/ingest"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/wav"
)

// Grouping defaults.
const (
	DefaultChunkGroupMax         = 3
	DefaultChunkGroupMaxDuration = 300 * time.Millisecond
)

// Config controls how chunks are grouped and when a response starts.
type Config struct {
	// ChunkGroupMax is the maximum number of chunks per decode call.
	ChunkGroupMax int

	// ChunkGroupMaxDuration bounds the estimated audio per decode call.
	// At least one chunk is always taken.
	ChunkGroupMaxDuration time.Duration

	// InitialPlaybackDelay is added to the output clock when a segment cannot
	// chain onto the previous one (first segment or underrun).
	InitialPlaybackDelay time.Duration
}

// DefaultConfig returns the default grouping policy.
func DefaultConfig() Config {
	return Config{
		ChunkGroupMax:         DefaultChunkGroupMax,
		ChunkGroupMaxDuration: DefaultChunkGroupMaxDuration,
	}
}

// Decoder turns a container into a playable frame.
type Decoder interface {
	Decode(container []byte) (audio.AudioFrame, error)
}

// DecoderFunc adapts a function to [Decoder].
type DecoderFunc func(container []byte) (audio.AudioFrame, error)

// Decode implements [Decoder].
func (f DecoderFunc) Decode(container []byte) (audio.AudioFrame, error) { return f(container) }

// Segment describes one decoded group scheduled on the output clock.
type Segment struct {
	ID       uint64
	Chunks   int
	Bytes    int
	Start    time.Duration
	Duration time.Duration
}

// End returns Start + Duration.
func (s Segment) End() time.Duration { return s.Start + s.Duration }

// Option configures an [Engine].
type Option func(*Engine)

// WithConfig overrides the grouping policy.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithDecoder replaces the WAV decoder. Used by tests to inject failures.
func WithDecoder(d Decoder) Option {
	return func(e *Engine) { e.decoder = d }
}

// WithMetrics records scheduling metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOnComplete registers the callback fired when playback goes quiet: an
// end marker was reached, every segment finished and no further chunk is
// queued. Responses queued back to back produce one signal after the last.
// It runs on the engine's goroutine and must not call back into the engine
// synchronously.
func WithOnComplete(fn func()) Option {
	return func(e *Engine) { e.onComplete = fn }
}

// WithOnSegment registers a callback fired after each segment is scheduled.
func WithOnSegment(fn func(Segment)) Option {
	return func(e *Engine) { e.onSegment = fn }
}

// Engine schedules decoded response audio back to back on an output clock.
// All exported methods are safe for concurrent use.
type Engine struct {
	out     audio.Output
	queue   *ingest.Queue
	decoder Decoder
	metrics *observe.Metrics

	onComplete func()
	onSegment  func(Segment)

	mu       sync.Mutex
	cfg      Config
	gen      uint64
	nextFree time.Duration
	nextID   uint64
	active   map[uint64]audio.Voice

	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates an engine reading from q and playing on out. The engine starts
// its scheduling goroutine immediately; call [Engine.Close] to stop it.
func New(out audio.Output, q *ingest.Queue, opts ...Option) *Engine {
	e := &Engine{
		out:     out,
		queue:   q,
		decoder: DecoderFunc(wav.Decode),
		cfg:     DefaultConfig(),
		active:  make(map[uint64]audio.Voice),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	go e.run()
	return e
}

// SetConfig replaces the grouping policy. It applies to the next group.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.signal()
}

// Config returns the current grouping policy.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// NextFreeTime returns the clock position at which the next segment would
// chain. Zero after an interrupt or once a response completed.
func (e *Engine) NextFreeTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextFree
}

// Active returns the number of scheduled or playing segments.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Interrupt stops every scheduled or playing segment, empties the queue and
// resets the clock. Calling it again, or with nothing playing, is a no-op
// apart from bumping the generation.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	e.gen++
	voices := make([]audio.Voice, 0, len(e.active))
	for _, v := range e.active {
		voices = append(voices, v)
	}
	clear(e.active)
	e.nextFree = 0
	e.queue.Reset()
	e.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if len(voices) > 0 {
		slog.Debug("playback interrupted", "stopped_segments", len(voices))
	}
}

// Close interrupts playback and stops the scheduling goroutine.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() {
		close(e.done)
		<-e.stopped
		e.Interrupt()
	})
	return nil
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer close(e.stopped)
	for {
		e.pump()
		select {
		case <-e.done:
			return
		case <-e.queue.Ready():
		case <-e.wake:
		}
	}
}

// pump schedules every available group, then checks for completion.
func (e *Engine) pump() {
	for {
		select {
		case <-e.done:
			return
		default:
		}

		e.mu.Lock()
		cfg, gen := e.cfg, e.gen
		group := e.queue.Drain(cfg.ChunkGroupMax, cfg.ChunkGroupMaxDuration)
		if group == nil {
			popped := len(e.active) == 0 && e.queue.PopEnd()
			// A response queued behind the marker continues the playback
			// phase: no completion, and it chains on the current clock.
			complete := popped && e.queue.Len() == 0
			if complete {
				e.nextFree = 0
			}
			e.mu.Unlock()
			if !popped {
				return
			}
			if complete && e.onComplete != nil {
				e.onComplete()
			}
			continue
		}
		e.mu.Unlock()

		e.schedule(gen, group)
	}
}

// schedule decodes group and starts it at the next free clock position unless
// an interrupt happened since the group was drained.
func (e *Engine) schedule(gen uint64, group []ingest.Chunk) {
	ctx := context.Background()

	frame, err := e.decode(group)
	if err != nil {
		slog.Warn("playback: discarding chunk group", "chunks", len(group), "first_seq", group[0].Seq, "err", err)
		if e.metrics != nil {
			e.metrics.DecodeErrors.Add(ctx, 1)
		}
		return
	}
	dur := frame.Duration()

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	now := e.out.Now()
	start := e.nextFree
	if start == 0 || start < now {
		start = now + e.cfg.InitialPlaybackDelay
	}
	e.nextID++
	id := e.nextID
	frame.Timestamp = start
	voice, err := e.out.Play(frame, start, func() { e.segmentEnded(gen, id) })
	if err != nil {
		e.mu.Unlock()
		slog.Warn("playback: output rejected segment", "err", err)
		if e.metrics != nil {
			e.metrics.DecodeErrors.Add(ctx, 1)
		}
		return
	}
	e.active[id] = voice
	e.nextFree = start + dur
	e.mu.Unlock()

	seg := Segment{ID: id, Chunks: len(group), Bytes: len(frame.Data), Start: start, Duration: dur}
	if e.metrics != nil {
		e.metrics.PlaybackSegments.Add(ctx, 1)
		e.metrics.PlaybackLead.Record(ctx, (start - now).Seconds())
	}
	if e.onSegment != nil {
		e.onSegment(seg)
	}
}

func (e *Engine) decode(group []ingest.Chunk) (audio.AudioFrame, error) {
	start := time.Now()
	chunks := make([][]byte, len(group))
	for i, c := range group {
		chunks[i] = c.Data
	}
	container := wav.Encode(wav.PCM16(e.queue.Format()), chunks...)
	frame, err := e.decoder.Decode(container)
	if e.metrics != nil {
		e.metrics.DecodeDuration.Record(context.Background(), time.Since(start).Seconds())
	}
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("decode %d bytes: %w", len(container), err)
	}
	return frame, nil
}

func (e *Engine) segmentEnded(gen, id uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	delete(e.active, id)
	e.mu.Unlock()
	e.signal()
}
