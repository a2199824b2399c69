// Package capture turns a live [audio.Source] into a stream of fixed-size
// PCM16 mono chunks for the transport.
//
// The device callback only quantizes into a preallocated accumulator and
// enqueues completed chunks on a bounded channel; a sender goroutine hands
// them to the transport in creation order. A slow or failing transport never
// blocks the callback: send failures are logged and counted, and chunks that
// find the queue full are dropped.
//
// Muting gates emission without stopping the device. The accumulator keeps
// running, so a chunk that completes while muted is discarded and resumed
// capture is aligned to the next chunk boundary.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultChunkSamples is the default number of samples per outbound chunk.
const DefaultChunkSamples = 4096

const defaultQueueSize = 32

var (
	// ErrDeviceUnavailable wraps errors from opening the capture device.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrRunning is returned by Start on a pipeline that is already running.
	ErrRunning = errors.New("capture: already running")
)

// SendFunc delivers one outbound chunk. It is called sequentially from the
// pipeline's sender goroutine.
type SendFunc func(ctx context.Context, chunk []byte) error

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithChunkSamples sets the chunk size in samples. Non-positive values are
// ignored.
func WithChunkSamples(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkSamples = n
		}
	}
}

// WithQueueSize sets how many completed chunks may wait for the sender.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithMetrics records chunk and send-error counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline captures audio from a source and sends fixed-size chunks.
// Start and Stop may be called repeatedly; each run starts with an empty
// accumulator.
type Pipeline struct {
	src          audio.Source
	send         SendFunc
	chunkSamples int
	queueSize    int
	metrics      *observe.Metrics

	muted atomic.Bool
	sent  atomic.Uint64

	mu       sync.Mutex
	running  bool
	acc      *Accumulator
	mix      []float32
	channels int
	queue    chan []byte
	ctx      context.Context
	senderWG sync.WaitGroup
}

// New returns a stopped pipeline reading from src and delivering chunks to
// send.
func New(src audio.Source, send SendFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:          src,
		send:         send,
		chunkSamples: DefaultChunkSamples,
		queueSize:    defaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ChunkSamples returns the configured chunk size.
func (p *Pipeline) ChunkSamples() int { return p.chunkSamples }

// Format returns the source format. Outbound chunks are always mono at this
// rate.
func (p *Pipeline) Format() audio.Format { return p.src.Format() }

// SetMuted gates chunk emission. The device keeps running.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports whether emission is gated.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Sent returns the number of chunks successfully handed to the send function
// over the pipeline's lifetime.
func (p *Pipeline) Sent() uint64 { return p.sent.Load() }

// Running reports whether the source is open.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start opens the source and begins sending chunks. ctx is passed to every
// send call. A device error is wrapped with [ErrDeviceUnavailable].
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrRunning
	}
	f := p.src.Format()
	p.channels = max(f.Channels, 1)
	p.acc = NewAccumulator(p.chunkSamples)
	p.queue = make(chan []byte, p.queueSize)
	p.ctx = ctx
	p.running = true
	queue := p.queue
	p.mu.Unlock()

	p.senderWG.Add(1)
	go p.sender(ctx, queue)

	if err := p.src.Start(p.onBlock); err != nil {
		p.mu.Lock()
		p.running = false
		close(queue)
		p.mu.Unlock()
		p.senderWG.Wait()
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	slog.Debug("capture started", "format", f, "chunk_samples", p.chunkSamples)
	return nil
}

// Stop closes the source, emits the final partial chunk unless muted, and
// waits until every queued chunk was handed to the send function. Stopping a
// stopped pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	srcErr := p.src.Stop()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	if tail := p.acc.Flush(); tail != nil && !p.muted.Load() {
		p.enqueueLocked(tail)
	}
	close(p.queue)
	p.mu.Unlock()

	p.senderWG.Wait()
	if srcErr != nil {
		return fmt.Errorf("capture: stop source: %w", srcErr)
	}
	return nil
}

// onBlock runs on the device's realtime thread.
func (p *Pipeline) onBlock(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	if p.channels > 1 {
		if cap(p.mix) < len(samples)/p.channels {
			p.mix = make([]float32, len(samples)/p.channels)
		}
		samples = downmix(p.mix, samples, p.channels)
	}
	p.acc.Write(samples, p.emitLocked)
}

func (p *Pipeline) emitLocked(chunk []byte) {
	if p.muted.Load() {
		return
	}
	out := make([]byte, len(chunk))
	copy(out, chunk)
	p.enqueueLocked(out)
}

func (p *Pipeline) enqueueLocked(chunk []byte) {
	select {
	case p.queue <- chunk:
	default:
		if p.metrics != nil {
			p.metrics.CaptureSendErrors.Add(p.ctx, 1)
		}
		slog.Warn("capture: send queue full, dropping chunk", "bytes", len(chunk))
	}
}

func (p *Pipeline) sender(ctx context.Context, queue <-chan []byte) {
	defer p.senderWG.Done()
	for chunk := range queue {
		if err := p.send(ctx, chunk); err != nil {
			if p.metrics != nil {
				p.metrics.CaptureSendErrors.Add(ctx, 1)
			}
			slog.Warn("capture: send chunk failed", "bytes", len(chunk), "err", err)
			continue
		}
		p.sent.Add(1)
		if p.metrics != nil {
			p.metrics.CaptureChunks.Add(ctx, 1)
		}
	}
}
