// Package session owns one duplex voice conversation on the client side.
//
// A [Session] ties together the pieces of a conversation: the capture
// pipeline that streams microphone audio out, the ingestion queue and
// playback engine that schedule the response audio gaplessly, the
// conversation state machine, and the transport that carries protocol
// events. It is the only component that reacts to protocol events, so the
// state machine and the playback clock each have exactly one writer.
//
// Interruption is a cleanup sequence rather than a separate object: stop every
// scheduled segment, empty the queue, reset the clock and tell the relay. The
// same cleanup, minus the outbound event, runs on processing_error,
// response_canceled and connection loss.
//
// All exported methods are safe for concurrent use. Inbound events are handled
// on the transport's goroutine in arrival order.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/ingest"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/protocol"
)

// Interruption origins recorded in the parley.interruptions counter.
const (
	OriginLocal   = "local"
	OriginBargeIn = "barge_in"
)

// DefaultPlaybackFormat is the format of inbound audio_chunk PCM.
var DefaultPlaybackFormat = audio.Format{SampleRate: 24000, Channels: 1}

var (
	// ErrAlreadyStarted is returned by Start while capture is running.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// Option configures a [Session].
type Option func(*Session)

// WithPlaybackFormat sets the format of inbound response audio.
func WithPlaybackFormat(f audio.Format) Option {
	return func(s *Session) { s.playbackFormat = f }
}

// WithPlaybackConfig sets the initial chunk grouping policy.
func WithPlaybackConfig(cfg playback.Config) Option {
	return func(s *Session) { s.playbackCfg = cfg }
}

// WithChunkSamples sets the outbound chunk size in samples.
func WithChunkSamples(n int) Option {
	return func(s *Session) { s.chunkSamples = n }
}

// WithMetrics sets the metrics sink shared by the session's components.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithDecoder replaces the container decoder used by the playback engine.
func WithDecoder(d playback.Decoder) Option {
	return func(s *Session) { s.decoder = d }
}

// WithNoticeHandler registers fn to receive notices. fn runs synchronously
// on the goroutine that caused the notice and must not block.
func WithNoticeHandler(fn func(Notice)) Option {
	return func(s *Session) { s.onNotice = fn }
}

// Session is one client-side voice conversation.
type Session struct {
	tr      transport.Transport
	machine *conversation.Machine
	queue   *ingest.Queue
	engine  *playback.Engine
	capture *capture.Pipeline
	metrics *observe.Metrics

	playbackFormat audio.Format
	playbackCfg    playback.Config
	chunkSamples   int
	decoder        playback.Decoder
	onNotice       func(Notice)

	// mu orders inbound audio against cleanup so that no chunk of a cleaned
	// up response reaches the queue.
	mu sync.Mutex
	// discarding drops inbound audio of a response that was cleaned up
	// locally until the relay closes it.
	discarding bool
	closed     bool

	// lifecycle serialises Start, Stop, Close and the disconnect reset.
	lifecycle sync.Mutex
}

// New returns a session that captures from src, plays on out and talks over
// tr. It registers its handlers on tr immediately; start tr afterwards.
func New(tr transport.Transport, src audio.Source, out audio.Output, opts ...Option) *Session {
	s := &Session{
		tr:             tr,
		machine:        conversation.NewMachine(),
		playbackFormat: DefaultPlaybackFormat,
		playbackCfg:    playback.DefaultConfig(),
		chunkSamples:   capture.DefaultChunkSamples,
	}
	for _, o := range opts {
		o(s)
	}

	s.queue = ingest.NewQueue(s.playbackFormat)
	engineOpts := []playback.Option{
		playback.WithConfig(s.playbackCfg),
		playback.WithOnComplete(s.onAudioComplete),
	}
	if s.decoder != nil {
		engineOpts = append(engineOpts, playback.WithDecoder(s.decoder))
	}
	if s.metrics != nil {
		engineOpts = append(engineOpts, playback.WithMetrics(s.metrics))
	}
	s.engine = playback.New(out, s.queue, engineOpts...)

	captureOpts := []capture.Option{capture.WithChunkSamples(s.chunkSamples)}
	if s.metrics != nil {
		captureOpts = append(captureOpts, capture.WithMetrics(s.metrics))
	}
	s.capture = capture.New(src, s.sendChunk, captureOpts...)

	s.machine.Observe(func(tr conversation.Transition) {
		s.notify(Notice{Kind: NoticeState, From: tr.From, To: tr.To})
	})

	s.register()
	return s
}

// State returns the conversation state.
func (s *Session) State() conversation.State { return s.machine.State() }

// Capturing reports whether the microphone is streaming.
func (s *Session) Capturing() bool { return s.machine.Capturing() }

// SetMuted gates outbound audio without stopping the microphone.
func (s *Session) SetMuted(muted bool) { s.capture.SetMuted(muted) }

// Muted reports whether outbound audio is gated.
func (s *Session) Muted() bool { return s.capture.Muted() }

// SetPlaybackConfig replaces the chunk grouping policy for the next group.
func (s *Session) SetPlaybackConfig(cfg playback.Config) { s.engine.SetConfig(cfg) }

// PlaybackConfig returns the current chunk grouping policy.
func (s *Session) PlaybackConfig() playback.Config { return s.engine.Config() }

// NextFreeTime returns the playback clock's next chaining position.
func (s *Session) NextFreeTime() time.Duration { return s.engine.NextFreeTime() }

// ActiveSegments returns the number of scheduled or playing segments.
func (s *Session) ActiveSegments() int { return s.engine.Active() }

// Start announces the capture rate to the relay and starts streaming
// microphone audio. A device error is returned wrapped with
// [capture.ErrDeviceUnavailable] and leaves the session idle.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.isClosed() {
		return ErrClosed
	}
	if s.capture.Running() {
		return ErrAlreadyStarted
	}

	rate := s.capture.Format().SampleRate
	if err := s.tr.Send(ctx, protocol.EventStartRecording, protocol.StartRecording{SampleRate: rate}); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}
	if err := s.capture.Start(ctx); err != nil {
		if serr := s.tr.Send(ctx, protocol.EventStopRecording, nil); serr != nil {
			slog.Warn("session: failed to close upstream after device error", "err", serr)
		}
		return fmt.Errorf("session: start: %w", err)
	}

	s.machine.SetCapturing(true)
	s.machine.Fire(conversation.EventStart)
	slog.Info("session: capture started", "sample_rate", rate, "chunk_samples", s.capture.ChunkSamples())
	return nil
}

// Stop stops the microphone, flushes the final partial chunk and tells the
// relay the user is done. A response that is already playing keeps playing.
func (s *Session) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.capture.Running() {
		return nil
	}
	err := s.capture.Stop()
	s.machine.SetCapturing(false)
	s.machine.Fire(conversation.EventStop)

	if serr := s.tr.Send(ctx, protocol.EventStopRecording, nil); serr != nil {
		s.notify(Notice{Kind: NoticeTransportError, Err: serr})
		err = errors.Join(err, fmt.Errorf("session: stop: %w", serr))
	}
	slog.Info("session: capture stopped", "chunks_sent", s.capture.Sent())
	return err
}

// Interrupt cancels the response that is currently playing: every scheduled
// segment stops, buffered audio is dropped, the playback clock resets and
// interrupt_response is sent. Interrupt is a no-op unless a response is
// playing, so calling it twice equals calling it once.
func (s *Session) Interrupt(ctx context.Context) error {
	return s.interrupt(ctx, OriginLocal)
}

func (s *Session) interrupt(ctx context.Context, origin string) error {
	if _, changed := s.machine.Fire(conversation.EventInterrupt); !changed {
		return nil
	}

	s.cleanup(true)

	var err error
	if serr := s.tr.Send(ctx, protocol.EventInterruptResponse, nil); serr != nil {
		s.notify(Notice{Kind: NoticeTransportError, Err: serr})
		err = fmt.Errorf("session: interrupt: %w", serr)
	}
	if s.metrics != nil {
		s.metrics.RecordInterruption(ctx, origin)
	}
	slog.Info("session: response interrupted", "origin", origin)

	s.machine.Fire(conversation.EventResume)
	return err
}

// cleanup drops the current response. With discard set, audio still in
// flight for it is dropped until the relay closes the response.
func (s *Session) cleanup(discard bool) {
	s.mu.Lock()
	s.discarding = discard
	s.engine.Interrupt()
	s.mu.Unlock()
}

// Close stops capture and playback and detaches from the transport. The
// transport itself is left to its owner.
func (s *Session) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.capture.Stop()
	s.machine.SetCapturing(false)
	s.machine.Fire(conversation.EventDisconnected)
	if eerr := s.engine.Close(); eerr != nil {
		err = errors.Join(err, eerr)
	}
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) notify(n Notice) {
	if s.onNotice != nil {
		s.onNotice(n)
	}
}

// sendChunk is the capture pipeline's send function.
func (s *Session) sendChunk(ctx context.Context, chunk []byte) error {
	if err := s.tr.Send(ctx, protocol.EventAudioInputChunk, protocol.NewAudio(chunk)); err != nil {
		s.notify(Notice{Kind: NoticeTransportError, Err: err})
		return err
	}
	return nil
}

// onAudioComplete runs on the playback engine's goroutine. A chunk that
// arrived after the engine found the queue empty belongs to a response that
// is already playing.
func (s *Session) onAudioComplete() {
	if s.queue.Len() > 0 {
		return
	}
	s.machine.Fire(conversation.EventAudioComplete)
}

func (s *Session) register() {
	s.tr.OnEvent(protocol.EventAudioChunk, s.handleAudioChunk)
	s.tr.OnEvent(protocol.EventAudioStreamEnd, s.handleStreamEnd)
	s.tr.OnEvent(protocol.EventSpeechStarted, s.handleSpeechStarted)
	s.tr.OnEvent(protocol.EventSpeechStopped, s.fireOn(conversation.EventSpeechStopped))
	s.tr.OnEvent(protocol.EventProcessingStarted, s.fireOn(conversation.EventProcessingStarted))
	s.tr.OnEvent(protocol.EventResponseStarting, s.handleResponseStarting)
	s.tr.OnEvent(protocol.EventResponseCanceled, s.handleResponseCanceled)
	s.tr.OnEvent(protocol.EventProcessingError, s.handleProcessingError)
	s.tr.OnEvent(protocol.EventTextChunk, s.handleText)
	s.tr.OnConnected(func() { s.notify(Notice{Kind: NoticeConnected}) })
	s.tr.OnDisconnected(s.handleDisconnected)
}

func (s *Session) fireOn(e conversation.Event) transport.Handler {
	return func(json.RawMessage) { s.machine.Fire(e) }
}

func (s *Session) handleAudioChunk(data json.RawMessage) {
	var payload protocol.Audio
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("session: malformed audio_chunk", "err", err)
		return
	}
	pcm, err := protocol.DecodeAudio(payload)
	if err != nil {
		slog.Warn("session: dropping audio_chunk", "err", err)
		return
	}
	// Chunks are concatenated before decoding, so a partial frame would fail
	// its whole group.
	if fb := 2 * max(s.playbackFormat.Channels, 1); len(pcm)%fb != 0 {
		slog.Warn("session: dropping audio_chunk with a partial frame", "bytes", len(pcm), "frame_bytes", fb)
		return
	}

	s.mu.Lock()
	if s.discarding || s.closed {
		s.mu.Unlock()
		return
	}
	s.queue.Push(pcm)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IngestChunks.Add(context.Background(), 1)
	}
	s.machine.Fire(conversation.EventFirstChunk)
}

func (s *Session) handleStreamEnd(json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarding {
		// Closes the response that was cleaned up locally.
		s.discarding = false
		return
	}
	s.queue.PushEnd()
}

func (s *Session) handleSpeechStarted(json.RawMessage) {
	if s.machine.State() == conversation.AIResponding {
		if err := s.interrupt(context.Background(), OriginBargeIn); err != nil {
			slog.Warn("session: barge-in", "err", err)
		}
	}
	s.machine.Fire(conversation.EventSpeechStarted)
}

func (s *Session) handleResponseStarting(json.RawMessage) {
	s.mu.Lock()
	s.discarding = false
	s.mu.Unlock()
	s.machine.Fire(conversation.EventResponseStarting)
}

// handleResponseCanceled cleans up without echoing interrupt_response. The
// relay follows it with audio_stream_end, which the discard flag swallows.
func (s *Session) handleResponseCanceled(json.RawMessage) {
	s.cleanup(true)
	s.machine.Fire(conversation.EventResponseCanceled)
}

func (s *Session) handleProcessingError(data json.RawMessage) {
	var payload protocol.ProcessingError
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("session: malformed processing_error", "err", err)
	}
	slog.Warn("session: processing error", "error", payload.Error)

	s.cleanup(true)
	s.machine.Fire(conversation.EventProcessingError)
	s.notify(Notice{Kind: NoticeProcessingError, Text: payload.Error})
}

func (s *Session) handleText(data json.RawMessage) {
	var payload protocol.TextChunk
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("session: malformed text_chunk", "err", err)
		return
	}
	if payload.Text == "" {
		return
	}
	s.notify(Notice{Kind: NoticeText, Text: payload.Text})
}

// handleDisconnected resets the session: playback is cleaned up, capture
// stops and the state returns to idle. A new connection starts clean.
func (s *Session) handleDisconnected(reason error) {
	s.cleanup(false)

	s.lifecycle.Lock()
	if err := s.capture.Stop(); err != nil {
		slog.Warn("session: stop capture after disconnect", "err", err)
	}
	s.lifecycle.Unlock()

	s.machine.SetCapturing(false)
	s.machine.Fire(conversation.EventDisconnected)
	slog.Warn("session: disconnected", "reason", reason)
	s.notify(Notice{Kind: NoticeDisconnected, Err: reason})
}
