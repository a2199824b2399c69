// Package relay bridges parley clients to an upstream speech-to-speech
// service.
//
// Each websocket connection speaks the parley event protocol (see package
// protocol). start_recording opens one upstream [s2s.SessionHandle];
// audio_input_chunk is resampled to the provider's input rate and forwarded;
// interrupt_response cancels the current upstream response; stop_recording
// ends the upstream session. Upstream events are translated back into
// protocol events. Whenever an upstream session ends, for whatever reason,
// the client receives audio_stream_end so it never waits on a response that
// cannot finish.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/protocol"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

const (
	// DefaultInputSampleRate is the provider input rate when none is set.
	DefaultInputSampleRate = 16000

	writeTimeout = 5 * time.Second
	readLimit    = 4 << 20
)

// Upstream error kinds recorded in parley.relay.upstream_errors.
const (
	errKindConnect   = "connect"
	errKindSend      = "send"
	errKindInterrupt = "interrupt"
	errKindProvider  = "provider"
	errKindSession   = "session"
)

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithInputSampleRate sets the PCM rate the provider expects. Client audio is
// resampled to it.
func WithInputSampleRate(rate int) Option {
	return func(s *Server) {
		if rate > 0 {
			s.inputRate = rate
		}
	}
}

// WithInstructions sets the system prompt sent with every upstream session.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions.Store(&text) }
}

// WithVoice selects the synthesized voice.
func WithVoice(voice string) Option {
	return func(s *Server) { s.voice = voice }
}

// WithBreaker guards upstream connects. While b is open, start_recording is
// answered with processing_error right away.
func WithBreaker(b *resilience.Breaker) Option {
	return func(s *Server) { s.breaker = b }
}

// WithOriginPatterns allows cross-origin websocket handshakes from the given
// host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// Server is an [http.Handler] that relays parley clients to an S2S provider.
// It is safe for concurrent use.
type Server struct {
	provider       s2s.Provider
	metrics        *observe.Metrics
	inputRate      int
	voice          string
	originPatterns []string
	breaker        *resilience.Breaker

	instructions atomic.Pointer[string]
	active       atomic.Int64

	// ctx is cancelled by Close and ends every connection.
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a relay for provider.
func New(provider s2s.Provider, opts ...Option) *Server {
	s := &Server{
		provider:  provider,
		inputRate: DefaultInputSampleRate,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	empty := ""
	s.instructions.Store(&empty)
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetInstructions replaces the system prompt for sessions opened from now on.
func (s *Server) SetInstructions(text string) { s.instructions.Store(&text) }

// Close disconnects every client. Hijacked websocket connections are not
// tracked by [http.Server.Shutdown], so call Close alongside it.
func (s *Server) Close() {
	s.cancel()
}

// Active returns the number of connected clients.
func (s *Server) Active() int { return int(s.active.Load()) }

// ServeHTTP upgrades the request to a websocket and serves it until the
// client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		slog.Warn("relay: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(readLimit)

	id := uuid.NewString()
	ctx, span, log := observe.StartSession(context.WithoutCancel(r.Context()), id)
	defer span.End()

	c := &conn{
		id:  id,
		srv: s,
		ws:  ws,
		log: log.With("remote", r.RemoteAddr),
	}

	s.active.Add(1)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
	}
	defer func() {
		s.active.Add(-1)
		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(ctx, -1)
		}
	}()

	c.log.Info("relay: client connected")
	err = c.serve(ctx)
	switch {
	case err == nil:
		c.log.Info("relay: client disconnected")
		_ = ws.Close(websocket.StatusNormalClosure, "")
	default:
		c.log.Warn("relay: client connection ended", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		_ = ws.CloseNow()
	}
}

// conn is one client connection.
type conn struct {
	id  string
	srv *Server
	ws  *websocket.Conn
	log *slog.Logger

	g *errgroup.Group

	mu        sync.Mutex
	upstream  s2s.SessionHandle
	resampler *audio.StreamResampler
	// responding is set between response created and response done
	// upstream. Cancels outside that window have nothing to stop.
	responding bool
}

// serve reads client events until the connection closes, then tears the
// upstream session down and waits for its pump.
func (c *conn) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.srv.ctx, cancel)
	defer stop()

	var g errgroup.Group
	c.g = &g

	readErr := c.readLoop(ctx)

	c.closeUpstream()
	cancel()
	_ = g.Wait()

	if ctx.Err() != nil || errors.Is(readErr, context.Canceled) {
		return nil
	}
	switch websocket.CloseStatus(readErr) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return readErr
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, b, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.log.Warn("relay: ignoring binary message", "bytes", len(b))
			continue
		}
		env, err := protocol.Unmarshal(b)
		if err != nil {
			c.log.Warn("relay: malformed event", "err", err)
			continue
		}

		observe.ProtocolEvent(ctx, observe.Inbound, env.Event)
		switch env.Event {
		case protocol.EventStartRecording:
			c.start(ctx, env)
		case protocol.EventAudioInputChunk:
			c.forward(ctx, env)
		case protocol.EventStopRecording:
			c.log.Info("relay: stop_recording")
			c.closeUpstream()
		case protocol.EventInterruptResponse:
			c.interrupt(ctx)
		default:
			c.log.Debug("relay: ignoring event", "event", env.Event)
		}
	}
}

// start opens the upstream session. A second start_recording while one is
// open is ignored.
func (c *conn) start(ctx context.Context, env protocol.Envelope) {
	c.mu.Lock()
	open := c.upstream != nil
	c.mu.Unlock()
	if open {
		c.log.Warn("relay: start_recording while a session is open, ignoring")
		return
	}

	var req protocol.StartRecording
	if err := protocol.DecodePayload(env, &req); err != nil {
		c.log.Warn("relay: malformed start_recording", "err", err)
	}
	rate := req.SampleRate
	if rate <= 0 {
		c.log.Warn("relay: start_recording without sampleRate, assuming default", "sample_rate", protocol.DefaultSampleRate)
		rate = protocol.DefaultSampleRate
	}

	rs, err := audio.NewStreamResampler(
		audio.Format{SampleRate: rate, Channels: 1},
		audio.Format{SampleRate: c.srv.inputRate, Channels: 1},
	)
	if err != nil {
		c.fail(ctx, errKindConnect, err)
		return
	}

	c.log.Info("relay: opening upstream session", "client_rate", rate, "input_rate", c.srv.inputRate)
	cfg := s2s.SessionConfig{
		InputSampleRate: c.srv.inputRate,
		Voice:           c.srv.voice,
		Instructions:    *c.srv.instructions.Load(),
	}
	var sess s2s.SessionHandle
	connect := func(ctx context.Context) error {
		var err error
		sess, err = c.srv.provider.Connect(ctx, cfg)
		return err
	}
	if c.srv.breaker != nil {
		err = c.srv.breaker.Do(ctx, connect)
	} else {
		err = connect(ctx)
	}
	if err != nil {
		c.fail(ctx, errKindConnect, fmt.Errorf("connect upstream: %w", err))
		return
	}

	c.mu.Lock()
	c.upstream = sess
	c.resampler = rs
	c.responding = false
	c.mu.Unlock()

	c.g.Go(func() error {
		c.pump(ctx, sess)
		return nil
	})
}

// forward resamples one client chunk and sends it upstream.
func (c *conn) forward(ctx context.Context, env protocol.Envelope) {
	var payload protocol.Audio
	if err := protocol.DecodePayload(env, &payload); err != nil {
		c.log.Warn("relay: malformed audio_input_chunk", "err", err)
		return
	}
	pcm, err := protocol.DecodeAudio(payload)
	if err != nil {
		c.log.Warn("relay: dropping audio_input_chunk", "err", err)
		return
	}

	c.mu.Lock()
	sess, rs := c.upstream, c.resampler
	c.mu.Unlock()
	if sess == nil {
		c.log.Debug("relay: audio without an open session, dropping", "bytes", len(pcm))
		return
	}

	out, err := rs.Process(pcm)
	if err != nil {
		c.log.Warn("relay: resample failed, dropping chunk", "err", err)
		return
	}
	if len(out) == 0 {
		return
	}
	if err := sess.SendAudio(ctx, out); err != nil {
		c.log.Warn("relay: forwarding audio failed", "err", err)
		c.recordUpstreamError(ctx, errKindSend)
	}
}

func (c *conn) interrupt(ctx context.Context) {
	c.mu.Lock()
	sess, responding := c.upstream, c.responding
	c.mu.Unlock()

	if c.srv.metrics != nil {
		c.srv.metrics.RecordInterruption(ctx, "client")
	}
	if sess == nil {
		c.log.Debug("relay: interrupt without an open session")
		return
	}
	if !responding {
		// Barge-in during local playback of a response that already ended
		// upstream.
		c.log.Debug("relay: interrupt after the upstream response ended, not cancelling")
		return
	}
	if err := sess.Interrupt(ctx); err != nil {
		c.log.Warn("relay: upstream interrupt failed", "err", err)
		c.recordUpstreamError(ctx, errKindInterrupt)
	}
}

// closeUpstream detaches and closes the open session, if any. Its pump then
// reports the end to the client.
func (c *conn) closeUpstream() {
	c.mu.Lock()
	sess := c.upstream
	c.upstream = nil
	c.resampler = nil
	c.responding = false
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		c.log.Warn("relay: closing upstream session", "err", err)
	}
}

// pump translates upstream events until the session ends.
func (c *conn) pump(ctx context.Context, sess s2s.SessionHandle) {
	for ev := range sess.Events() {
		switch ev.Type {
		case s2s.EventAudio:
			c.send(ctx, protocol.EventAudioChunk, protocol.NewAudio(ev.Audio))
		case s2s.EventText:
			c.send(ctx, protocol.EventTextChunk, protocol.TextChunk{Text: ev.Text})
		case s2s.EventResponseDone:
			c.setResponding(sess, false)
			c.send(ctx, protocol.EventAudioStreamEnd, nil)
		case s2s.EventSpeechStarted:
			c.send(ctx, protocol.EventSpeechStarted, nil)
		case s2s.EventSpeechStopped:
			c.send(ctx, protocol.EventSpeechStopped, nil)
		case s2s.EventInputCommitted:
			c.send(ctx, protocol.EventProcessingStarted, nil)
		case s2s.EventResponseCreated:
			c.setResponding(sess, true)
			c.send(ctx, protocol.EventResponseStarting, nil)
		case s2s.EventResponseCancelled:
			c.send(ctx, protocol.EventResponseCanceled, nil)
		case s2s.EventError:
			c.log.Warn("relay: upstream error", "err", ev.Err)
			c.recordUpstreamError(ctx, errKindProvider)
			c.send(ctx, protocol.EventProcessingError, protocol.ProcessingError{Error: errorText(ev.Err)})
		}
	}

	c.mu.Lock()
	if c.upstream == sess {
		c.upstream = nil
		c.resampler = nil
		c.responding = false
	}
	c.mu.Unlock()

	if err := sess.Err(); err != nil {
		c.log.Warn("relay: upstream session failed", "err", err)
		c.recordUpstreamError(ctx, errKindSession)
		c.send(ctx, protocol.EventProcessingError, protocol.ProcessingError{Error: err.Error()})
	} else {
		c.log.Info("relay: upstream session closed")
	}
	c.send(ctx, protocol.EventAudioStreamEnd, nil)
}

func (c *conn) setResponding(sess s2s.SessionHandle, on bool) {
	c.mu.Lock()
	if c.upstream == sess {
		c.responding = on
	}
	c.mu.Unlock()
}

// fail reports err to the client as a processing error followed by
// audio_stream_end.
func (c *conn) fail(ctx context.Context, kind string, err error) {
	c.log.Warn("relay: upstream failure", "kind", kind, "err", err)
	c.recordUpstreamError(ctx, kind)
	c.send(ctx, protocol.EventProcessingError, protocol.ProcessingError{Error: err.Error()})
	c.send(ctx, protocol.EventAudioStreamEnd, nil)
}

// send writes one event to the client. Failures are logged; the read loop
// notices a dead connection on its own.
func (c *conn) send(ctx context.Context, event string, payload any) {
	b, err := protocol.Marshal(event, payload)
	if err != nil {
		c.log.Error("relay: encode event", "event", event, "err", err)
		return
	}
	observe.ProtocolEvent(ctx, observe.Outbound, event)
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, b); err != nil {
		c.log.Debug("relay: write to client failed", "event", event, "err", err)
	}
}

func (c *conn) recordUpstreamError(ctx context.Context, kind string) {
	if c.srv.metrics != nil {
		c.srv.metrics.RecordUpstreamError(ctx, kind)
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown upstream error"
	}
	return err.Error()
}
