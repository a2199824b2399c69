// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Connect waits for session.created before configuring the session with
// session.update, so the returned handle accepts audio immediately. Audio is
// transmitted as base64-encoded PCM16 chunks; server events are translated to
// ordered [s2s.Event] values.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel          = "gpt-4o-mini-realtime-preview"
	defaultBaseURL        = "wss://api.openai.com/v1/realtime"
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second

	// outputSampleRate is the fixed rate of pcm16 audio deltas.
	outputSampleRate = 24000
)

// ErrSessionClosed is returned by SendAudio and Interrupt after Close.
var ErrSessionClosed = errors.New("openai: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithConnectTimeout bounds how long Connect waits for session.created.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey         string
	model          string
	baseURL        string
	connectTimeout time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:         apiKey,
		model:          defaultModel,
		baseURL:        defaultBaseURL,
		connectTimeout: defaultConnectTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		OutputSampleRate: outputSampleRate,
		Voices:           []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint, waits for session.created and sends
// the session.update configuring PCM16 input and output.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Audio deltas are larger than the library's default 32 KiB read limit.
	conn.SetReadLimit(8 << 20)

	if err := awaitSessionCreated(dialCtx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(dialCtx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// awaitSessionCreated reads server events until session.created arrives.
// An error event or ctx expiry aborts the handshake.
func awaitSessionCreated(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("openai: waiting for session.created: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.created":
			return nil
		case "error":
			return fmt.Errorf("openai: handshake: %s", evt.errorMessage())
		}
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	InputSampleRate   int            `json:"input_audio_sample_rate,omitempty"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.text.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.done
	Response *responseStatus `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseStatus struct {
	Status string `json:"status"`
}

// codeCancelNotActive is the error code answering a response.cancel that
// arrived after the response finished.
const codeCancelNotActive = "response_cancel_not_active"

func (e *serverEvent) errorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return "unknown error"
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends a session.update event to configure audio formats,
// server-side VAD, voice and instructions.
func (s *session) sendSessionUpdate(ctx context.Context, cfg s2s.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputSampleRate:   cfg.InputSampleRate,
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	return s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message, bounded by
// defaultWriteTimeout.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(fmt.Errorf("openai: read: %w", err))
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: undecodable server event", "err", err)
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			slog.Warn("openai: dropping undecodable audio delta", "err", err)
			return
		}
		s.emit(s2s.Event{Type: s2s.EventAudio, Audio: audioData})

	case "response.text.delta", "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(s2s.Event{Type: s2s.EventText, Text: evt.Delta})

	case "response.created":
		s.emit(s2s.Event{Type: s2s.EventResponseCreated})

	case "response.done":
		if evt.Response != nil && evt.Response.Status == "cancelled" {
			s.emit(s2s.Event{Type: s2s.EventResponseCancelled})
		}
		s.emit(s2s.Event{Type: s2s.EventResponseDone})

	case "input_audio_buffer.speech_started":
		s.emit(s2s.Event{Type: s2s.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(s2s.Event{Type: s2s.EventSpeechStopped})

	case "input_audio_buffer.committed":
		s.emit(s2s.Event{Type: s2s.EventInputCommitted})

	case "error":
		if evt.Error != nil && evt.Error.Code == codeCancelNotActive {
			// A cancel raced the end of the response; nothing is left to stop.
			slog.Debug("openai: response.cancel without an active response")
			return
		}
		s.emit(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("openai: %s", evt.errorMessage())})
	}
}

// emit delivers e unless the session is shutting down.
func (s *session) emit(e s2s.Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the model.
func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Events returns the ordered inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.writeJSON(ctx, map[string]string{"type": "response.cancel"})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
