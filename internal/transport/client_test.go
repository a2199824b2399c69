package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/protocol"
)

// echoServer accepts websocket connections and answers every start_recording
// with a speech_started event. dropFirst closes the first connection right
// after the handshake.
func echoServer(t *testing.T, dropFirst bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		if dropFirst && n == 1 {
			_ = c.Close(websocket.StatusGoingAway, "bye")
			return
		}
		defer c.CloseNow()
		for {
			_, b, err := c.Read(r.Context())
			if err != nil {
				return
			}
			env, err := protocol.Unmarshal(b)
			if err != nil {
				continue
			}
			if env.Event == protocol.EventStartRecording {
				out, _ := protocol.Marshal(protocol.EventSpeechStarted, nil)
				_ = c.Write(r.Context(), websocket.MessageText, out)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestClient_SendAndReceive(t *testing.T) {
	t.Parallel()

	srv, _ := echoServer(t, false)
	c := NewClient(wsURL(srv))

	connected := make(chan struct{}, 1)
	got := make(chan struct{}, 1)
	c.OnConnected(func() { connected <- struct{}{} })
	c.OnEvent(protocol.EventSpeechStarted, func(json.RawMessage) { got <- struct{}{} })

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()
	waitFor(t, connected, "connect")

	if !c.Connected() {
		t.Error("Connected() = false after connect")
	}
	if err := c.Send(context.Background(), protocol.EventStartRecording, protocol.StartRecording{SampleRate: 16000}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, got, "speech_started")

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run after Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	if err := c.Send(context.Background(), protocol.EventStopRecording, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close: got %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClient_SendBeforeConnect(t *testing.T) {
	t.Parallel()

	c := NewClient("ws://127.0.0.1:1")
	if err := c.Send(context.Background(), protocol.EventStartRecording, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestClient_InitialDialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	c := NewClient(url, WithDialTimeout(time.Second))
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestClient_Reconnects(t *testing.T) {
	t.Parallel()

	srv, conns := echoServer(t, true)
	c := NewClient(wsURL(srv), WithReconnect(ReconnectConfig{
		MaxRetries: 3,
		Backoff:    10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}))

	var connects, drops atomic.Int32
	second := make(chan struct{}, 1)
	c.OnConnected(func() {
		if connects.Add(1) == 2 {
			second <- struct{}{}
		}
	})
	c.OnDisconnected(func(error) { drops.Add(1) })

	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(func() { _ = c.Close() })

	waitFor(t, second, "reconnect")
	if got := drops.Load(); got != 1 {
		t.Errorf("disconnected callbacks: got %d, want 1", got)
	}
	if got := conns.Load(); got != 2 {
		t.Errorf("server connections: got %d, want 2", got)
	}
}

func TestClient_ReconnectDisabled(t *testing.T) {
	t.Parallel()

	srv, _ := echoServer(t, true)
	c := NewClient(wsURL(srv), WithReconnect(ReconnectConfig{MaxRetries: -1}))

	var drops atomic.Int32
	c.OnDisconnected(func(error) { drops.Add(1) })

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected connection-lost error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if drops.Load() != 1 {
		t.Errorf("disconnected callbacks: got %d, want 1", drops.Load())
	}
}

func TestClient_ContextCancel(t *testing.T) {
	t.Parallel()

	srv, _ := echoServer(t, false)
	c := NewClient(wsURL(srv))
	connected := make(chan struct{}, 1)
	c.OnConnected(func() { connected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	waitFor(t, connected, "connect")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
