package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/protocol"
)

var _ Transport = (*Client)(nil)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	readLimit           = 4 << 20
)

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithReconnect sets the reconnection policy.
func WithReconnect(cfg ReconnectConfig) ClientOption {
	return func(c *Client) { c.reconnect = cfg }
}

// WithHeader adds headers to the websocket handshake.
func WithHeader(h http.Header) ClientOption {
	return func(c *Client) { c.header = h }
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// Client is a [Transport] over a websocket connection to a parley relay.
//
// [Client.Run] owns the connection: it dials, reads events until the
// connection drops, fires the disconnected callbacks and redials with
// backoff. Handlers run on Run's goroutine in arrival order.
type Client struct {
	Dispatcher

	url         string
	header      http.Header
	reconnect   ReconnectConfig
	dialTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

// NewClient returns a client for the relay at url (ws:// or wss://).
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:         url,
		dialTimeout: defaultDialTimeout,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.reconnect = c.reconnect.withDefaults()
	return c
}

// URL returns the relay address.
func (c *Client) URL() string { return c.url }

// Connected reports whether a connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and serves the connection until ctx is cancelled, Close is
// called, or reconnection gives up. The initial dial is not retried: a relay
// that is unreachable at startup is reported immediately.
func (c *Client) Run(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	for {
		reason := c.serve(ctx)

		select {
		case <-c.done:
			return nil
		default:
		}
		if ctx.Err() != nil {
			return nil
		}

		slog.Warn("transport: connection lost", "url", c.url, "err", reason)
		if c.reconnect.MaxRetries < 0 {
			return fmt.Errorf("transport: connection lost: %w", reason)
		}
		if err := c.reconnect.retry(ctx, c.done, c.url, c.dial); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// dial opens a connection and fires the connected callbacks.
func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	slog.Info("transport: connected", "url", c.url)
	c.FireConnected()
	return nil
}

// serve reads and dispatches events until the connection fails, then fires
// the disconnected callbacks and returns the reason.
func (c *Client) serve(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var reason error
	for {
		typ, b, err := conn.Read(ctx)
		if err != nil {
			reason = err
			break
		}
		if typ != websocket.MessageText {
			slog.Warn("transport: ignoring binary message", "bytes", len(b))
			continue
		}
		env, err := protocol.Unmarshal(b)
		if err != nil {
			slog.Warn("transport: malformed event", "err", err)
			continue
		}
		c.Dispatch(env)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.CloseNow()

	c.FireDisconnected(reason)
	return reason
}

// Send implements [Transport].
func (c *Client) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	b, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("transport: send %s: %w", event, err)
	}
	return nil
}

// Close closes the connection and stops Run. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}
