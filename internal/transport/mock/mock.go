// Package mock provides an in-memory [transport.Transport] for tests.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/protocol"
)

var _ transport.Transport = (*Transport)(nil)

// Sent records one call to [Transport.Send].
type Sent struct {
	Event   string
	Payload any
}

// Transport records sent events and lets tests inject inbound ones.
//
// Inbound delivery is synchronous: Deliver returns after every handler ran.
type Transport struct {
	transport.Dispatcher

	mu sync.Mutex

	// SendErr, if set, is returned by Send. The event is still recorded.
	SendErr error

	sent      []Sent
	connected bool
}

// Send implements [transport.Transport].
func (t *Transport) Send(_ context.Context, event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, Sent{Event: event, Payload: payload})
	return t.SendErr
}

// SetSendErr sets SendErr under the lock.
func (t *Transport) SetSendErr(err error) {
	t.mu.Lock()
	t.SendErr = err
	t.mu.Unlock()
}

// Sent returns a copy of every recorded send.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.sent))
	copy(out, t.sent)
	return out
}

// Events returns the recorded sends named event.
func (t *Transport) Events(event string) []Sent {
	var out []Sent
	for _, s := range t.Sent() {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

// Names returns the recorded event names in send order.
func (t *Transport) Names() []string {
	sent := t.Sent()
	out := make([]string, len(sent))
	for i, s := range sent {
		out[i] = s.Event
	}
	return out
}

// Reset forgets recorded sends.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.sent = nil
	t.mu.Unlock()
}

// Deliver encodes payload and dispatches it as an inbound event. It panics if
// payload cannot be encoded.
func (t *Transport) Deliver(event string, payload any) {
	b, err := protocol.Marshal(event, payload)
	if err != nil {
		panic(err)
	}
	env, err := protocol.Unmarshal(b)
	if err != nil {
		panic(err)
	}
	t.Dispatch(env)
}

// DeliverRaw dispatches event with a verbatim payload.
func (t *Transport) DeliverRaw(event string, data json.RawMessage) {
	t.Dispatch(protocol.Envelope{Event: event, Data: data})
}

// Connect marks the transport connected and fires the connected callbacks.
func (t *Transport) Connect() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.FireConnected()
}

// Disconnect marks the transport disconnected and fires the disconnected
// callbacks with reason.
func (t *Transport) Disconnect(reason error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.FireDisconnected(reason)
}

// Connected reports the last Connect/Disconnect.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
