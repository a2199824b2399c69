// Package transport is the client side of the parley event channel.
//
// [Transport] is the boundary the session core consumes: send a named event,
// receive named events in order, and learn about connection changes. [Client]
// implements it over a coder/websocket connection to the relay and reconnects
// with exponential backoff. The mock subpackage implements it in memory.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/protocol"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrNotConnected is returned by Send while no connection is up.
	ErrNotConnected = errors.New("transport: not connected")
)

// Handler receives the raw JSON payload of one inbound event.
type Handler func(data json.RawMessage)

// Transport is a bidirectional, ordered event channel.
type Transport interface {
	// Send delivers one event. payload is JSON-encoded; nil sends {}.
	Send(ctx context.Context, event string, payload any) error

	// OnEvent registers h for event. Handlers for one connection run
	// sequentially in arrival order.
	OnEvent(event string, h Handler)

	// OnConnected registers fn to run after every (re)connect.
	OnConnected(fn func())

	// OnDisconnected registers fn to run after every connection loss.
	OnDisconnected(fn func(reason error))
}

// Dispatcher holds handler registrations and fans events out to them.
// Implementations of [Transport] embed it. It is safe for concurrent use.
type Dispatcher struct {
	mu           sync.RWMutex
	handlers     map[string][]Handler
	connected    []func()
	disconnected []func(error)
}

// OnEvent implements [Transport].
func (d *Dispatcher) OnEvent(event string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[string][]Handler)
	}
	d.handlers[event] = append(d.handlers[event], h)
}

// OnConnected implements [Transport].
func (d *Dispatcher) OnConnected(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, fn)
}

// OnDisconnected implements [Transport].
func (d *Dispatcher) OnDisconnected(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, fn)
}

// Dispatch runs the handlers registered for env.Event. It reports whether any
// handler was registered.
func (d *Dispatcher) Dispatch(env protocol.Envelope) bool {
	d.mu.RLock()
	hs := d.handlers[env.Event]
	d.mu.RUnlock()
	if len(hs) == 0 {
		slog.Debug("transport: no handler for event", "event", env.Event)
		return false
	}
	for _, h := range hs {
		h(env.Data)
	}
	return true
}

// FireConnected runs the connected callbacks.
func (d *Dispatcher) FireConnected() {
	d.mu.RLock()
	fns := d.connected
	d.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// FireDisconnected runs the disconnected callbacks.
func (d *Dispatcher) FireDisconnected(reason error) {
	d.mu.RLock()
	fns := d.disconnected
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(reason)
	}
}
