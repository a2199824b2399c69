// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to drive the inbound event stream and inspect which methods the
// relay invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: pcm})
//	sess.Finish(nil) // closes Events
package mock

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// ErrClosed is returned by Session methods after Close.
var ErrClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session (echoing input when Echo is set).
	Session s2s.SessionHandle

	// Echo makes sessions created by Connect answer every SendAudio with an
	// EventAudio carrying the same bytes. Used by the "mock" provider entry
	// for local loopback runs without an upstream service.
	Echo bool

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every Session created by Connect when Session is nil.
	Sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	s.Echo = p.Echo
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Echo answers each SendAudio with an EventAudio of the same bytes.
	Echo bool

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// InterruptErr, if non-nil, is returned by Interrupt.
	InterruptErr error

	// SentAudio records every chunk passed to SendAudio.
	SentAudio [][]byte

	// InterruptCount is the number of Interrupt calls.
	InterruptCount int

	// CloseCount is the number of Close calls.
	CloseCount int

	events   chan s2s.Event
	err      error
	finished bool
	done     chan struct{}
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, 256),
		done:   make(chan struct{}),
	}
}

// SendAudio implements s2s.SessionHandle.
func (s *Session) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.SentAudio = append(s.SentAudio, bytes.Clone(chunk))
	if s.Echo {
		s.events <- s2s.Event{Type: s2s.EventAudio, Audio: bytes.Clone(chunk)}
	}
	return nil
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err implements s2s.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Interrupt implements s2s.SessionHandle.
func (s *Session) Interrupt(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCount++
	if s.finished {
		return ErrClosed
	}
	return s.InterruptErr
}

// Close implements s2s.SessionHandle. It finishes the session cleanly.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()
	s.Finish(nil)
	return nil
}

// Emit queues an inbound event. It reports false if the session already
// finished.
func (s *Session) Emit(e s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.events <- e
	return true
}

// Finish ends the session with err and closes the event channel. Later calls
// are no-ops.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.events)
	close(s.done)
}

// Done is closed once the session finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Sent returns a copy of the chunks passed to SendAudio.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SentAudio))
	copy(out, s.SentAudio)
	return out
}

// Interrupts returns the number of Interrupt calls.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCount
}

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)
