// Package conversation implements the turn-taking state machine of a voice
// session.
//
// [Next] is a total function of (state, capture active, event): every pair
// yields a state, and events that make no sense in the current state leave it
// unchanged so duplicate or reordered protocol notifications are harmless.
// [Machine] wraps it with a mutex and change observers.
package conversation

import (
	"log/slog"
	"sync"
)

// State is the conversation phase of one session.
type State int

const (
	Idle State = iota
	Listening
	UserSpeaking
	Processing
	AIResponding
	Interrupted
)

// String returns the lower-camel name used in logs and notices.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case UserSpeaking:
		return "userSpeaking"
	case Processing:
		return "processing"
	case AIResponding:
		return "aiResponding"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Event drives a transition.
type Event int

const (
	// EventStart is the local request to begin capturing.
	EventStart Event = iota
	// EventStop is the local request to stop capturing.
	EventStop
	// EventSpeechStarted is the remote VAD detecting user speech.
	EventSpeechStarted
	// EventSpeechStopped is the remote VAD detecting end of speech.
	EventSpeechStopped
	// EventProcessingStarted means the service committed the user's input.
	EventProcessingStarted
	// EventResponseStarting means the service began a response.
	EventResponseStarting
	// EventFirstChunk is the first inbound audio chunk of a response.
	EventFirstChunk
	// EventAudioComplete is the playback engine's end-of-response signal.
	EventAudioComplete
	// EventInterrupt is a barge-in on the current response.
	EventInterrupt
	// EventResume ends the interrupted phase once cleanup finished.
	EventResume
	// EventResponseCanceled is the service confirming a cancelled response.
	EventResponseCanceled
	// EventProcessingError is a remote-reported error ending the response.
	EventProcessingError
	// EventDisconnected is the connection-level reset.
	EventDisconnected
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventProcessingStarted:
		return "processing_started"
	case EventResponseStarting:
		return "response_starting"
	case EventFirstChunk:
		return "first_chunk"
	case EventAudioComplete:
		return "audio_complete"
	case EventInterrupt:
		return "interrupt"
	case EventResume:
		return "resume"
	case EventResponseCanceled:
		return "response_canceled"
	case EventProcessingError:
		return "processing_error"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// rest is where a finished response leaves the session.
func rest(capturing bool) State {
	if capturing {
		return Listening
	}
	return Idle
}

// Next returns the state that follows s on event e. capturing reports whether
// local capture is active, which decides between idle and listening at the
// end of a response.
func Next(s State, capturing bool, e Event) State {
	switch e {
	case EventDisconnected:
		return Idle
	case EventStart:
		if s == Idle {
			return Listening
		}
	case EventStop:
		switch s {
		case Listening, UserSpeaking:
			return Idle
		}
	case EventSpeechStarted:
		switch s {
		case Listening, Processing:
			return UserSpeaking
		}
	case EventSpeechStopped:
		if s == UserSpeaking {
			return Listening
		}
	case EventProcessingStarted:
		switch s {
		case Listening, UserSpeaking:
			return Processing
		}
	case EventResponseStarting:
		switch s {
		case Listening, UserSpeaking, Processing:
			return AIResponding
		}
	case EventFirstChunk:
		switch s {
		case Idle, Listening, UserSpeaking, Processing:
			return AIResponding
		}
	case EventAudioComplete:
		if s == AIResponding {
			return rest(capturing)
		}
	case EventInterrupt:
		if s == AIResponding {
			return Interrupted
		}
	case EventResume:
		if s == Interrupted {
			return rest(capturing)
		}
	case EventResponseCanceled:
		switch s {
		case Processing, AIResponding, Interrupted:
			return rest(capturing)
		}
	case EventProcessingError:
		switch s {
		case Processing, AIResponding, Interrupted, UserSpeaking:
			return rest(capturing)
		}
	}
	return s
}

// Transition describes one state change.
type Transition struct {
	From  State
	To    State
	Event Event
}

// Machine holds the state of one session. It is safe for concurrent use;
// observers run synchronously, in registration order, after the lock is
// released.
type Machine struct {
	mu        sync.Mutex
	state     State
	capturing bool
	observers []func(Transition)
}

// NewMachine returns a machine in [Idle].
func NewMachine() *Machine {
	return &Machine{}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Capturing reports whether local capture is active.
func (m *Machine) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}

// SetCapturing records whether local capture is active. It does not change
// the state by itself.
func (m *Machine) SetCapturing(on bool) {
	m.mu.Lock()
	m.capturing = on
	m.mu.Unlock()
}

// Observe registers fn to be called after every state change.
func (m *Machine) Observe(fn func(Transition)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Fire applies e and returns the resulting transition. changed is false when
// e left the state untouched; observers are not called in that case.
func (m *Machine) Fire(e Event) (tr Transition, changed bool) {
	m.mu.Lock()
	from := m.state
	to := Next(from, m.capturing, e)
	m.state = to
	observers := m.observers
	m.mu.Unlock()

	tr = Transition{From: from, To: to, Event: e}
	if from == to {
		return tr, false
	}
	slog.Debug("conversation state", "from", from, "to", to, "event", e)
	for _, fn := range observers {
		fn(tr)
	}
	return tr, true
}
