// Package s2s defines the Provider interface for speech-to-speech (S2S)
// backends consumed by the parley relay.
//
// An S2S provider wraps a realtime voice service that accepts raw audio input,
// performs voice-activity detection, recognition and synthesis remotely, and
// streams synthesized audio back within a single stateful session. The OpenAI
// Realtime API is the reference backend.
//
// The central abstraction is SessionHandle: a bidirectional session whose
// inbound side is a single ordered channel of typed [Event] values. A single
// channel, rather than one per payload kind, keeps protocol notifications
// (speech started, response done) ordered relative to the audio they bracket.
//
// All implementations must be safe for concurrent use.
package s2s

import "context"

// EventType classifies an [Event] emitted by a session.
type EventType int

const (
	// EventAudio carries a chunk of synthesized PCM16 audio in Audio.
	EventAudio EventType = iota

	// EventText carries a fragment of response text (or audio transcript) in Text.
	EventText

	// EventResponseDone marks the end of one response's output stream.
	EventResponseDone

	// EventSpeechStarted is emitted when remote VAD detects user speech.
	EventSpeechStarted

	// EventSpeechStopped is emitted when remote VAD detects the end of speech.
	EventSpeechStopped

	// EventInputCommitted is emitted when the service commits buffered input
	// and starts processing it.
	EventInputCommitted

	// EventResponseCreated is emitted when the service starts a response.
	EventResponseCreated

	// EventResponseCancelled is emitted when a response was cancelled before
	// completing. It is followed by EventResponseDone.
	EventResponseCancelled

	// EventError carries a service-reported error in Err. The session stays
	// open.
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "AUDIO"
	case EventText:
		return "TEXT"
	case EventResponseDone:
		return "RESPONSE_DONE"
	case EventSpeechStarted:
		return "SPEECH_STARTED"
	case EventSpeechStopped:
		return "SPEECH_STOPPED"
	case EventInputCommitted:
		return "INPUT_COMMITTED"
	case EventResponseCreated:
		return "RESPONSE_CREATED"
	case EventResponseCancelled:
		return "RESPONSE_CANCELLED"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one inbound notification from a session.
type Event struct {
	Type  EventType
	Audio []byte
	Text  string
	Err   error
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// InputSampleRate is the rate of PCM16 mono audio passed to SendAudio.
	InputSampleRate int

	// Voice selects the synthesized voice. Empty uses the provider default.
	Voice string

	// Instructions is an optional system prompt for the session.
	Instructions string
}

// Capabilities describes static properties of the S2S provider.
type Capabilities struct {
	// OutputSampleRate is the rate of PCM16 mono audio in EventAudio.
	OutputSampleRate int

	// Voices lists the voice identifiers accepted in SessionConfig.Voice.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw PCM16 mono chunk at the negotiated input rate.
	// Returns an error if the session is closed or the write fails.
	SendAudio(ctx context.Context, chunk []byte) error

	// Events returns the ordered stream of inbound events. The channel is
	// closed when the session ends; call Err afterwards to see why.
	// Consumers must drain it promptly.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it was closed
	// cleanly.
	Err() error

	// Interrupt asks the service to stop generating the current response.
	Interrupt(ctx context.Context) error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session. The returned SessionHandle has
	// completed the service handshake and accepts audio immediately.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
