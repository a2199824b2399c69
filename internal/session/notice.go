package session

import "github.com/MrWong99/parley/internal/conversation"

// NoticeKind classifies a [Notice].
type NoticeKind int

const (
	// NoticeState reports a conversation state change in From and To.
	NoticeState NoticeKind = iota

	// NoticeText carries a fragment of response text in Text.
	NoticeText

	// NoticeProcessingError carries a remote-reported error in Text. The
	// response was cleaned up before the notice is delivered.
	NoticeProcessingError

	// NoticeTransportError carries a failed send in Err. The session keeps
	// running.
	NoticeTransportError

	// NoticeConnected reports that the transport (re)connected.
	NoticeConnected

	// NoticeDisconnected reports a connection loss in Err. The session was
	// reset to idle and capture stopped.
	NoticeDisconnected
)

// String returns the notice kind name.
func (k NoticeKind) String() string {
	switch k {
	case NoticeState:
		return "state"
	case NoticeText:
		return "text"
	case NoticeProcessingError:
		return "processing_error"
	case NoticeTransportError:
		return "transport_error"
	case NoticeConnected:
		return "connected"
	case NoticeDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Notice is something the user interface should surface.
type Notice struct {
	Kind NoticeKind

	// From and To are set for NoticeState.
	From, To conversation.State

	// Text is set for NoticeText and NoticeProcessingError.
	Text string

	// Err is set for NoticeTransportError and NoticeDisconnected.
	Err error
}
