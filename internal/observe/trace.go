package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/pkg/protocol"
)

const tracerName = "github.com/MrWong99/parley"

// Span attribute keys.
const (
	AttrSessionID = attribute.Key("parley.session_id")
	AttrEvent     = attribute.Key("parley.event")
	AttrDirection = attribute.Key("parley.direction")
)

// Event directions on a session span.
const (
	Inbound  = "client_to_relay"
	Outbound = "relay_to_client"
)

// StartSession starts the span that covers one relay session and returns a
// logger carrying the session and trace ids. The caller ends the span.
func StartSession(ctx context.Context, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span, *slog.Logger) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "relay.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(append([]attribute.KeyValue{AttrSessionID.String(sessionID)}, attrs...)...),
	)
	return ctx, span, Logger(ctx).With("session_id", sessionID)
}

// ProtocolEvent annotates the session span in ctx with one protocol event.
// High-rate audio events are left out; they would drown the span.
func ProtocolEvent(ctx context.Context, direction, event string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() || isAudioEvent(event) {
		return
	}
	span.AddEvent(event, trace.WithAttributes(AttrEvent.String(event), AttrDirection.String(direction)))
}

func isAudioEvent(event string) bool {
	switch event {
	case protocol.EventAudioChunk, protocol.EventAudioInputChunk:
		return true
	}
	return false
}

// TraceID returns the hex trace id of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from ctx.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
