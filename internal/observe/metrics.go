// Package observe holds parley's telemetry: OpenTelemetry instruments for
// the audio pipeline and the relay, session spans with protocol events, and
// the HTTP middleware in front of the relay listener.
//
// [Setup] installs the SDK providers and the Prometheus registry behind
// /metrics. [DefaultMetrics] binds to whatever provider is global at first
// use; tests build their own with [NewMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture side ---

	// CaptureChunks counts outbound PCM chunks handed to the transport.
	CaptureChunks metric.Int64Counter

	// CaptureSendErrors counts outbound chunks the transport failed to send
	// or that were dropped because the send queue was full.
	CaptureSendErrors metric.Int64Counter

	// --- Playback side ---

	// IngestChunks counts inbound audio chunks accepted by the ingestion queue.
	IngestChunks metric.Int64Counter

	// PlaybackSegments counts decoded segments scheduled on the output clock.
	PlaybackSegments metric.Int64Counter

	// DecodeErrors counts chunk groups discarded because decoding failed.
	DecodeErrors metric.Int64Counter

	// DecodeDuration tracks per-group container synthesis + decode latency.
	DecodeDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the output clock each segment was
	// scheduled. Zero means the segment started on arrival (underrun).
	PlaybackLead metric.Float64Histogram

	// Interruptions counts barge-ins. Use with attribute:
	//   attribute.String("origin", ...)
	Interruptions metric.Int64Counter

	// --- Relay ---

	// ActiveSessions tracks the number of connected relay clients.
	ActiveSessions metric.Int64UpDownCounter

	// UpstreamErrors counts errors reported by, or encountered talking to,
	// the upstream speech service. Use with attribute:
	//   attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks plain HTTP request latency by method,
	// route pattern and status. Websocket sessions are not recorded.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-chunk audio work.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.CaptureChunks, err = m.Int64Counter("parley.capture.chunks",
		metric.WithDescription("Outbound PCM chunks emitted by the capture pipeline."),
	); err != nil {
		return nil, err
	}
	if met.CaptureSendErrors, err = m.Int64Counter("parley.capture.send_errors",
		metric.WithDescription("Outbound chunks that could not be sent."),
	); err != nil {
		return nil, err
	}
	if met.IngestChunks, err = m.Int64Counter("parley.ingest.chunks",
		metric.WithDescription("Inbound audio chunks accepted for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSegments, err = m.Int64Counter("parley.playback.segments",
		metric.WithDescription("Decoded segments scheduled on the playback clock."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("parley.playback.decode_errors",
		metric.WithDescription("Chunk groups discarded after a decode failure."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("parley.interruptions",
		metric.WithDescription("Response interruptions by origin."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("parley.relay.upstream_errors",
		metric.WithDescription("Upstream speech service errors by kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("parley.playback.decode.duration",
		metric.WithDescription("Latency of synthesizing and decoding one chunk group."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("parley.playback.lead",
		metric.WithDescription("Scheduled start time minus output clock time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.relay.sessions",
		metric.WithDescription("Number of connected relay clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordInterruption records one interruption with its origin: "local" or
// "barge_in" on the client, "client" at the relay.
func (m *Metrics) RecordInterruption(ctx context.Context, origin string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("origin", origin)),
	)
}

// RecordUpstreamError records one upstream failure of the given kind.
func (m *Metrics) RecordUpstreamError(ctx context.Context, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
