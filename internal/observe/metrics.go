// Package observe provides application-wide observability primitives for
// voxbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxbridge metrics.
const meterName = "github.com/MrWong99/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio path ---

	// FramesSent counts audio frames written to the transport.
	FramesSent metric.Int64Counter

	// FramesReceived counts audio frames read from the transport.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded before delivery. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// FrameDuration tracks the audio duration carried per frame. Use with attribute:
	//   attribute.String("direction", "outbound"|"inbound")
	FrameDuration metric.Float64Histogram

	// PlaybackQueueDepth reports the number of buffers waiting to play.
	PlaybackQueueDepth metric.Int64Gauge

	// --- Link health ---

	// Reconnects counts reconnect attempts. Use with attribute:
	//   attribute.String("outcome", "scheduled"|"succeeded"|"exhausted")
	Reconnects metric.Int64Counter

	// Heartbeats counts ping messages sent.
	Heartbeats metric.Int64Counter

	// LivenessDegraded counts liveness checks that found no inbound traffic.
	LivenessDegraded metric.Int64Counter

	// ActiveSessions tracks the number of live conversations.
	ActiveSessions metric.Int64UpDownCounter

	// --- Relay ---

	// UpstreamRequests counts calls to the upstream provider. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	UpstreamRequests metric.Int64Counter

	// UpstreamErrors counts upstream failures. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("kind", ...)
	UpstreamErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// frameBuckets defines histogram bucket boundaries (in seconds) sized around
// the 100 ms minimum frame.
var frameBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Audio path.
	if met.FramesSent, err = m.Int64Counter("voxbridge.frames.sent",
		metric.WithDescription("Total audio frames written to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("voxbridge.frames.received",
		metric.WithDescription("Total audio frames read from the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxbridge.frames.dropped",
		metric.WithDescription("Total frames discarded before delivery, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FrameDuration, err = m.Float64Histogram("voxbridge.frame.duration",
		metric.WithDescription("Audio duration carried per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64Gauge("voxbridge.playback.queue_depth",
		metric.WithDescription("Number of decoded buffers waiting to play."),
	); err != nil {
		return nil, err
	}

	// Link health.
	if met.Reconnects, err = m.Int64Counter("voxbridge.reconnects",
		metric.WithDescription("Total reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Heartbeats, err = m.Int64Counter("voxbridge.heartbeats",
		metric.WithDescription("Total heartbeat pings sent."),
	); err != nil {
		return nil, err
	}
	if met.LivenessDegraded, err = m.Int64Counter("voxbridge.liveness.degraded",
		metric.WithDescription("Total liveness checks that saw no inbound traffic."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live conversations."),
	); err != nil {
		return nil, err
	}

	// Relay.
	if met.UpstreamRequests, err = m.Int64Counter("voxbridge.upstream.requests",
		metric.WithDescription("Total upstream provider requests by endpoint and status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("voxbridge.upstream.errors",
		metric.WithDescription("Total upstream provider errors by endpoint and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameSent records one outbound frame and its audio duration.
func (m *Metrics) RecordFrameSent(ctx context.Context, d time.Duration) {
	m.FramesSent.Add(ctx, 1)
	m.FrameDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("direction", "outbound")),
	)
}

// RecordFrameReceived records one inbound frame and its audio duration.
func (m *Metrics) RecordFrameReceived(ctx context.Context, d time.Duration) {
	m.FramesReceived.Add(ctx, 1)
	m.FrameDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("direction", "inbound")),
	)
}

// RecordFramesDropped records n dropped frames with the given reason.
func (m *Metrics) RecordFramesDropped(ctx context.Context, n int, reason string) {
	m.FramesDropped.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordReconnect records a reconnect attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordUpstreamRequest records an upstream request with its status.
func (m *Metrics) RecordUpstreamRequest(ctx context.Context, endpoint, status string) {
	m.UpstreamRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError records an upstream failure.
func (m *Metrics) RecordUpstreamError(ctx context.Context, endpoint, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("kind", kind),
		),
	)
}
