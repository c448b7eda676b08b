// Package observe provides application-wide observability primitives for
// Skylark: OpenTelemetry metrics, tracing helpers, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Skylark metrics.
const meterName = "github.com/skylark-voice/skylark"

// Frame drop reasons used as the "reason" attribute on
// [Metrics.DroppedFrames].
const (
	DropOverflow     = "overflow"
	DropUndecodable  = "undecodable"
	DropDisconnected = "disconnected"
)

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// HandshakeDuration tracks the time from dialing the transport until
	// the server hello is accepted.
	HandshakeDuration metric.Float64Histogram

	// FramesSent counts encoded audio frames written to the transport.
	FramesSent metric.Int64Counter

	// FramesReceived counts binary audio frames read from the transport.
	FramesReceived metric.Int64Counter

	// DroppedFrames counts audio frames discarded before playback or
	// send. Use with attribute:
	//   attribute.String("reason", ...)
	DroppedFrames metric.Int64Counter

	// MessagesReceived counts control messages by type. Use with attribute:
	//   attribute.String("type", ...)
	MessagesReceived metric.Int64Counter

	// ReconnectAttempts counts automatic reconnection attempts.
	ReconnectAttempts metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PlaybackQueueDepth records the playback queue depth at enqueue time.
	PlaybackQueueDepth metric.Int64Gauge

	// HTTPRequestDuration tracks HTTP request processing time for the
	// metrics/health endpoints. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection-establishment latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.HandshakeDuration, err = m.Float64Histogram("skylark.handshake.duration",
		metric.WithDescription("Time from transport dial to accepted server hello."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("skylark.frames.sent",
		metric.WithDescription("Encoded audio frames written to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("skylark.frames.received",
		metric.WithDescription("Binary audio frames read from the transport."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("skylark.frames.dropped",
		metric.WithDescription("Audio frames discarded before playback or send, by reason."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("skylark.messages.received",
		metric.WithDescription("Control messages received, by message type."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("skylark.reconnect.attempts",
		metric.WithDescription("Automatic reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("skylark.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64Gauge("skylark.playback.queue_depth",
		metric.WithDescription("Playback queue depth sampled at enqueue time."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("skylark.http.request.duration",
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

// RecordDroppedFrame records a dropped-frame counter increment with the
// standard reason attribute.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordMessage records a received control message by type.
func (m *Metrics) RecordMessage(ctx context.Context, msgType string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}
