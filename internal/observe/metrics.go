// Package observe provides application-wide observability primitives for the
// capture agent: OpenTelemetry metrics, tracing, structured logging helpers,
// and HTTP middleware for the debug server.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all agent metrics.
const meterName = "github.com/seshat-labs/seshat-capture"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CaptureDuration tracks microphone grant latency per successful start.
	CaptureDuration metric.Float64Histogram

	// ConnectDuration tracks realtime transport connection establishment time.
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureAttempts counts grant attempts. Use with attribute:
	//   attribute.String("status", ...) — granted | blocked | error
	CaptureAttempts metric.Int64Counter

	// CaptureErrors counts terminal capture failures. Use with attribute:
	//   attribute.String("code", ...)
	CaptureErrors metric.Int64Counter

	// Reconnects counts transport reconnection attempts. Use with attribute:
	//   attribute.String("trigger", ...) — scheduled | error
	Reconnects metric.Int64Counter

	// TransportErrors counts classified transport errors. Use with attribute:
	//   attribute.String("code", ...)
	TransportErrors metric.Int64Counter

	// QueuedMessages counts messages enqueued while disconnected.
	QueuedMessages metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the current offline message queue depth.
	QueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of joined gaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks debug-server request processing time. Use
	// with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for grant and connection latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CaptureDuration, err = m.Float64Histogram("seshat.capture.duration",
		metric.WithDescription("Latency of successful microphone grants."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("seshat.transport.connect.duration",
		metric.WithDescription("Latency of realtime connection establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureAttempts, err = m.Int64Counter("seshat.capture.attempts",
		metric.WithDescription("Total grant attempts by outcome status."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("seshat.capture.errors",
		metric.WithDescription("Total terminal capture failures by error code."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("seshat.transport.reconnects",
		metric.WithDescription("Total transport reconnection attempts by trigger."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("seshat.transport.errors",
		metric.WithDescription("Total classified transport errors by code."),
	); err != nil {
		return nil, err
	}
	if met.QueuedMessages, err = m.Int64Counter("seshat.transport.queued_messages",
		metric.WithDescription("Total messages queued while disconnected."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("seshat.transport.queue_depth",
		metric.WithDescription("Current offline message queue depth."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("seshat.active_sessions",
		metric.WithDescription("Number of currently joined gaming sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("seshat.http.request.duration",
		metric.WithDescription("Debug-server HTTP request latency by method and path."),
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

// RecordReconnect is a convenience method that records a reconnection attempt
// with the standard attribute set.
func (m *Metrics) RecordReconnect(ctx context.Context, trigger string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
}

// RecordTransportError is a convenience method that records a classified
// transport error.
func (m *Metrics) RecordTransportError(ctx context.Context, code string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("code", code)),
	)
}
