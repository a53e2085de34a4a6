// Package observe provides application-wide observability primitives for
// Voicebridge: OpenTelemetry metrics and HTTP middleware.
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

// meterName is the instrumentation scope name used for all Voicebridge metrics.
const meterName = "github.com/MrWong99/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ResponseLatency tracks the time from end-of-turn to the first
	// outbound model audio of the response.
	ResponseLatency metric.Float64Histogram

	// ToolExecutionDuration tracks scheduling tool invocation latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// InboundFrames counts transport audio frames received. Use with attribute:
	//   attribute.String("transport", ...)
	InboundFrames metric.Int64Counter

	// OutboundChunks counts model audio chunks sent to a transport. Use with
	// attributes:
	//   attribute.String("transport", ...), attribute.String("status", ...)
	OutboundChunks metric.Int64Counter

	// Interruptions counts barge-in events that cleared buffered playback.
	Interruptions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// FrameErrors counts dropped malformed audio frames by transport.
	FrameErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live bridge sessions. Use with
	// attribute:
	//   attribute.String("transport", ...)
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.ResponseLatency, err = m.Float64Histogram("voicebridge.response.latency",
		metric.WithDescription("Time from end-of-turn to first outbound response audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voicebridge.tool_execution.duration",
		metric.WithDescription("Latency of scheduling tool invocations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.InboundFrames, err = m.Int64Counter("voicebridge.inbound.frames",
		metric.WithDescription("Total transport audio frames received by transport."),
	); err != nil {
		return nil, err
	}
	if met.OutboundChunks, err = m.Int64Counter("voicebridge.outbound.chunks",
		metric.WithDescription("Total outbound model audio chunks by transport and status."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voicebridge.interruptions",
		metric.WithDescription("Total barge-in interruptions that cleared playback."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voicebridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.FrameErrors, err = m.Int64Counter("voicebridge.frame.errors",
		metric.WithDescription("Total malformed audio frames dropped by transport."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.active_sessions",
		metric.WithDescription("Number of live bridge sessions by transport."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// RecordInboundFrame records one received transport audio frame.
func (m *Metrics) RecordInboundFrame(ctx context.Context, transport string) {
	m.InboundFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
}

// RecordOutboundChunk records one outbound audio chunk with its delivery
// status ("sent", "deduplicated", "empty").
func (m *Metrics) RecordOutboundChunk(ctx context.Context, transport, status string) {
	m.OutboundChunks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("status", status),
		),
	)
}

// RecordInterruption records one barge-in interruption.
func (m *Metrics) RecordInterruption(ctx context.Context, transport string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordFrameError records one dropped malformed frame.
func (m *Metrics) RecordFrameError(ctx context.Context, transport string) {
	m.FrameErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
}
