// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/voxgate/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM first-token latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech first-byte latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn duration (user speech start to the
	// completion of the agent's reply).
	TurnDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BargeIns counts barge-in events (caller speech detected while the
	// agent is speaking). Use with attribute:
	//   attribute.String("tenant_id", ...)
	BargeIns metric.Int64Counter

	// SessionsEnded counts completed sessions. Use with attribute:
	//   attribute.String("end_reason", ...)
	SessionsEnded metric.Int64Counter

	// AdmissionRejections counts calls refused by the Admission Controller.
	// Use with attribute: attribute.String("reason", ...)
	AdmissionRejections metric.Int64Counter

	// UsageRecordsWritten counts billing usage records persisted by the
	// reconciler. Use with attribute: attribute.String("usage_type", ...)
	UsageRecordsWritten metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ReservedSlots tracks the number of admission-controller concurrency
	// reservations currently held.
	ReservedSlots metric.Int64UpDownCounter

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
	if met.STTDuration, err = m.Float64Histogram("voxgate.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxgate.llm.first_token.duration",
		metric.WithDescription("Latency to the first LLM completion token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxgate.tts.first_byte.duration",
		metric.WithDescription("Latency to the first synthesized audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxgate.turn.duration",
		metric.WithDescription("End-to-end conversational turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voxgate.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxgate.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxgate.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxgate.barge_ins",
		metric.WithDescription("Total barge-in events by tenant."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("voxgate.sessions.ended",
		metric.WithDescription("Total sessions ended by end reason."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionRejections, err = m.Int64Counter("voxgate.admission.rejections",
		metric.WithDescription("Total calls rejected by the admission controller by reason."),
	); err != nil {
		return nil, err
	}
	if met.UsageRecordsWritten, err = m.Int64Counter("voxgate.billing.usage_records",
		metric.WithDescription("Total usage records persisted by usage type."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxgate.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ReservedSlots, err = m.Int64UpDownCounter("voxgate.admission.reserved_slots",
		metric.WithDescription("Number of concurrency reservations currently held."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordBargeIn is a convenience method that records a barge-in counter
// increment for the given tenant.
func (m *Metrics) RecordBargeIn(ctx context.Context, tenantID string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tenant_id", tenantID)),
	)
}

// RecordSessionEnded is a convenience method that records a session-ended
// counter increment for the given end reason.
func (m *Metrics) RecordSessionEnded(ctx context.Context, endReason string) {
	m.SessionsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("end_reason", endReason)),
	)
}

// RecordAdmissionRejection is a convenience method that records an admission
// rejection counter increment for the given reason.
func (m *Metrics) RecordAdmissionRejection(ctx context.Context, reason string) {
	m.AdmissionRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordUsageRecord is a convenience method that records a usage-record
// counter increment for the given usage type.
func (m *Metrics) RecordUsageRecord(ctx context.Context, usageType string) {
	m.UsageRecordsWritten.Add(ctx, 1,
		metric.WithAttributes(attribute.String("usage_type", usageType)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
