// Package observe provides application-wide observability primitives for the
// voice pipeline: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [Setup] so that metrics can still be
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

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnLatency tracks user-perceived turn latency: end of user speech to
	// first synthesized audio chunk.
	TurnLatency metric.Float64Histogram

	// STTDuration tracks speech-to-text finalisation latency.
	STTDuration metric.Float64Histogram

	// LLMFirstToken tracks time from prompt dispatch to the first streamed
	// token.
	LLMFirstToken metric.Float64Histogram

	// LLMDuration tracks full LLM stream duration.
	LLMDuration metric.Float64Histogram

	// TTSFirstAudio tracks time from first sentence dispatch to the first
	// audio chunk from the synthesizer.
	TTSFirstAudio metric.Float64Histogram

	// RetrievalDuration tracks context retrieval latency (embed + search).
	RetrievalDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("outcome", "completed"|"canceled")
	Turns metric.Int64Counter

	// BargeIns counts user interruptions of assistant speech.
	BargeIns metric.Int64Counter

	// SpeculativeCancellations counts speculative responses unwound because
	// the user resumed speaking before commit.
	SpeculativeCancellations metric.Int64Counter

	// GuardrailViolations counts guardrail triggers. Use with attribute:
	//   attribute.String("type", ...)
	GuardrailViolations metric.Int64Counter

	// WastedTokens accumulates completion tokens from canceled generations.
	WastedTokens metric.Int64Counter

	// DocumentsIngested counts document ingestion outcomes. Use with
	// attribute: attribute.String("status", "indexed"|"failed")
	DocumentsIngested metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// DebounceMS reports the current adaptive silence debounce per session.
	// Use with attribute: attribute.String("session", ...)
	DebounceMS metric.Int64Gauge

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
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnLatency, err = m.Float64Histogram("voicepipeline.turn.latency",
		metric.WithDescription("User-perceived latency from end of speech to first audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("voicepipeline.stt.duration",
		metric.WithDescription("Latency of speech-to-text finalisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("voicepipeline.llm.first_token",
		metric.WithDescription("Time from prompt dispatch to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voicepipeline.llm.duration",
		metric.WithDescription("Full LLM stream duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstAudio, err = m.Float64Histogram("voicepipeline.tts.first_audio",
		metric.WithDescription("Time from sentence dispatch to first synthesized audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("voicepipeline.retrieval.duration",
		metric.WithDescription("Context retrieval latency including embedding and vector search."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voicepipeline.turns",
		metric.WithDescription("Total turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicepipeline.barge_ins",
		metric.WithDescription("Total user interruptions of assistant speech."),
	); err != nil {
		return nil, err
	}
	if met.SpeculativeCancellations, err = m.Int64Counter("voicepipeline.speculative.cancellations",
		metric.WithDescription("Speculative responses unwound before commit."),
	); err != nil {
		return nil, err
	}
	if met.GuardrailViolations, err = m.Int64Counter("voicepipeline.guardrail.violations",
		metric.WithDescription("Guardrail triggers by violation type."),
	); err != nil {
		return nil, err
	}
	if met.WastedTokens, err = m.Int64Counter("voicepipeline.tokens.wasted",
		metric.WithDescription("Completion tokens discarded by canceled generations."),
	); err != nil {
		return nil, err
	}
	if met.DocumentsIngested, err = m.Int64Counter("voicepipeline.documents.ingested",
		metric.WithDescription("Document ingestion outcomes by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voicepipeline.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicepipeline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicepipeline.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.DebounceMS, err = m.Int64Gauge("voicepipeline.debounce_ms",
		metric.WithDescription("Current adaptive silence debounce per session."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicepipeline.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records a completed turn with its outcome ("completed" or
// "canceled").
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordGuardrailViolation records a guardrail trigger by violation type.
func (m *Metrics) RecordGuardrailViolation(ctx context.Context, violationType string) {
	m.GuardrailViolations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", violationType)),
	)
}

// RecordDebounce reports the current silence debounce for a session.
func (m *Metrics) RecordDebounce(ctx context.Context, sessionID string, ms int64) {
	m.DebounceMS.Record(ctx, ms,
		metric.WithAttributes(attribute.String("session", sessionID)),
	)
}
