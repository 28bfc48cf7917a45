package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName is the instrumentation scope for all pipeline telemetry.
const scopeName = "github.com/Sniperthink-v1/Voice-Ai-Pipeline"

// Tracer returns the pipeline tracer from the globally registered
// [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartSpan opens a child span named name under ctx. The caller owns the
// returned span and must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the active trace ID, or "" when ctx carries no
// span with a valid trace. The HTTP middleware surfaces it as
// X-Correlation-ID so a caller can quote one value that matches the
// trace_id on every server log line for that request.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default [slog.Logger] bound to the active span's
// trace_id and span_id, so per-request logs (document ingestion,
// retrieval) line up with their spans. Without a span it is simply
// slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
