package observe

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTestTracer swaps in a TracerProvider backed by an in-memory exporter
// and restores the global provider on cleanup.
func withTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan_RecordsNamedSpan(t *testing.T) {
	exp := withTestTracer(t)

	_, span := StartSpan(context.Background(), "ingest.chunk")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "ingest.chunk" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "ingest.chunk")
	}
}

func TestCorrelationID(t *testing.T) {
	withTestTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("background context: got %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "request")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("trace ID length = %d, want 32 hex chars", len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("trace ID %q is not lowercase hex", cid)
	}
	// The header value and the log lines must agree, so repeated calls on
	// one context have to return the same ID.
	if again := CorrelationID(ctx); again != cid {
		t.Errorf("second call returned %q, want %q", again, cid)
	}
}

func TestLogger_BindsSpanIdentity(t *testing.T) {
	withTestTracer(t)

	var buf strings.Builder
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "upload")
	defer span.End()

	Logger(ctx).Info("indexing document")

	out := buf.String()
	want := "trace_id=" + CorrelationID(ctx)
	if !strings.Contains(out, want) {
		t.Errorf("log line missing %s: %s", want, out)
	}
	if !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing span_id: %s", out)
	}
}

func TestLogger_PlainWithoutSpan(t *testing.T) {
	var buf strings.Builder
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("startup")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("spanless logger should not carry trace_id: %s", buf.String())
	}
}
