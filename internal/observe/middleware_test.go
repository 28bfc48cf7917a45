package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// serveOne pushes a single request through the middleware.
func serveOne(m *Metrics, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	Middleware(m)(h).ServeHTTP(rec, req)
	return rec
}

// httpDurationPoints returns the datapoints recorded on the request
// duration histogram, or nil when nothing was recorded.
func httpDurationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	rm := collect(t, reader)
	met := findMetric(rm, "voicepipeline.http.request.duration")
	if met == nil {
		return nil
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric type = %T, want float64 histogram", met.Data)
	}
	return hist.DataPoints
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	withTestTracer(t)
	m, _ := newTestMetrics(t)

	var inCtx string
	rec := serveOne(m, func(w http.ResponseWriter, r *http.Request) {
		inCtx = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, httptest.NewRequest("GET", "/api/documents", nil))

	if len(inCtx) != 32 {
		t.Fatalf("handler saw correlation ID %q, want 32 hex chars", inCtx)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inCtx {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inCtx)
	}
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	withTestTracer(t)
	m, _ := newTestMetrics(t)

	const callerTrace = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/api/documents", nil)
	req.Header.Set("traceparent", "00-"+callerTrace+"-00f067aa0ba902b7-01")

	var inCtx string
	rec := serveOne(m, func(w http.ResponseWriter, r *http.Request) {
		inCtx = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, req)

	if inCtx != callerTrace {
		t.Errorf("handler trace ID = %q, want caller's %q", inCtx, callerTrace)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != callerTrace {
		t.Errorf("X-Correlation-ID = %q, want %q", got, callerTrace)
	}
}

func TestMiddleware_RecordsRequestTelemetry(t *testing.T) {
	exp := withTestTracer(t)
	m, reader := newTestMetrics(t)

	serveOne(m, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}, httptest.NewRequest("POST", "/api/upload-document", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP POST /api/upload-document" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var gotStatus int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			gotStatus = a.Value.AsInt64()
		}
	}
	if gotStatus != http.StatusCreated {
		t.Errorf("span status attribute = %d, want %d", gotStatus, http.StatusCreated)
	}

	points := httpDurationPoints(t, reader)
	if len(points) != 1 {
		t.Fatalf("histogram datapoints = %d, want 1", len(points))
	}
	if points[0].Count != 1 {
		t.Errorf("sample count = %d, want 1", points[0].Count)
	}
	method := attrString(points[0].Attributes, "method")
	path := attrString(points[0].Attributes, "path")
	if method != "POST" || path != "/api/upload-document" {
		t.Errorf("attributes method=%q path=%q", method, path)
	}
}

func TestMiddleware_WebSocketLifetimeSkipsHistogram(t *testing.T) {
	withTestTracer(t)
	m, reader := newTestMetrics(t)

	// A hijacked session writes its 101 outside the recorder, so the
	// middleware sees the default 200 after the conversation ends.
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	serveOne(m, func(http.ResponseWriter, *http.Request) {}, req)

	if points := httpDurationPoints(t, reader); len(points) != 0 {
		t.Errorf("websocket session recorded %d histogram points, want 0", len(points))
	}
}

func TestMiddleware_RejectedUpgradeIsRecorded(t *testing.T) {
	withTestTracer(t)
	m, reader := newTestMetrics(t)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	serveOne(m, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
	}, req)

	points := httpDurationPoints(t, reader)
	if len(points) != 1 {
		t.Errorf("rejected upgrade recorded %d histogram points, want 1", len(points))
	}
}

func TestResponseRecorder_FlushReachesUnderlyingWriter(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := &responseRecorder{ResponseWriter: inner, status: http.StatusOK}

	if err := http.NewResponseController(rec).Flush(); err != nil {
		t.Fatalf("Flush through Unwrap: %v", err)
	}
	if !inner.Flushed {
		t.Error("flush did not reach the wrapped writer")
	}
}
