// Package health provides the liveness and readiness endpoints of the voice
// pipeline.
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     [Checker] (database ping, provider reachability) passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map reporting each named probe with its outcome and latency.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness probe. A provider that cannot answer
// within it is reported as failed rather than stalling the whole endpoint.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is healthy and an error describing the failure otherwise. It must respect
// context cancellation.
type Checker struct {
	// Name labels the probe in the JSON response (e.g. "database", "llm").
	Name string

	Check func(ctx context.Context) error
}

// checkResult is the per-probe entry in the /readyz response.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// response is the JSON body of both endpoints.
type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers concurrently on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe. A process that can serve HTTP is alive;
// dependency state is /readyz's concern.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every registered probe concurrently, each with its own
// [checkTimeout] deadline, and returns 503 if any fails. Probes touch
// independent dependencies, so the endpoint answers in the time of the
// slowest probe instead of their sum.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]checkResult, len(h.checkers))
	)

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(probeCtx)
			elapsed := time.Since(start).Milliseconds()

			res := checkResult{Status: "ok", LatencyMS: elapsed}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			mu.Lock()
			checks[c.Name] = res
			mu.Unlock()

			// Failures are reported in the body, not as group errors: every
			// probe should run even when the first one fails.
			return nil
		})
	}
	_ = g.Wait()

	body := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	for _, res := range checks {
		if res.Status != "ok" {
			body.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, body)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON with the given status code. On encoding failure
// it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
