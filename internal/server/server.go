// Package server is the client-facing transport of the voice pipeline. It
// serves the WebSocket session endpoint that streams audio up and agent
// events down, the document upload API feeding the retrieval index, and the
// operational endpoints (health, readiness, Prometheus metrics).
//
// One WebSocket connection is one session: the handler builds a dedicated
// turn controller wired to the shared providers, bridges its callbacks onto
// the wire, and tears everything down when the socket closes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/health"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/observe"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/rag"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/session"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/store/postgres"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/embeddings"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/llm"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/stt"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/tts"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/vector"
)

const (
	// readHeaderTimeout bounds the request-line and header read. No blanket
	// read/write timeouts: /ws connections are long-lived and uploads may be
	// slow.
	readHeaderTimeout = 10 * time.Second

	// idleTimeout closes kept-alive API connections between requests.
	idleTimeout = 120 * time.Second

	// wsReadLimit is the per-message limit on inbound WebSocket frames. Audio
	// chunks arrive base64-encoded, so a quarter second of 48 kHz stereo PCM
	// is already ~130 KB on the wire.
	wsReadLimit = 1 << 20

	// sendTimeout bounds one outbound WebSocket write.
	sendTimeout = 10 * time.Second

	// heartbeatInterval is how often the server pings an idle connection.
	heartbeatInterval = 30 * time.Second

	// historyLimit caps turns returned for a get_history request.
	historyLimit = 50
)

// Store is the slice of the relational store the transport depends on. It is
// satisfied by [postgres.Store]; tests substitute an in-memory fake.
type Store interface {
	CreateSession(ctx context.Context, id, clientInfo string) error
	EndSession(ctx context.Context, id string, turnCount, cancelledTurns int) error
	RecordTurn(ctx context.Context, t postgres.Turn) error
	RecordLLMCall(ctx context.Context, c postgres.LLMCall) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]postgres.Turn, error)
	RecordMetric(ctx context.Context, sample postgres.MetricSample) error

	CreateDocument(ctx context.Context, d postgres.Document) error
	GetDocument(ctx context.Context, id string) (*postgres.Document, error)
	ListDocuments(ctx context.Context) ([]postgres.Document, error)
	DeleteDocument(ctx context.Context, id string) (bool, error)
	SetDocumentProcessing(ctx context.Context, id string) error
	SetDocumentIndexed(ctx context.Context, id string, chunkCount int) error
	SetDocumentFailed(ctx context.Context, id string, cause string) error
}

// Config carries the listen address and the per-session engine defaults.
// Values left zero fall back to the engine's own defaults.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// FrontendOrigin is the browser origin allowed to call the API and open
	// WebSocket sessions, e.g. "http://localhost:3000". Empty disables
	// cross-origin access.
	FrontendOrigin string

	// SampleRate is the sample rate the STT stream is opened with.
	SampleRate int

	// Voice is the default TTS voice profile.
	Voice types.VoiceProfile

	// Model is the default LLM model; empty uses the provider default.
	Model string

	// Temperature and MaxTokens override the generation defaults when > 0.
	Temperature float64
	MaxTokens   int

	// DebounceInitial, DebounceMin, and DebounceMax configure the silence
	// timer of every session.
	DebounceInitial time.Duration
	DebounceMin     time.Duration
	DebounceMax     time.Duration

	// CancellationThreshold is the cancellation rate above which the
	// debounce widens.
	CancellationThreshold float64

	// AdaptiveDebounce enables debounce self-tuning.
	AdaptiveDebounce bool

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

// Deps are the shared collaborators injected into every session. STT, LLM,
// TTS, Store, and Sessions are required; the rest degrade gracefully when
// nil (no retrieval, no health endpoints).
type Deps struct {
	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Retriever  *rag.Retriever
	Guardrails *rag.Guardrails
	Store      Store
	Vectors    vector.Store
	Embedder   embeddings.Provider
	Sessions   *session.Manager
	Health     *health.Handler
	Metrics    *observe.Metrics
	Log        *slog.Logger
}

// Server hosts the WebSocket transport and the HTTP API.
type Server struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	httpSrv *http.Server
}

// New validates the dependencies and builds a server.
func New(cfg Config, deps Deps) (*Server, error) {
	var errs []error
	if deps.STT == nil {
		errs = append(errs, errors.New("server: stt provider is required"))
	}
	if deps.LLM == nil {
		errs = append(errs, errors.New("server: llm provider is required"))
	}
	if deps.TTS == nil {
		errs = append(errs, errors.New("server: tts provider is required"))
	}
	if deps.Store == nil {
		errs = append(errs, errors.New("server: store is required"))
	}
	if deps.Sessions == nil {
		errs = append(errs, errors.New("server: session manager is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Guardrails == nil {
		deps.Guardrails = rag.NewGuardrails()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Server{cfg: cfg, deps: deps, log: deps.Log}, nil
}

// Handler assembles the route table:
//
//	GET    /ws                      — WebSocket session transport
//	POST   /api/documents/upload    — multipart document upload
//	GET    /api/documents           — list uploaded documents
//	DELETE /api/documents/{id}      — remove a document and its vectors
//	GET    /healthz, /readyz        — liveness and readiness
//	GET    /metrics                 — Prometheus scrape endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /api/documents/upload", s.handleUpload)
	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = observe.Middleware(s.deps.Metrics)(h)
	h = s.withCORS(h)
	return h
}

// ListenAndServe runs the HTTP server until it fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	var err error
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.log.Info("server listening", "addr", s.cfg.Addr, "tls", true)
		err = srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		s.log.Info("server listening", "addr", s.cfg.Addr)
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains HTTP requests and closes every live session. Safe to call
// without a prior ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.deps.Sessions.CloseAll()
	return err
}

// withCORS answers preflights and stamps the configured frontend origin on
// API responses. Requests from other origins get no CORS headers, which the
// browser enforces as a denial.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origin == s.cfg.FrontendOrigin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originPatterns returns the host patterns accepted for WebSocket upgrades,
// derived from the configured frontend origin.
func (s *Server) originPatterns() []string {
	if s.cfg.FrontendOrigin == "" {
		return nil
	}
	u, err := url.Parse(s.cfg.FrontendOrigin)
	if err != nil || u.Host == "" {
		return []string{s.cfg.FrontendOrigin}
	}
	return []string{u.Host}
}

// writeJSON writes v with the given status. Encoding failures are logged,
// not surfaced; headers are already gone by then.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "error", err)
	}
}

// writeError writes the API error shape {"detail": "..."} used by the
// document endpoints.
func (s *Server) writeError(w http.ResponseWriter, status int, format string, args ...any) {
	s.writeJSON(w, status, map[string]string{"detail": fmt.Sprintf(format, args...)})
}
