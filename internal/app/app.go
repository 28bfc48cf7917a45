// Package app wires configuration, persistence, retrieval, and the HTTP/WS
// transport into a runnable voice pipeline.
//
// The App struct owns the full lifecycle: New connects and migrates the
// stores, composes the retrieval stack, and assembles the server; Run serves
// until the context is cancelled; Shutdown tears everything down in
// reverse-init order.
//
// For testing, inject fakes via functional options (WithStore,
// WithVectorStore, WithTelemetryShutdown). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/config"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/health"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/observe"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/rag"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/resilience"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/server"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/session"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/store/postgres"
	vecpg "github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/vector/pgvector"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/embeddings"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/llm"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/stt"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/tts"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/vector"
)

// Providers holds one interface value per provider slot, populated by main.go
// via the config registry. STT, LLM, TTS, and Embeddings are required;
// EmbeddingsFallback is optional and, when present, is composed behind the
// primary in a circuit-breaker fallback group.
type Providers struct {
	STT                stt.Provider
	LLM                llm.Provider
	TTS                tts.Provider
	Embeddings         embeddings.Provider
	EmbeddingsFallback embeddings.Provider
}

// App owns all subsystem lifetimes and serves the voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	store    *postgres.Store // nil when a fake is injected
	storeDep server.Store
	vectors  vector.Store
	embedder embeddings.Provider
	sessions *session.Manager
	srv      *server.Server

	// closers run in reverse-append order during Shutdown.
	closers []closer

	stopOnce sync.Once
}

// closer names one teardown step so shutdown logs say what failed.
type closer struct {
	name  string
	close func(context.Context) error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a relational store instead of connecting to PostgreSQL.
func WithStore(s server.Store) Option {
	return func(a *App) { a.storeDep = s }
}

// WithVectorStore injects a vector store instead of creating a pgvector one.
func WithVectorStore(vs vector.Store) Option {
	return func(a *App) { a.vectors = vs }
}

// telemetryShutdown is stashed by New so tests can suppress the global OTel
// provider swap.
type telemetryShutdown = func(context.Context) error

// WithTelemetryShutdown skips OTel provider initialisation and registers fn
// as the telemetry teardown instead. Tests pass a no-op to avoid replacing
// the process-global meter and tracer providers.
func WithTelemetryShutdown(fn telemetryShutdown) Option {
	return func(a *App) {
		a.closers = append(a.closers, closer{name: "telemetry", close: fn})
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for the stores.
//
// New performs all initialisation synchronously: telemetry provider setup,
// PostgreSQL connection + migration, vector store migration, retrieval stack
// composition, and server assembly. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	if err := requireProviders(providers); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	a.initTelemetry(ctx)

	// ── 2. Relational store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.rollback(ctx)
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Embedder (with optional fallback) ─────────────────────────────
	a.initEmbedder()

	// ── 4. Vector store ──────────────────────────────────────────────────
	if err := a.initVectors(ctx); err != nil {
		a.rollback(ctx)
		return nil, fmt.Errorf("app: init vector store: %w", err)
	}

	// ── 5. Server ────────────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		a.rollback(ctx)
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// requireProviders rejects a partially wired provider set up front, so the
// failure names the missing slot instead of surfacing as a nil dereference
// mid-session.
func requireProviders(p *Providers) error {
	var errs []error
	if p.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if p.Embeddings == nil {
		errs = append(errs, errors.New("embeddings provider is required"))
	}
	return errors.Join(errs...)
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry installs the OTel meter and tracer providers unless a test
// already registered a telemetry closer via WithTelemetryShutdown.
func (a *App) initTelemetry(ctx context.Context) {
	for _, c := range a.closers {
		if c.name == "telemetry" {
			return
		}
	}
	shutdown, err := observe.Setup(ctx, observe.TelemetryConfig{
		ServiceName: "voicepipeline",
	})
	if err != nil {
		// Metrics fall back to the no-op global providers; the pipeline
		// itself is unaffected.
		slog.Warn("telemetry init failed, continuing without exporters", "err", err)
		return
	}
	a.closers = append(a.closers, closer{name: "telemetry", close: shutdown})
}

// initStore connects to PostgreSQL and runs migrations, unless a store was
// injected.
func (a *App) initStore(ctx context.Context) error {
	if a.storeDep != nil {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		return errors.New("storage.postgres_dsn is required when no store is injected")
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.storeDep = store
	a.closers = append(a.closers, closer{name: "postgres", close: func(context.Context) error {
		store.Close()
		return nil
	}})
	return nil
}

// initVectors creates the pgvector chunk store on the relational store's
// pool and ensures its schema, unless a vector store was injected. The
// embedder must already be composed so its dimension can be checked
// against the declared column width.
func (a *App) initVectors(ctx context.Context) error {
	if a.vectors != nil {
		return nil
	}
	dims := a.cfg.Storage.EmbeddingDimensions
	// A mismatch otherwise surfaces as a cryptic insert error on the first
	// upload, so fail startup with the model named. Providers that cannot
	// report their dimension return 0 and skip the check.
	if d := a.embedder.Dimensions(); d > 0 && d != dims {
		return fmt.Errorf("embedding model %q produces %d-dim vectors, schema declares vector(%d)",
			a.embedder.ModelID(), d, dims)
	}
	if a.store == nil {
		return errors.New("vector store must be injected when the relational store is")
	}

	vs, err := vecpg.New(a.store.Pool(), dims)
	if err != nil {
		return err
	}
	if err := vs.Migrate(ctx); err != nil {
		return err
	}
	a.vectors = vs
	return nil
}

// initEmbedder composes the configured embedding backends. With a fallback
// configured, the primary sits behind a circuit breaker and the fallback
// takes over while the breaker is open.
func (a *App) initEmbedder() {
	primary := a.providers.Embeddings
	if a.providers.EmbeddingsFallback == nil {
		a.embedder = primary
		return
	}

	group := resilience.NewEmbeddingsFallback(primary, a.cfg.Providers.Embeddings.Primary.Name, resilience.FallbackConfig{})
	fallbackName := "fallback"
	if a.cfg.Providers.Embeddings.Fallback != nil {
		fallbackName = a.cfg.Providers.Embeddings.Fallback.Name
	}
	group.AddFallback(fallbackName, a.providers.EmbeddingsFallback)
	a.embedder = group

	slog.Info("embeddings failover enabled",
		"primary", a.cfg.Providers.Embeddings.Primary.Name,
		"fallback", fallbackName,
	)
}

// initServer builds the retrieval stack and the HTTP/WS server.
func (a *App) initServer() error {
	ret := rag.NewRetriever(a.vectors, a.embedder,
		rag.WithTopK(a.cfg.Retrieval.TopK),
		rag.WithMinScore(a.cfg.Retrieval.MinSimilarity),
		rag.WithTimeout(time.Duration(a.cfg.Retrieval.TimeoutMS)*time.Millisecond),
		rag.WithSessionFilter(a.cfg.Retrieval.SessionScoped),
	)

	a.sessions = session.NewManager()

	srv, err := server.New(a.serverConfig(), server.Deps{
		STT:        a.providers.STT,
		LLM:        a.providers.LLM,
		TTS:        a.providers.TTS,
		Retriever:  ret,
		Guardrails: rag.NewGuardrails(),
		Store:      a.storeDep,
		Vectors:    a.vectors,
		Embedder:   a.embedder,
		Sessions:   a.sessions,
		Health:     health.New(a.healthCheckers()...),
		Metrics:    observe.DefaultMetrics(),
		Log:        slog.Default(),
	})
	if err != nil {
		return err
	}
	a.srv = srv
	a.closers = append(a.closers, closer{name: "server", close: srv.Shutdown})
	return nil
}

// serverConfig maps the YAML pipeline settings onto the transport's config.
func (a *App) serverConfig() server.Config {
	cfg := server.Config{
		Addr:                  a.cfg.Server.ListenAddr,
		FrontendOrigin:        a.cfg.Server.FrontendOrigin,
		SampleRate:            a.cfg.Pipeline.SampleRate,
		Voice:                 voiceProfile(a.cfg),
		Model:                 a.cfg.Providers.LLM.Model,
		Temperature:           a.cfg.Pipeline.Temperature,
		MaxTokens:             a.cfg.Pipeline.MaxTokens,
		DebounceInitial:       time.Duration(a.cfg.Pipeline.SilenceDebounceMS) * time.Millisecond,
		DebounceMin:           time.Duration(a.cfg.Pipeline.DebounceMinMS) * time.Millisecond,
		DebounceMax:           time.Duration(a.cfg.Pipeline.DebounceMaxMS) * time.Millisecond,
		CancellationThreshold: a.cfg.Pipeline.CancellationThreshold,
		AdaptiveDebounce:      a.cfg.Pipeline.AdaptiveDebounceEnabled(),
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		cfg.TLSCertFile = tls.CertFile
		cfg.TLSKeyFile = tls.KeyFile
	}
	return cfg
}

// healthCheckers assembles the readiness probes: a database ping plus a
// reachability check for each provider that supports warmup.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.store.Ping})
	}
	if w, ok := a.providers.LLM.(llm.Warmer); ok {
		checkers = append(checkers, health.Checker{Name: "llm", Check: w.Warmup})
	}
	if w, ok := a.providers.TTS.(tts.Warmer); ok {
		checkers = append(checkers, health.Checker{Name: "tts", Check: w.Warmup})
	}
	if p, ok := a.providers.Embeddings.(embeddings.Pinger); ok {
		checkers = append(checkers, health.Checker{Name: "embeddings", Check: p.Ping})
	}
	return checkers
}

// voiceProfile converts the configured voice onto the TTS profile handed to
// every session.
func voiceProfile(cfg *config.Config) types.VoiceProfile {
	return types.VoiceProfile{
		ID:              cfg.Pipeline.Voice.VoiceID,
		Name:            cfg.Pipeline.Voice.Name,
		Provider:        cfg.Providers.TTS.Name,
		Stability:       cfg.Pipeline.Voice.Stability,
		SimilarityBoost: cfg.Pipeline.Voice.SimilarityBoost,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the listener fails. On
// cancellation it returns ctx's error; callers treat context.Canceled as a
// clean exit and follow up with Shutdown.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order: the server stops
// accepting and closes live sessions first, then telemetry flushes, then the
// database pool closes. It respects the context deadline; if ctx expires
// before all closers finish, the remaining ones are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := c.close(ctx); err != nil {
				slog.Warn("closer error", "subsystem", c.name, "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}

		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// rollback releases everything initialised so far when New fails partway.
func (a *App) rollback(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].close(ctx); err != nil {
			slog.Warn("rollback error", "subsystem", a.closers[i].name, "err", err)
		}
	}
	a.closers = nil
}
