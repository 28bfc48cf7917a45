package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/observe"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/rag"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/session"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/llm"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/stt"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/tts"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// Pipeline deadlines. Each one guards a different wedge mode; all of them
// recover by resetting the turn, never by killing the session.
const (
	// llmStreamTimeout bounds one LLM completion stream.
	llmStreamTimeout = 15 * time.Second

	// synthesisTimeout bounds the whole sentence-queue synthesis loop of one
	// turn.
	synthesisTimeout = 20 * time.Second

	// speakingWatchdogTimeout force-resets a turn stuck in SPEAKING.
	speakingWatchdogTimeout = 30 * time.Second

	// playbackAckTimeout bounds the wait for the client's playback-complete
	// signal after the last audio chunk.
	playbackAckTimeout = 15 * time.Second

	// cancelGrace is how long an abandoned synthesis stream may keep draining
	// after a barge-in before the controller stops waiting for it.
	cancelGrace = 1 * time.Second
)

// Controller orchestrates one voice session: audio in, STT events, silence
// debounce, speculative retrieval and generation, guarded synthesis, and
// barge-in handling. One Controller serves exactly one session.
//
// Public methods are safe for concurrent use; internally the controller
// serialises all state mutation behind a single lock, actor-style. Slow work
// (LLM streaming, synthesis) runs on goroutines that re-validate their turn
// against the current one before every externally visible effect, so output
// from a cancelled turn is never emitted.
type Controller struct {
	log     *slog.Logger
	cb      Callbacks
	metrics *observe.Metrics

	sttProvider stt.Provider
	llmProvider llm.Provider
	ttsProvider tts.Provider
	retriever   *rag.Retriever
	guard       *rag.Guardrails
	sink        Sink
	history     *session.History

	sessionID   string
	streamCfg   stt.StreamConfig
	temperature float64
	maxTokens   int

	machine *StateMachine
	buffer  *TranscriptBuffer
	timer   *SilenceTimer

	debounceInitial time.Duration
	debounceMin     time.Duration
	debounceMax     time.Duration
	cancelThreshold float64
	adaptive        bool

	mu         sync.Mutex
	running    bool
	rootCtx    context.Context
	rootCancel context.CancelFunc
	handle     stt.SessionHandle
	loops      *errgroup.Group
	sttDead    sync.Once

	voice types.VoiceProfile
	model string

	retrieval *retrievalTask
	gen       *generation

	audioFrames int
	audioBytes  int

	turnID          string
	turnStartedAt   time.Time
	speechEndAt     time.Time
	firstSentenceAt time.Time
	firstAudioAt    time.Time
	lastTurn        TurnRecord
	turnSealed      bool

	playbackTimer *time.Timer
	watchdogTimer *time.Timer

	totalTurns    int
	cancellations int
	interruptions int
	tokensWasted  int
	lastLatencyMS int64
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithCallbacks sets the upward event surface.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Controller) { c.cb = cb }
}

// WithRetriever enables context retrieval. Without it every prompt uses the
// base system message only.
func WithRetriever(r *rag.Retriever) Option {
	return func(c *Controller) { c.retriever = r }
}

// WithGuardrails replaces the default guardrail set.
func WithGuardrails(g *rag.Guardrails) Option {
	return func(c *Controller) { c.guard = g }
}

// WithSink enables turn and call persistence.
func WithSink(s Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithHistory shares a conversation history owned by the session layer.
// Without it the controller keeps a private one.
func WithHistory(h *session.History) Option {
	return func(c *Controller) { c.history = h }
}

// WithVoice sets the synthesis voice profile.
func WithVoice(v types.VoiceProfile) Option {
	return func(c *Controller) { c.voice = v }
}

// WithModel sets the LLM model override passed on every completion request.
func WithModel(model string) Option {
	return func(c *Controller) { c.model = model }
}

// WithTemperature sets the sampling temperature. Defaults to 0.7.
func WithTemperature(t float64) Option {
	return func(c *Controller) { c.temperature = t }
}

// WithMaxTokens caps completion length. Defaults to 200, sized for replies
// that stay natural when spoken.
func WithMaxTokens(n int) Option {
	return func(c *Controller) { c.maxTokens = n }
}

// WithStreamConfig sets the STT audio format. Defaults to 16 kHz mono.
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(c *Controller) { c.streamCfg = cfg }
}

// WithDebounce sets the initial, minimum, and maximum silence windows.
func WithDebounce(initial, min, max time.Duration) Option {
	return func(c *Controller) {
		c.debounceInitial = initial
		c.debounceMin = min
		c.debounceMax = max
	}
}

// WithCancellationThreshold sets the cancellation rate above which the
// silence window widens. Defaults to 0.30.
func WithCancellationThreshold(r float64) Option {
	return func(c *Controller) { c.cancelThreshold = r }
}

// WithAdaptiveDebounce enables or disables silence window adaptation.
// Enabled by default.
func WithAdaptiveDebounce(enabled bool) Option {
	return func(c *Controller) { c.adaptive = enabled }
}

// NewController constructs a controller for one session. The providers are
// required; everything else has defaults.
func NewController(sessionID string, sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Controller {
	c := &Controller{
		sessionID:       sessionID,
		sttProvider:     sttP,
		llmProvider:     llmP,
		ttsProvider:     ttsP,
		temperature:     0.7,
		maxTokens:       200,
		streamCfg:       stt.StreamConfig{SampleRate: 16000, Channels: 1},
		debounceInitial: DefaultDebounce,
		debounceMin:     MinDebounce,
		debounceMax:     MaxDebounce,
		cancelThreshold: 0.30,
		adaptive:        true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("session_id", sessionID)
	if c.guard == nil {
		c.guard = rag.NewGuardrails()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.history == nil {
		c.history = session.NewHistory()
	}

	c.machine = NewStateMachine(c.log)
	c.buffer = NewTranscriptBuffer(c.log)
	c.timer = NewSilenceTimer(c.debounceInitial, c.debounceMin, c.debounceMax, c.onSilenceFired, c.log)
	c.timer.SetCancellationThreshold(c.cancelThreshold)
	c.timer.SetAdaptive(c.adaptive)

	c.machine.OnTransition(func(tr Transition) {
		c.cb.stateChange(tr.From, tr.To, tr.Reason)
	})
	return c
}

// Start opens the STT stream, warms the downstream providers, and begins
// consuming transcript events. ctx bounds the whole session: when it is
// cancelled the controller shuts down as if Stop had been called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("turn controller already started")
	}
	rootCtx, cancel := context.WithCancel(ctx)
	handle, err := c.sttProvider.StartStream(rootCtx, c.streamCfg)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("start stt stream: %w", err)
	}
	c.rootCtx = rootCtx
	c.rootCancel = cancel
	c.handle = handle
	c.running = true
	c.loops = &errgroup.Group{}

	c.loops.Go(func() error { c.interimLoop(rootCtx, handle.Interims()); return nil })
	c.loops.Go(func() error { c.finalLoop(rootCtx, handle.Finals()); return nil })
	c.loops.Go(func() error { c.eventLoop(rootCtx, handle.Events()); return nil })
	c.mu.Unlock()

	c.warmProviders(rootCtx)
	c.log.Info("turn controller started",
		"sample_rate", c.streamCfg.SampleRate,
		"debounce_ms", c.timer.Current().Milliseconds(),
	)
	return nil
}

// warmProviders issues the downstream warmups in the background. Failures
// only cost first-request latency, so they are logged and ignored.
func (c *Controller) warmProviders(ctx context.Context) {
	if w, ok := c.llmProvider.(llm.Warmer); ok {
		go func() {
			if err := w.Warmup(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("llm warmup failed", "error", err)
			}
		}()
	}
	if w, ok := c.ttsProvider.(tts.Warmer); ok {
		go func() {
			if err := w.Warmup(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("tts warmup failed", "error", err)
			}
		}()
	}
}

// Stop tears the controller down: cancels all outstanding work, closes the
// STT session, and waits for the receive loops to drain. Safe to call more
// than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.timer.Cancel()
	c.stopTurnTimersLocked()
	if c.gen != nil {
		c.gen.abandon(CallCanceled)
		c.gen = nil
	}
	if c.retrieval != nil {
		c.retrieval.cancel()
		c.retrieval = nil
	}
	handle := c.handle
	c.handle = nil
	loops := c.loops
	c.rootCancel()
	c.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			c.log.Warn("stt session close failed", "error", err)
		}
	}
	if loops != nil {
		_ = loops.Wait()
	}
	c.log.Info("turn controller stopped",
		"total_turns", c.totalTurns,
		"cancellations", c.cancellations,
		"interruptions", c.interruptions,
	)
}

// Settings is a live reconfiguration request. Nil fields keep their current
// value. Range validation happens at the transport layer; the debounce is
// additionally clamped to the timer's bounds.
type Settings struct {
	SilenceDebounce       *time.Duration
	CancellationThreshold *float64
	AdaptiveDebounce      *bool
	VoiceID               *string
	LLMModel              *string
}

// UpdateSettings applies a live settings change.
func (c *Controller) UpdateSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.SilenceDebounce != nil {
		c.timer.SetDebounce(*s.SilenceDebounce)
	}
	if s.CancellationThreshold != nil {
		c.timer.SetCancellationThreshold(*s.CancellationThreshold)
	}
	if s.AdaptiveDebounce != nil {
		c.timer.SetAdaptive(*s.AdaptiveDebounce)
	}
	if s.VoiceID != nil {
		c.voice.ID = *s.VoiceID
	}
	if s.LLMModel != nil {
		c.model = *s.LLMModel
	}
	c.log.Info("settings updated",
		"debounce_ms", c.timer.Current().Milliseconds(),
		"voice_id", c.voice.ID,
		"model", c.model,
	)
}

// State returns the current turn state.
func (c *Controller) State() State {
	return c.machine.State()
}

// Telemetry returns a snapshot of the session counters.
func (c *Controller) Telemetry() Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := Telemetry{
		CancellationRate:  c.cancellationRateLocked(),
		AvgDebounceMS:     c.timer.Current().Milliseconds(),
		TurnLatencyMS:     c.lastLatencyMS,
		TotalTurns:        c.totalTurns,
		TokensWasted:      c.tokensWasted,
		InterruptionCount: c.interruptions,
	}
	if c.retriever != nil {
		t.RAGCacheSize = c.retriever.CacheSize()
	}
	return t
}

// Counts returns the sealed-turn and cancellation totals, used to close out
// the session row on disconnect.
func (c *Controller) Counts() (totalTurns, cancelledTurns int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalTurns, c.cancellations
}

// cancellationRateLocked is cancelled turn attempts over all turn attempts.
// Requires c.mu.
func (c *Controller) cancellationRateLocked() float64 {
	attempts := c.totalTurns + c.cancellations
	if attempts == 0 {
		return 0
	}
	return float64(c.cancellations) / float64(attempts)
}

// resetToIdle abandons the current turn: transitions to IDLE when legal,
// clears both buffers, cancels retrieval and all turn timers, and zeroes the
// per-turn bookkeeping. Requires c.mu.
func (c *Controller) resetToIdle(reason string) {
	c.timer.Cancel()
	c.stopTurnTimersLocked()
	if c.retrieval != nil {
		c.retrieval.cancel()
		c.retrieval = nil
	}
	if c.gen != nil {
		c.gen.abandon(CallCanceled)
		c.gen = nil
	}
	if s := c.machine.State(); s != StateIdle {
		c.machine.Transition(StateIdle, reason)
	}
	c.buffer.Clear()
	c.audioFrames = 0
	c.audioBytes = 0
	c.turnID = ""
	c.turnStartedAt = time.Time{}
	c.speechEndAt = time.Time{}
	c.firstSentenceAt = time.Time{}
	c.firstAudioAt = time.Time{}
	c.turnSealed = false
	c.machine.ResetTrajectory()
}

// stopTurnTimersLocked cancels the playback-acknowledgement timeout and the
// SPEAKING watchdog. Requires c.mu.
func (c *Controller) stopTurnTimersLocked() {
	if c.playbackTimer != nil {
		c.playbackTimer.Stop()
		c.playbackTimer = nil
	}
	if c.watchdogTimer != nil {
		c.watchdogTimer.Stop()
		c.watchdogTimer = nil
	}
}
