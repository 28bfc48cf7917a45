package turn

import (
	"context"
	"time"
)

// LLM call outcomes recorded per model invocation.
const (
	// CallCompleted marks a stream that ran to its natural end.
	CallCompleted = "completed"

	// CallCanceled marks a stream cut short after the turn had committed.
	CallCanceled = "canceled"

	// CallSpeculativeCanceled marks a stream abandoned while still
	// speculative: the user kept talking before the first sentence committed.
	CallSpeculativeCanceled = "speculative_canceled"

	// CallFailed marks a stream that ended with a provider or timeout error.
	CallFailed = "failed"
)

// Error codes surfaced through [Callbacks.OnError]. All of them are
// recoverable: the controller resets to IDLE and the session continues.
const (
	ErrCodeSTTConnection    = "stt_connection_failed"
	ErrCodeLLMConnection    = "llm_connection_failed"
	ErrCodeTTSConnection    = "tts_connection_failed"
	ErrCodeLLMTimeout       = "llm_timeout"
	ErrCodeLLMStream        = "llm_stream_failed"
	ErrCodeSynthesisTimeout = "synthesis_timeout"
	ErrCodeSpeakingWatchdog = "speaking_watchdog_timeout"
)

// TurnRecord is one sealed conversational turn: what the user said, what the
// agent answered, and how the turn travelled through the state machine.
type TurnRecord struct {
	// TurnID identifies the turn within its session.
	TurnID string

	// SessionID is the owning session.
	SessionID string

	// UserText is the space-joined final transcripts of the user utterance.
	UserText string

	// AgentText is the agent's reply as delivered, after any response
	// guardrail replacement or PII redaction.
	AgentText string

	// Trajectory is the state transition history of the turn.
	Trajectory []Transition

	// StartedAt is when the turn entered LISTENING.
	StartedAt time.Time

	// CompletedAt is when the turn was sealed.
	CompletedAt time.Time

	// WasInterrupted reports whether the reply was cut short by a barge-in.
	WasInterrupted bool

	// AvgConfidence is the mean STT confidence across the utterance's finals.
	AvgConfidence float64

	// LatencyMS is end of user speech to first audio, in milliseconds.
	// Zero when the turn produced no audio.
	LatencyMS int64

	// DurationMS is the full turn duration, LISTENING entry to seal.
	DurationMS int64
}

// CallRecord is the accounting row for one LLM invocation, including the
// speculative ones that never reached the user.
type CallRecord struct {
	// CallID identifies the invocation.
	CallID string

	// TurnID is the turn the call belonged to.
	TurnID string

	// Model is the model identifier the call was issued with; empty means the
	// provider default.
	Model string

	// Status is one of the Call* constants.
	Status string

	// PromptTokens and CompletionTokens are the token counts as reported by
	// the provider, or estimated when the stream was cut before usage arrived.
	PromptTokens     int
	CompletionTokens int

	// StartedAt is when the stream was dispatched.
	StartedAt time.Time

	// Duration is dispatch to stream end or cancellation.
	Duration time.Duration
}

// Sink receives sealed turns and per-call accounting for persistence.
// A nil Sink disables persistence. Implementations must tolerate being
// called from the controller's internal goroutines.
type Sink interface {
	SealTurn(ctx context.Context, rec TurnRecord) error
	RecordCall(ctx context.Context, call CallRecord) error
}

// Telemetry is a point-in-time snapshot of the controller's counters. Field
// names follow the wire shape pushed to clients after each turn.
type Telemetry struct {
	// CancellationRate is cancelled turn attempts over all turn attempts.
	CancellationRate float64 `json:"cancellation_rate"`

	// AvgDebounceMS is the current adaptive silence window.
	AvgDebounceMS int64 `json:"avg_debounce_ms"`

	// TurnLatencyMS is the last completed turn's speech-end to first-audio
	// latency.
	TurnLatencyMS int64 `json:"turn_latency_ms"`

	// TotalTurns counts sealed turns.
	TotalTurns int `json:"total_turns"`

	// TokensWasted accumulates completion tokens from cancelled generations.
	TokensWasted int `json:"tokens_wasted"`

	// InterruptionCount counts barge-ins and explicit client interrupts.
	InterruptionCount int `json:"interruption_count"`

	// RAGCacheSize is the retriever's query-embedding cache occupancy.
	RAGCacheSize int `json:"rag_cache_size"`
}

// Callbacks is the upward-facing event surface of a [Controller]. Nil fields
// are skipped.
//
// Callbacks are invoked from the controller's internal goroutines, sometimes
// while internal locks are held. Implementations must return promptly and
// must not call Controller methods synchronously; hand work that needs to
// re-enter the controller to another goroutine.
type Callbacks struct {
	// OnStateChange fires after every successful state transition.
	OnStateChange func(from, to State, reason string)

	// OnInterim delivers an in-progress transcript for display.
	OnInterim func(text string, confidence float64)

	// OnFinal delivers a committed transcript.
	OnFinal func(text string, confidence float64)

	// OnAgentAudio delivers one synthesized audio chunk. Indices are strictly
	// increasing within a turn, starting at 0; the terminating call carries an
	// empty chunk and isFinal=true.
	OnAgentAudio func(chunk []byte, index int, isFinal bool)

	// OnAgentFallback delivers a canned text reply used in place of
	// generation, e.g. after a guardrail block. reason is the violation name.
	OnAgentFallback func(text, reason string)

	// OnTurnComplete fires when a turn seals. It may fire twice for the same
	// record: once right after synthesis (notify=true, so the UI can display
	// text while audio still plays) and once when the turn truly finalises
	// (notify=false; transports must not re-emit it).
	OnTurnComplete func(rec TurnRecord, notify bool)

	// OnError reports a recoverable pipeline error.
	OnError func(code string, err error, recoverable bool)
}

func (cb Callbacks) stateChange(from, to State, reason string) {
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to, reason)
	}
}

func (cb Callbacks) interim(text string, confidence float64) {
	if cb.OnInterim != nil {
		cb.OnInterim(text, confidence)
	}
}

func (cb Callbacks) final(text string, confidence float64) {
	if cb.OnFinal != nil {
		cb.OnFinal(text, confidence)
	}
}

func (cb Callbacks) agentAudio(chunk []byte, index int, isFinal bool) {
	if cb.OnAgentAudio != nil {
		cb.OnAgentAudio(chunk, index, isFinal)
	}
}

func (cb Callbacks) agentFallback(text, reason string) {
	if cb.OnAgentFallback != nil {
		cb.OnAgentFallback(text, reason)
	}
}

func (cb Callbacks) turnComplete(rec TurnRecord, notify bool) {
	if cb.OnTurnComplete != nil {
		cb.OnTurnComplete(rec, notify)
	}
}

func (cb Callbacks) errorf(code string, err error, recoverable bool) {
	if cb.OnError != nil {
		cb.OnError(code, err, recoverable)
	}
}
