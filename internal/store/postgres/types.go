package postgres

import "time"

// Call status values recorded in the llm_calls table. Every model invocation
// ends in exactly one of these.
const (
	// CallCompleted marks a call whose stream ran to its natural end.
	CallCompleted = "completed"

	// CallCanceled marks a call cut short by a user barge-in or reset.
	CallCanceled = "canceled"

	// CallFailed marks a call that ended with a provider or timeout error.
	CallFailed = "failed"

	// CallSpeculativeCanceled marks a call started eagerly on a provisional
	// end-of-turn and abandoned because the user kept talking before commit.
	CallSpeculativeCanceled = "speculative_canceled"
)

// Document status values recorded in the documents table.
const (
	// DocPending means the upload row exists but processing has not started.
	DocPending = "pending"

	// DocProcessing means parsing, chunking, and embedding are in flight.
	DocProcessing = "processing"

	// DocIndexed means all chunks are embedded and searchable.
	DocIndexed = "indexed"

	// DocFailed means processing aborted; the error column holds the cause.
	DocFailed = "failed"
)

// Session is one row of the sessions table.
type Session struct {
	ID        string
	StartedAt time.Time
	// EndedAt is nil while the session is live.
	EndedAt *time.Time
	// ClientInfo is the connecting client's self-description (user agent or
	// the connect message's client field).
	ClientInfo string
	TurnCount  int
	// CancelledTurns counts the generation attempts of this session unwound
	// before their audio finished (speculative and committed cancellations).
	CancelledTurns int
}

// Turn is one sealed conversational turn. A turn is recorded once, after the
// assistant finishes (or abandons) its reply, with the full state trajectory
// it traversed.
type Turn struct {
	ID                string
	SessionID         string
	UserTranscript    string
	AssistantResponse string
	// Trajectory is the JSON-encoded list of state transitions for this turn.
	Trajectory []byte
	StartedAt  time.Time
	// CompletedAt is when the turn was sealed, regardless of outcome.
	CompletedAt time.Time
	// Canceled reports whether the reply was cut short by a barge-in.
	Canceled bool
	// AvgConfidence is the mean confidence of the final transcripts that made
	// up the user utterance.
	AvgConfidence float64
	// LatencyMS is the user-perceived latency from end of user speech to
	// first audio, in milliseconds. Zero when no audio was produced.
	LatencyMS int64
}

// LLMCall is one row of the llm_calls accounting table.
type LLMCall struct {
	ID               string
	SessionID        string
	TurnID           string
	Model            string
	Status           string
	PromptTokens     int
	CompletionTokens int
	StartedAt        time.Time
	DurationMS       int64
}

// Document is one row of the documents table describing an upload and its
// ingestion progress.
type Document struct {
	ID          string
	SessionID   string
	Filename    string
	ContentType string
	SizeBytes   int64
	// WordCount is set once parsing succeeds; zero for unparsed uploads.
	WordCount  int
	ChunkCount int
	Status     string
	// Error holds the failure cause when Status is DocFailed, otherwise "".
	Error     string
	CreatedAt time.Time
	// IndexedAt is nil until the document reaches DocIndexed.
	IndexedAt *time.Time
}
