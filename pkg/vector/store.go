// Package vector defines the vector store abstraction used for retrieval over
// ingested documents.
//
// Documents are split into chunks at ingestion time, embedded, and upserted
// into a [Store]. At retrieval time the query embedding is searched against
// the store and the best matches come back with a similarity score in [0, 1]
// (1 means identical direction, cosine similarity).
//
// The interface is public so alternative backends (pgvector, in-memory,
// external vector databases) can be supplied without depending on pipeline
// internals. Every implementation must be safe for concurrent use.
package vector

import "context"

// Chunk is one embedded slice of an ingested document.
type Chunk struct {
	// ID is the unique identifier for this chunk (e.g., a UUID).
	ID string

	// DocumentID ties the chunk back to the documents table row it was
	// ingested from. Deleting a document removes all chunks sharing this ID.
	DocumentID string

	// SessionID is the session the chunk was uploaded in. Empty means the
	// chunk is visible to every session; session scoping is an optional
	// search filter, not an ownership boundary.
	SessionID string

	// Filename is the original upload filename, carried through so retrieval
	// results can cite their source.
	Filename string

	// Index is the zero-based position of this chunk within its document.
	Index int

	// Content is the chunk text.
	Content string

	// Embedding is the vector representation of Content. Dimension must match
	// the store configuration (e.g., 1536 for OpenAI text-embedding-3-small).
	Embedding []float32
}

// SearchQuery narrows and sizes a similarity search.
type SearchQuery struct {
	// TopK caps the number of matches returned. Values <= 0 fall back to an
	// implementation default.
	TopK int

	// MinScore discards matches whose cosine similarity falls below it.
	// Zero keeps everything.
	MinScore float64

	// SessionID, when non-empty, restricts matches to chunks uploaded in that
	// session or chunks with no session at all.
	SessionID string
}

// Match pairs a retrieved chunk with its cosine similarity to the query
// embedding. Higher scores are more similar.
type Match struct {
	Chunk Chunk

	// Score is 1 minus the cosine distance, clamped to [0, 1] for orthogonal
	// or opposing vectors.
	Score float64
}

// Store is the abstraction over any chunk vector store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// UpsertChunks inserts or replaces chunks by ID. Implementations batch
	// large inputs internally; callers may pass the full chunk set of a
	// document in one call.
	UpsertChunks(ctx context.Context, chunks []Chunk) error

	// Search returns the chunks most similar to embedding, ordered by
	// descending score, filtered and capped per q. An empty result is a valid
	// outcome, not an error.
	Search(ctx context.Context, embedding []float32, q SearchQuery) ([]Match, error)

	// DeleteByDocument removes every chunk belonging to documentID and
	// reports how many were deleted.
	DeleteByDocument(ctx context.Context, documentID string) (int64, error)

	// DeleteBySession removes every chunk uploaded in the given session and
	// reports how many were deleted. Chunks with no session are never touched.
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)

	// Count reports the total number of indexed chunks.
	Count(ctx context.Context) (int64, error)
}
