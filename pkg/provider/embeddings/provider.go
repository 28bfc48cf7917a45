// Package embeddings defines the Provider contract for text-embedding
// backends.
//
// The retrieval pipeline leans on embeddings twice: document chunks are
// embedded once at upload time, and the (possibly rewritten) user query is
// embedded on every retrieval. Both sides must come from the same model or
// the cosine ranking in the vector store is meaningless, which is why the
// contract exposes Dimensions and ModelID alongside the embedding calls.
//
// Implementations must be safe for concurrent use: ingestion and retrieval
// can embed at the same time.
package embeddings

import "context"

// Provider computes dense float32 vectors for text.
type Provider interface {
	// Embed returns the vector for one text, of length Dimensions().
	// Text reaches the model verbatim; any model-specific prefixing
	// ("query: ", "passage: ") is the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input, index-aligned with texts.
	// It is the ingestion path's workhorse: one round trip per chunk
	// batch instead of per chunk. No partial results; any failure
	// returns a nil slice and the error.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the length of every vector this provider returns,
	// fixed by the model. The chunk store's declared column width must
	// match it, which startup verifies.
	Dimensions() int

	// ModelID names the underlying model, e.g. "text-embedding-3-small"
	// or "nomic-embed-text". Used in logs and startup validation.
	ModelID() string
}

// Pinger is an optional interface for providers that can cheaply verify
// their backend is reachable. The readiness endpoint checks it when the
// configured provider implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}
