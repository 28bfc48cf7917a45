// Package rag implements retrieval-augmented generation for the voice
// pipeline: query rewriting, cached embedding, vector search with adaptive
// thresholds, guardrail checks, prompt construction, and the document
// ingestion pipeline that feeds the vector store.
//
// The retrieval path is latency-critical (it sits between end-of-speech and
// the LLM call), so every operation here degrades instead of failing: a
// timeout or provider error yields an empty result list and the turn proceeds
// without context.
package rag

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/embeddings"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/vector"
)

// summaryMinScore is the widened similarity floor used for summary-intent
// queries. The canonical summary phrase matches passages only weakly, so the
// normal floor would filter everything out.
const summaryMinScore = 0.05

// embeddingCacheCap bounds the FIFO query-embedding cache.
const embeddingCacheCap = 100

// Result is one retrieved chunk plus the retriever's decision bookkeeping.
// Downstream guardrails read the bookkeeping instead of re-deriving it.
type Result struct {
	// DocumentID and ChunkID identify the source chunk.
	DocumentID string
	ChunkID    string

	// Filename is the original upload name, used for source citations.
	Filename string

	// Text is the chunk content.
	Text string

	// Score is the cosine similarity to the (rewritten) query, in [0, 1].
	Score float64

	// IsSummary records that the query was rewritten to the canonical summary
	// phrase before embedding.
	IsSummary bool

	// Threshold is the effective minimum score the search ran with.
	Threshold float64
}

// Retriever turns a user query into ranked context chunks. It rewrites the
// query, embeds it (with a FIFO cache), and searches the vector store under a
// deadline.
//
// All methods are safe for concurrent use.
type Retriever struct {
	store    vector.Store
	embedder embeddings.Provider

	topK            int
	minScore        float64
	timeout         time.Duration
	filterBySession bool

	mu    sync.Mutex
	cache *embeddingCache
}

// RetrieverOption is a functional option for [NewRetriever].
type RetrieverOption func(*Retriever)

// WithTopK sets how many chunks a normal query returns. Summary queries
// search twice as wide and are trimmed back to this count. Defaults to 3.
func WithTopK(n int) RetrieverOption {
	return func(r *Retriever) {
		if n > 0 {
			r.topK = n
		}
	}
}

// WithMinScore sets the similarity floor for normal queries. Defaults to 0.3.
func WithMinScore(s float64) RetrieverOption {
	return func(r *Retriever) { r.minScore = s }
}

// WithTimeout bounds the whole retrieve operation (embed + search). On expiry
// [Retriever.Retrieve] returns an empty list. Defaults to 2 seconds.
func WithTimeout(d time.Duration) RetrieverOption {
	return func(r *Retriever) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSessionFilter restricts search results to chunks uploaded in the
// querying session (plus unscoped chunks). Off by default: uploads are
// shared across sessions until real user accounts exist.
func WithSessionFilter(enabled bool) RetrieverOption {
	return func(r *Retriever) { r.filterBySession = enabled }
}

// NewRetriever creates a [Retriever] over store and embedder.
func NewRetriever(store vector.Store, embedder embeddings.Provider, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:    store,
		embedder: embedder,
		topK:     3,
		minScore: 0.3,
		timeout:  2 * time.Second,
		cache:    newEmbeddingCache(embeddingCacheCap),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve returns the context chunks most relevant to query, best first.
//
// Errors and timeouts degrade to an empty list so a failed retrieval never
// fails the turn; the cause is logged.
func (r *Retriever) Retrieve(ctx context.Context, query, sessionID string) []Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rewritten, isSummary := rewriteQuery(query)
	if rewritten != query {
		slog.Debug("query rewritten", "from", clip(query, 50), "to", clip(rewritten, 50))
	}

	topK, minScore := r.topK, r.minScore
	if isSummary {
		// Summary queries search wide and shallow; trimmed back below.
		topK *= 2
		minScore = summaryMinScore
	}

	emb, err := r.queryEmbedding(ctx, rewritten)
	if err != nil {
		slog.Warn("query embedding failed", "err", err, "query", clip(query, 50))
		return []Result{}
	}

	q := vector.SearchQuery{TopK: topK, MinScore: minScore}
	if r.filterBySession {
		q.SessionID = sessionID
	}
	matches, err := r.store.Search(ctx, emb, q)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("retrieval timed out", "timeout", r.timeout, "query", clip(query, 50))
		} else {
			slog.Warn("vector search failed", "err", err)
		}
		return []Result{}
	}

	if isSummary && len(matches) > r.topK {
		matches = matches[:r.topK]
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{
			DocumentID: m.Chunk.DocumentID,
			ChunkID:    m.Chunk.ID,
			Filename:   m.Chunk.Filename,
			Text:       m.Chunk.Content,
			Score:      m.Score,
			IsSummary:  isSummary,
			Threshold:  minScore,
		})
	}

	slog.Debug("retrieval complete",
		"results", len(results),
		"elapsed", time.Since(start),
		"summary", isSummary,
		"threshold", minScore,
	)
	return results
}

// CacheSize reports the number of cached query embeddings.
func (r *Retriever) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.len()
}

// ClearCache drops all cached query embeddings.
func (r *Retriever) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.clear()
}

// queryEmbedding returns the embedding for query, consulting the FIFO cache
// keyed on the lower-cased trimmed query text.
func (r *Retriever) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	key := strings.ToLower(strings.TrimSpace(query))

	r.mu.Lock()
	if emb, ok := r.cache.get(key); ok {
		r.mu.Unlock()
		return emb, nil
	}
	r.mu.Unlock()

	emb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache.put(key, emb)
	r.mu.Unlock()
	return emb, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// FIFO embedding cache
// ─────────────────────────────────────────────────────────────────────────────

// embeddingCache is a fixed-capacity FIFO map. Not goroutine-safe; the
// Retriever serializes access.
type embeddingCache struct {
	capacity int
	keys     []string
	entries  map[string][]float32
}

func newEmbeddingCache(capacity int) *embeddingCache {
	return &embeddingCache{
		capacity: capacity,
		entries:  make(map[string][]float32, capacity),
	}
}

func (c *embeddingCache) get(key string) ([]float32, bool) {
	emb, ok := c.entries[key]
	return emb, ok
}

func (c *embeddingCache) put(key string, emb []float32) {
	if _, exists := c.entries[key]; exists {
		c.entries[key] = emb
		return
	}
	if len(c.keys) >= c.capacity {
		oldest := c.keys[0]
		c.keys = c.keys[1:]
		delete(c.entries, oldest)
	}
	c.keys = append(c.keys, key)
	c.entries[key] = emb
}

func (c *embeddingCache) len() int { return len(c.entries) }

func (c *embeddingCache) clear() {
	c.keys = nil
	c.entries = make(map[string][]float32, c.capacity)
}
