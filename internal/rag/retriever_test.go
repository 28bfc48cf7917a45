package rag

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	embmock "github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/embeddings/mock"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/vector"
	vecmock "github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/vector/mock"
)

func TestRetrieve_ReturnsRankedResults(t *testing.T) {
	store := vecmock.NewStore()
	store.SearchResult = []vector.Match{
		{Chunk: vector.Chunk{ID: "doc1_0", DocumentID: "doc1", Filename: "handbook.pdf", Content: "vacation accrual rules"}, Score: 0.82},
		{Chunk: vector.Chunk{ID: "doc1_3", DocumentID: "doc1", Filename: "handbook.pdf", Content: "rollover rules"}, Score: 0.55},
	}
	emb := &embmock.Provider{EmbedResult: []float32{1, 0}}

	r := NewRetriever(store, emb)
	results := r.Retrieve(context.Background(), "what is the vacation policy?", "sess-1")

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	first := results[0]
	if first.DocumentID != "doc1" || first.ChunkID != "doc1_0" {
		t.Errorf("first result identity = %s/%s, want doc1/doc1_0", first.DocumentID, first.ChunkID)
	}
	if first.Text != "vacation accrual rules" || first.Score != 0.82 {
		t.Errorf("first result = %q score %v", first.Text, first.Score)
	}
	if first.IsSummary {
		t.Error("IsSummary = true for a normal query")
	}
	if first.Threshold != 0.3 {
		t.Errorf("threshold = %v, want default 0.3", first.Threshold)
	}

	if len(store.SearchCalls) != 1 {
		t.Fatalf("got %d search calls, want 1", len(store.SearchCalls))
	}
	q := store.SearchCalls[0].Query
	if q.TopK != 3 || q.MinScore != 0.3 {
		t.Errorf("search query = %+v, want TopK 3 MinScore 0.3", q)
	}
	if q.SessionID != "" {
		t.Errorf("session filter applied by default: %q", q.SessionID)
	}
}

func TestRetrieve_SummaryWidensSearch(t *testing.T) {
	store := vecmock.NewStore()
	store.SearchResult = []vector.Match{
		{Chunk: vector.Chunk{ID: "d_0"}, Score: 0.9},
		{Chunk: vector.Chunk{ID: "d_1"}, Score: 0.8},
		{Chunk: vector.Chunk{ID: "d_2"}, Score: 0.7},
		{Chunk: vector.Chunk{ID: "d_3"}, Score: 0.6},
		{Chunk: vector.Chunk{ID: "d_4"}, Score: 0.5},
	}
	emb := &embmock.Provider{EmbedResult: []float32{1, 0}}

	r := NewRetriever(store, emb, WithTopK(2))
	results := r.Retrieve(context.Background(), "summarize the document", "")

	if got := emb.EmbedCalls[0].Text; got != summaryPhrase {
		t.Errorf("embedded %q, want canonical summary phrase", got)
	}
	q := store.SearchCalls[0].Query
	if q.TopK != 4 {
		t.Errorf("search TopK = %d, want doubled 4", q.TopK)
	}
	if q.MinScore != summaryMinScore {
		t.Errorf("search MinScore = %v, want %v", q.MinScore, summaryMinScore)
	}

	// Widened search trimmed back to the configured top-k.
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ChunkID != "d_0" || results[1].ChunkID != "d_1" {
		t.Errorf("kept %s, %s, want the two best", results[0].ChunkID, results[1].ChunkID)
	}
	if !results[0].IsSummary {
		t.Error("IsSummary = false for a summary query")
	}
	if results[0].Threshold != summaryMinScore {
		t.Errorf("threshold = %v, want %v", results[0].Threshold, summaryMinScore)
	}
}

func TestRetrieve_EmbedderErrorDegradesToEmpty(t *testing.T) {
	store := vecmock.NewStore()
	emb := &embmock.Provider{EmbedErr: errors.New("model offline")}

	r := NewRetriever(store, emb)
	results := r.Retrieve(context.Background(), "anything", "")

	if len(results) != 0 {
		t.Fatalf("got %d results, want 0", len(results))
	}
	if len(store.SearchCalls) != 0 {
		t.Errorf("search attempted after embedding failure: %d calls", len(store.SearchCalls))
	}
}

func TestRetrieve_SearchErrorDegradesToEmpty(t *testing.T) {
	store := vecmock.NewStore()
	store.SearchErr = errors.New("connection refused")
	emb := &embmock.Provider{EmbedResult: []float32{1}}

	r := NewRetriever(store, emb)
	if results := r.Retrieve(context.Background(), "anything", ""); len(results) != 0 {
		t.Fatalf("got %d results, want 0", len(results))
	}
}

func TestRetrieve_TimeoutDegradesToEmpty(t *testing.T) {
	store := vecmock.NewStore()
	emb := &embmock.Provider{
		EmbedResult: []float32{1},
		EmbedDelay:  200 * time.Millisecond,
	}

	r := NewRetriever(store, emb, WithTimeout(20*time.Millisecond))
	start := time.Now()
	results := r.Retrieve(context.Background(), "anything", "")

	if len(results) != 0 {
		t.Fatalf("got %d results, want 0", len(results))
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("retrieve took %v, want the 20ms deadline to cut the slow embedder off", elapsed)
	}
}

func TestRetrieve_CachesQueryEmbedding(t *testing.T) {
	store := vecmock.NewStore()
	emb := &embmock.Provider{EmbedResult: []float32{1, 0}}
	r := NewRetriever(store, emb)

	r.Retrieve(context.Background(), "vacation policy", "")
	r.Retrieve(context.Background(), "vacation policy", "")
	// Cache key is case- and whitespace-insensitive.
	r.Retrieve(context.Background(), "  Vacation POLICY  ", "")

	if got := emb.EmbedCallCount(); got != 1 {
		t.Errorf("embedder called %d times, want 1", got)
	}
	if got := r.CacheSize(); got != 1 {
		t.Errorf("cache size = %d, want 1", got)
	}

	r.ClearCache()
	if got := r.CacheSize(); got != 0 {
		t.Errorf("cache size after clear = %d, want 0", got)
	}
}

func TestRetrieve_CacheEvictsOldestAtCapacity(t *testing.T) {
	store := vecmock.NewStore()
	emb := &embmock.Provider{EmbedResult: []float32{1}}
	r := NewRetriever(store, emb)

	ctx := context.Background()
	for i := 0; i <= embeddingCacheCap; i++ {
		r.Retrieve(ctx, fmt.Sprintf("query %d", i), "")
	}
	if got := r.CacheSize(); got != embeddingCacheCap {
		t.Fatalf("cache size = %d, want capped at %d", got, embeddingCacheCap)
	}

	// The first query was evicted, so it embeds again.
	before := emb.EmbedCallCount()
	r.Retrieve(ctx, "query 0", "")
	if got := emb.EmbedCallCount(); got != before+1 {
		t.Errorf("embedder calls = %d, want %d (evicted entry re-embedded)", got, before+1)
	}

	// The newest entry is still cached.
	before = emb.EmbedCallCount()
	r.Retrieve(ctx, fmt.Sprintf("query %d", embeddingCacheCap), "")
	if got := emb.EmbedCallCount(); got != before {
		t.Errorf("embedder calls = %d, want %d (cached entry re-embedded)", got, before)
	}
}

func TestRetrieve_SessionFilter(t *testing.T) {
	store := vecmock.NewStore()
	emb := &embmock.Provider{EmbedResult: []float32{1}}

	r := NewRetriever(store, emb, WithSessionFilter(true))
	r.Retrieve(context.Background(), "anything", "sess-42")

	if got := store.SearchCalls[0].Query.SessionID; got != "sess-42" {
		t.Errorf("search session = %q, want sess-42", got)
	}
}
