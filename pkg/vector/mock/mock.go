// Package mock provides an in-memory test double for the vector.Store
// interface.
//
// Store keeps chunks in a map and ranks searches by true cosine similarity,
// so retrieval tests exercise real scoring behaviour without a database.
// Method calls are recorded for assertion, and error fields allow failure
// injection.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/vector"
)

// SearchCall records a single invocation of Search.
type SearchCall struct {
	// Embedding is a copy of the query vector.
	Embedding []float32
	// Query is the search configuration passed in.
	Query vector.SearchQuery
}

// Store is an in-memory implementation of vector.Store.
type Store struct {
	mu     sync.Mutex
	chunks map[string]vector.Chunk

	// --- Configurable responses ---

	// UpsertErr, if non-nil, is returned by UpsertChunks.
	UpsertErr error

	// SearchErr, if non-nil, is returned by Search.
	SearchErr error

	// SearchResult, if non-nil, is returned by Search verbatim instead of
	// ranking stored chunks. MinScore and TopK are still applied.
	SearchResult []vector.Match

	// DeleteErr, if non-nil, is returned by DeleteByDocument and
	// DeleteBySession.
	DeleteErr error

	// --- Call records ---

	// UpsertCalls counts calls to UpsertChunks.
	UpsertCalls int

	// SearchCalls records every call to Search in order.
	SearchCalls []SearchCall

	// DeleteCalls records the document IDs passed to DeleteByDocument.
	DeleteCalls []string

	// DeleteSessionCalls records the session IDs passed to DeleteBySession.
	DeleteSessionCalls []string
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{chunks: make(map[string]vector.Chunk)}
}

// UpsertChunks implements vector.Store.
func (s *Store) UpsertChunks(_ context.Context, chunks []vector.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertCalls++
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	if s.chunks == nil {
		s.chunks = make(map[string]vector.Chunk)
	}
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

// Search implements vector.Store by ranking stored chunks with cosine
// similarity against embedding.
func (s *Store) Search(_ context.Context, embedding []float32, q vector.SearchQuery) ([]vector.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]float32, len(embedding))
	copy(cp, embedding)
	s.SearchCalls = append(s.SearchCalls, SearchCall{Embedding: cp, Query: q})

	if s.SearchErr != nil {
		return nil, s.SearchErr
	}

	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}

	var matches []vector.Match
	if s.SearchResult != nil {
		matches = append(matches, s.SearchResult...)
	} else {
		for _, c := range s.chunks {
			if q.SessionID != "" && c.SessionID != "" && c.SessionID != q.SessionID {
				continue
			}
			matches = append(matches, vector.Match{
				Chunk: c,
				Score: CosineSimilarity(embedding, c.Embedding),
			})
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	}

	out := make([]vector.Match, 0, topK)
	for _, m := range matches {
		if q.MinScore > 0 && m.Score < q.MinScore {
			continue
		}
		out = append(out, m)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// DeleteByDocument implements vector.Store.
func (s *Store) DeleteByDocument(_ context.Context, documentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls = append(s.DeleteCalls, documentID)
	if s.DeleteErr != nil {
		return 0, s.DeleteErr
	}
	var n int64
	for id, c := range s.chunks {
		if c.DocumentID == documentID {
			delete(s.chunks, id)
			n++
		}
	}
	return n, nil
}

// DeleteBySession implements vector.Store. Session-less chunks are kept.
func (s *Store) DeleteBySession(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteSessionCalls = append(s.DeleteSessionCalls, sessionID)
	if s.DeleteErr != nil {
		return 0, s.DeleteErr
	}
	var n int64
	for id, c := range s.chunks {
		if sessionID != "" && c.SessionID == sessionID {
			delete(s.chunks, id)
			n++
		}
	}
	return n, nil
}

// Count implements vector.Store.
func (s *Store) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.chunks)), nil
}

// Len reports how many chunks the store currently holds.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Reset clears stored chunks and recorded calls without altering the
// configured error fields.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = make(map[string]vector.Chunk)
	s.UpsertCalls = 0
	s.SearchCalls = nil
	s.DeleteCalls = nil
	s.DeleteSessionCalls = nil
}

// CosineSimilarity computes the cosine similarity between two vectors,
// returning 0 when either has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// Ensure Store implements vector.Store at compile time.
var _ vector.Store = (*Store)(nil)
