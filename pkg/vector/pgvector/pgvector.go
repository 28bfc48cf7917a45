// Package pgvector provides a PostgreSQL-backed [vector.Store] using the
// pgvector extension with an HNSW index for fast approximate
// nearest-neighbour search.
//
// The store shares its [pgxpool.Pool] with the relational store; pool
// construction and pgvector type registration happen there. [Store.Migrate]
// installs the extension and the document_chunks table and is idempotent, so
// it is safe to run on every application start.
package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/vector"
)

// Compile-time interface check.
var _ vector.Store = (*Store)(nil)

// upsertBatchSize caps how many chunk upserts are queued into a single
// database batch. Document ingestion can produce hundreds of chunks; batching
// keeps round trips low without building one enormous statement.
const upsertBatchSize = 100

// defaultTopK is used when a search arrives with TopK <= 0.
const defaultTopK = 5

// Store implements [vector.Store] on a PostgreSQL chunks table.
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// New wraps an existing connection pool. dims must match the output dimension
// of the embedding model that produces [vector.Chunk.Embedding] values;
// changing it after the first migration requires a manual schema change.
func New(pool *pgxpool.Pool, dims int) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgvector store: pool must not be nil")
	}
	if dims <= 0 {
		return nil, fmt.Errorf("pgvector store: dims must be positive, got %d", dims)
	}
	return &Store{pool: pool, dims: dims}, nil
}

// ddl returns the chunk-table DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddl(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_chunks (
    id           TEXT  PRIMARY KEY,
    document_id  TEXT  NOT NULL,
    session_id   TEXT  NOT NULL DEFAULT '',
    filename     TEXT  NOT NULL DEFAULT '',
    chunk_index  INT   NOT NULL DEFAULT 0,
    content      TEXT  NOT NULL,
    embedding    vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_document_chunks_document_id
    ON document_chunks (document_id);

CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding
    ON document_chunks USING hnsw (embedding vector_cosine_ops);
`, dims)
}

// Migrate creates or ensures the pgvector extension, chunk table, and indexes
// exist. Idempotent and safe to call on every application start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ddl(s.dims)); err != nil {
		return fmt.Errorf("pgvector store: migrate: %w", err)
	}
	return nil
}

// UpsertChunks implements [vector.Store]. Chunks are written in batches of
// [upsertBatchSize]; a chunk with an existing ID is completely replaced.
func (s *Store) UpsertChunks(ctx context.Context, chunks []vector.Chunk) error {
	const q = `
		INSERT INTO document_chunks
		    (id, document_id, session_id, filename, chunk_index, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    document_id = EXCLUDED.document_id,
		    session_id  = EXCLUDED.session_id,
		    filename    = EXCLUDED.filename,
		    chunk_index = EXCLUDED.chunk_index,
		    content     = EXCLUDED.content,
		    embedding   = EXCLUDED.embedding`

	for start := 0; start < len(chunks); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(chunks))

		batch := &pgx.Batch{}
		for _, c := range chunks[start:end] {
			batch.Queue(q,
				c.ID,
				c.DocumentID,
				c.SessionID,
				c.Filename,
				c.Index,
				c.Content,
				pgv.NewVector(c.Embedding),
			)
		}

		results := s.pool.SendBatch(ctx, batch)
		var execErr error
		for range batch.Len() {
			if _, err := results.Exec(); err != nil {
				execErr = err
				break
			}
		}
		if closeErr := results.Close(); execErr == nil {
			execErr = closeErr
		}
		if execErr != nil {
			return fmt.Errorf("pgvector store: upsert chunks: %w", execErr)
		}
	}
	return nil
}

// Search implements [vector.Store]. It finds the chunks whose embeddings are
// closest (cosine distance) to the query embedding, converts distance to a
// similarity score, and filters by q.MinScore and q.SessionID in SQL so the
// HNSW index does the heavy lifting.
func (s *Store) Search(ctx context.Context, embedding []float32, q vector.SearchQuery) ([]vector.Match, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	queryVec := pgv.NewVector(embedding)
	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where := ""
	if q.SessionID != "" {
		where = fmt.Sprintf("WHERE (session_id = %s OR session_id = '')", next(q.SessionID))
	}
	if q.MinScore > 0 {
		cond := fmt.Sprintf("(1 - (embedding <=> $1)) >= %s", next(q.MinScore))
		if where == "" {
			where = "WHERE " + cond
		} else {
			where += "\n  AND " + cond
		}
	}

	limitArg := next(topK)

	sql := fmt.Sprintf(`
		SELECT id, document_id, session_id, filename, chunk_index, content,
		       embedding <=> $1 AS distance
		FROM   document_chunks
		%s
		ORDER  BY distance
		LIMIT  %s`, where, limitArg)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: search: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vector.Match, error) {
		var (
			m        vector.Match
			distance float64
		)
		if err := row.Scan(
			&m.Chunk.ID,
			&m.Chunk.DocumentID,
			&m.Chunk.SessionID,
			&m.Chunk.Filename,
			&m.Chunk.Index,
			&m.Chunk.Content,
			&distance,
		); err != nil {
			return vector.Match{}, err
		}
		m.Score = 1 - distance
		if m.Score < 0 {
			m.Score = 0
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector store: scan rows: %w", err)
	}
	if matches == nil {
		matches = []vector.Match{}
	}
	return matches, nil
}

// DeleteByDocument implements [vector.Store].
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("pgvector store: delete by document: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteBySession implements [vector.Store]. Session-less chunks (shared
// uploads) survive; only chunks tagged with sessionID go.
func (s *Store) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("pgvector store: delete by session: empty session id")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("pgvector store: delete by session: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count implements [vector.Store].
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM document_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgvector store: count: %w", err)
	}
	return n, nil
}
