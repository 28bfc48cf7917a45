package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateDocument inserts an upload row in [DocPending] state. The processing
// pipeline advances it with the SetDocument* methods as ingestion progresses.
func (s *Store) CreateDocument(ctx context.Context, d Document) error {
	const q = `
		INSERT INTO documents
		    (id, session_id, filename, content_type, size_bytes, word_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	status := d.Status
	if status == "" {
		status = DocPending
	}

	_, err := s.pool.Exec(ctx, q,
		d.ID,
		d.SessionID,
		d.Filename,
		d.ContentType,
		d.SizeBytes,
		d.WordCount,
		status,
	)
	if err != nil {
		return fmt.Errorf("documents: create: %w", err)
	}
	return nil
}

// SetDocumentProcessing moves a document into [DocProcessing].
func (s *Store) SetDocumentProcessing(ctx context.Context, id string) error {
	const q = `UPDATE documents SET status = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, DocProcessing); err != nil {
		return fmt.Errorf("documents: set processing: %w", err)
	}
	return nil
}

// SetDocumentIndexed marks ingestion complete, recording the chunk count and
// index timestamp.
func (s *Store) SetDocumentIndexed(ctx context.Context, id string, chunkCount int) error {
	const q = `
		UPDATE documents
		SET    status = $2, chunk_count = $3, indexed_at = now(), error = ''
		WHERE  id = $1`
	if _, err := s.pool.Exec(ctx, q, id, DocIndexed, chunkCount); err != nil {
		return fmt.Errorf("documents: set indexed: %w", err)
	}
	return nil
}

// SetDocumentFailed marks ingestion as failed with a cause. The cause string
// is surfaced verbatim in the document listing API.
func (s *Store) SetDocumentFailed(ctx context.Context, id string, cause string) error {
	const q = `UPDATE documents SET status = $2, error = $3 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, DocFailed, cause); err != nil {
		return fmt.Errorf("documents: set failed: %w", err)
	}
	return nil
}

// GetDocument returns the document row for id, or (nil, nil) when absent.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	const q = `
		SELECT id, session_id, filename, content_type, size_bytes, word_count,
		       chunk_count, status, error, created_at, indexed_at
		FROM   documents
		WHERE  id = $1`

	var d Document
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&d.ID,
		&d.SessionID,
		&d.Filename,
		&d.ContentType,
		&d.SizeBytes,
		&d.WordCount,
		&d.ChunkCount,
		&d.Status,
		&d.Error,
		&d.CreatedAt,
		&d.IndexedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("documents: get: %w", err)
	}
	return &d, nil
}

// ListDocuments returns all documents, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	const q = `
		SELECT id, session_id, filename, content_type, size_bytes, word_count,
		       chunk_count, status, error, created_at, indexed_at
		FROM   documents
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("documents: list: %w", err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) {
		var d Document
		if err := row.Scan(
			&d.ID,
			&d.SessionID,
			&d.Filename,
			&d.ContentType,
			&d.SizeBytes,
			&d.WordCount,
			&d.ChunkCount,
			&d.Status,
			&d.Error,
			&d.CreatedAt,
			&d.IndexedAt,
		); err != nil {
			return Document{}, err
		}
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("documents: scan rows: %w", err)
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

// DeleteDocument removes the document row and reports whether it existed.
// Chunk cleanup in the vector store is the caller's responsibility.
func (s *Store) DeleteDocument(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("documents: delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
