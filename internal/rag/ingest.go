package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/embeddings"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/vector"
)

// maxStoredChunkChars caps the chunk text persisted alongside its embedding.
// Retrieval results cite at most this much text per chunk.
const maxStoredChunkChars = 1000

// DocumentStore is the subset of the relational store the ingestion pipeline
// drives document status through.
type DocumentStore interface {
	SetDocumentProcessing(ctx context.Context, id string) error
	SetDocumentIndexed(ctx context.Context, id string, chunkCount int) error
	SetDocumentFailed(ctx context.Context, id string, cause string) error
}

// IngestRequest describes one parsed document ready for indexing.
type IngestRequest struct {
	// DocumentID is the documents-table row the pipeline reports status to.
	DocumentID string

	// SessionID scopes the chunks when session filtering is enabled. Empty
	// makes the chunks visible to every session.
	SessionID string

	// Filename is carried into chunk metadata for source citations.
	Filename string

	// Text is the already-extracted document content.
	Text string
}

// Ingestor runs the chunk → embed → upsert pipeline for uploaded documents
// and keeps the documents table in step with ingestion progress.
type Ingestor struct {
	docs     DocumentStore
	vectors  vector.Store
	embedder embeddings.Provider
	chunker  *Chunker
}

// NewIngestor creates an [Ingestor]. The embedder must be the same one the
// retriever queries with so document and query vectors share a space.
func NewIngestor(docs DocumentStore, vectors vector.Store, embedder embeddings.Provider, chunker *Chunker) *Ingestor {
	return &Ingestor{docs: docs, vectors: vectors, embedder: embedder, chunker: chunker}
}

// Process chunks, embeds, and upserts one document, moving its status
// pending → processing → indexed (or failed, with the cause recorded). It
// returns the number of chunks indexed, which the upload response reports.
//
// Chunk IDs are derived from the document ID and chunk index, so reprocessing
// a document replaces its previous vectors instead of duplicating them.
func (in *Ingestor) Process(ctx context.Context, req IngestRequest) (int, error) {
	start := time.Now()

	if err := in.docs.SetDocumentProcessing(ctx, req.DocumentID); err != nil {
		// Status rows are bookkeeping; ingestion itself continues.
		slog.Warn("failed to mark document processing", "document", req.DocumentID, "err", err)
	}

	chunks := in.chunker.Split(req.Text)
	if len(chunks) == 0 {
		err := fmt.Errorf("document %s produced no chunks", req.DocumentID)
		in.fail(ctx, req.DocumentID, err)
		return 0, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	embs, err := in.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		err = fmt.Errorf("embed %d chunks: %w", len(chunks), err)
		in.fail(ctx, req.DocumentID, err)
		return 0, err
	}
	if len(embs) != len(chunks) {
		err = fmt.Errorf("embedder returned %d vectors for %d chunks", len(embs), len(chunks))
		in.fail(ctx, req.DocumentID, err)
		return 0, err
	}

	vchunks := make([]vector.Chunk, len(chunks))
	for i, c := range chunks {
		content := c.Text
		if len(content) > maxStoredChunkChars {
			content = content[:maxStoredChunkChars]
		}
		vchunks[i] = vector.Chunk{
			ID:         fmt.Sprintf("%s_%d", req.DocumentID, c.Index),
			DocumentID: req.DocumentID,
			SessionID:  req.SessionID,
			Filename:   req.Filename,
			Index:      c.Index,
			Content:    content,
			Embedding:  embs[i],
		}
	}

	if err := in.vectors.UpsertChunks(ctx, vchunks); err != nil {
		err = fmt.Errorf("upsert %d chunks: %w", len(vchunks), err)
		in.fail(ctx, req.DocumentID, err)
		return 0, err
	}

	if err := in.docs.SetDocumentIndexed(ctx, req.DocumentID, len(vchunks)); err != nil {
		slog.Warn("failed to mark document indexed", "document", req.DocumentID, "err", err)
	}

	slog.Info("document indexed",
		"document", req.DocumentID,
		"file", req.Filename,
		"chunks", len(vchunks),
		"elapsed", time.Since(start),
	)
	return len(vchunks), nil
}

// Remove deletes every vector belonging to documentID and reports how many
// were removed. The documents-table row is the caller's to delete.
func (in *Ingestor) Remove(ctx context.Context, documentID string) (int64, error) {
	n, err := in.vectors.DeleteByDocument(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks for document %s: %w", documentID, err)
	}
	slog.Info("document vectors removed", "document", documentID, "chunks", n)
	return n, nil
}

func (in *Ingestor) fail(ctx context.Context, id string, cause error) {
	slog.Error("document ingestion failed", "document", id, "err", cause)
	if err := in.docs.SetDocumentFailed(ctx, id, cause.Error()); err != nil {
		slog.Warn("failed to record document failure", "document", id, "err", err)
	}
}
