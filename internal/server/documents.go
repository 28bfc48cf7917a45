package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/observe"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/rag"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/store/postgres"
)

const (
	// defaultChunkSize and defaultChunkOverlap apply when the upload form
	// omits the chunking parameters.
	defaultChunkSize    = 500
	defaultChunkOverlap = 50

	// ingestTimeout bounds the chunk-embed-upsert run of one document. Worst
	// case is a 10 MB PDF against a cold local embedding server.
	ingestTimeout = 2 * time.Minute

	// multipartOverhead is extra room on top of the document size limit for
	// multipart framing and the form fields.
	multipartOverhead = 1 << 20
)

// documentJSON is the wire shape of one document row.
type documentJSON struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	Format     string `json:"format"`
	SizeBytes  int64  `json:"size_bytes"`
	WordCount  int    `json:"word_count"`
	ChunkCount int    `json:"chunk_count"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	UploadedAt int64  `json:"uploaded_at"`
	IndexedAt  *int64 `json:"indexed_at,omitempty"`
}

func toDocumentJSON(d postgres.Document) documentJSON {
	j := documentJSON{
		ID:         d.ID,
		Filename:   d.Filename,
		Format:     d.ContentType,
		SizeBytes:  d.SizeBytes,
		WordCount:  d.WordCount,
		ChunkCount: d.ChunkCount,
		Status:     d.Status,
		Error:      d.Error,
		UploadedAt: d.CreatedAt.UnixMilli(),
	}
	if d.IndexedAt != nil {
		ms := d.IndexedAt.UnixMilli()
		j.IndexedAt = &ms
	}
	return j
}

// handleUpload accepts a multipart document (field "file", optional
// session_id, chunk_size, chunk_overlap), validates it, and runs the whole
// parse → chunk → embed → upsert pipeline before answering, so the response
// carries the real chunk count and a 200 means the document is queryable.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vectors == nil || s.deps.Embedder == nil {
		s.writeError(w, http.StatusServiceUnavailable, "document ingestion is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, rag.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(rag.MaxUploadBytes + multipartOverhead); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form: %v", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if !rag.SupportedExtension(header.Filename) {
		s.writeError(w, http.StatusBadRequest, "unsupported file format; supported: pdf, txt, md")
		return
	}
	if header.Size > rag.MaxUploadBytes {
		s.writeError(w, http.StatusBadRequest, "file too large; maximum size %d MB", rag.MaxUploadBytes>>20)
		return
	}

	chunkSize, err := formInt(r, "chunk_size", defaultChunkSize)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "chunk_size must be an integer")
		return
	}
	chunkOverlap, err := formInt(r, "chunk_overlap", defaultChunkOverlap)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "chunk_overlap must be an integer")
		return
	}
	if chunkSize < rag.MinChunkSize || chunkSize > rag.MaxChunkSize {
		s.writeError(w, http.StatusBadRequest, "chunk_size must be between %d and %d", rag.MinChunkSize, rag.MaxChunkSize)
		return
	}
	if chunkOverlap < 0 || chunkOverlap > rag.MaxChunkOverlap {
		s.writeError(w, http.StatusBadRequest, "chunk_overlap must be between 0 and %d", rag.MaxChunkOverlap)
		return
	}
	if chunkOverlap >= chunkSize {
		s.writeError(w, http.StatusBadRequest, "chunk_overlap must be less than chunk_size")
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "could not read upload: %v", err)
		return
	}

	extracted, err := rag.ExtractText(header.Filename, content)
	switch {
	case errors.Is(err, rag.ErrUnsupportedFormat), errors.Is(err, rag.ErrFileTooLarge):
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	case err != nil:
		s.writeError(w, http.StatusUnprocessableEntity, "could not extract text: %v", err)
		return
	}

	doc := postgres.Document{
		ID:          uuid.NewString(),
		SessionID:   r.FormValue("session_id"),
		Filename:    header.Filename,
		ContentType: extracted.Format,
		SizeBytes:   header.Size,
		WordCount:   extracted.WordCount,
		Status:      postgres.DocPending,
	}
	if err := s.deps.Store.CreateDocument(r.Context(), doc); err != nil {
		s.log.Error("document row insert failed", "file", header.Filename, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not record document")
		return
	}

	chunker, err := rag.NewChunker(chunkSize, chunkOverlap)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "chunker init failed: %v", err)
		return
	}
	ingestor := rag.NewIngestor(s.deps.Store, s.deps.Vectors, s.deps.Embedder, chunker)

	ctx, cancel := context.WithTimeout(r.Context(), ingestTimeout)
	defer cancel()

	chunkCount, err := ingestor.Process(ctx, rag.IngestRequest{
		DocumentID: doc.ID,
		SessionID:  doc.SessionID,
		Filename:   doc.Filename,
		Text:       extracted.Text,
	})
	status := postgres.DocIndexed
	if err != nil {
		status = postgres.DocFailed
	}
	s.deps.Metrics.DocumentsIngested.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("status", status)))
	if err != nil {
		// Process already marked the row failed with the cause.
		s.log.Error("document ingestion failed", "document", doc.ID, "file", doc.Filename, "error", err)
		s.writeError(w, http.StatusInternalServerError, "document processing failed: %v", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"document_id": doc.ID,
		"filename":    doc.Filename,
		"status":      postgres.DocIndexed,
		"word_count":  extracted.WordCount,
		"chunk_count": chunkCount,
	})
}

// handleListDocuments returns every uploaded document, newest first.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Store.ListDocuments(r.Context())
	if err != nil {
		s.log.Error("document list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not list documents")
		return
	}
	out := make([]documentJSON, len(docs))
	for i, d := range docs {
		out[i] = toDocumentJSON(d)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"documents": out,
		"count":     len(out),
	})
}

// handleDeleteDocument removes a document row and its vectors.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	doc, err := s.deps.Store.GetDocument(r.Context(), id)
	if err != nil {
		s.log.Error("document lookup failed", "document", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not look up document")
		return
	}
	if doc == nil {
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	}

	if s.deps.Vectors != nil {
		if _, err := s.deps.Vectors.DeleteByDocument(r.Context(), id); err != nil {
			s.log.Error("vector delete failed", "document", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "could not delete document vectors")
			return
		}
	}
	if _, err := s.deps.Store.DeleteDocument(r.Context(), id); err != nil {
		s.log.Error("document delete failed", "document", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not delete document")
		return
	}

	s.log.Info("document deleted", "document", id, "file", doc.Filename)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// formInt reads an optional integer form field.
func formInt(r *http.Request, field string, fallback int) (int, error) {
	raw := r.FormValue(field)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
