package rag

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Chunking bounds enforced by [NewChunker] and the upload API.
const (
	MinChunkSize    = 100
	MaxChunkSize    = 2000
	MaxChunkOverlap = 500
)

// encodingName is the tokenizer used for chunk windows. cl100k_base matches
// the OpenAI embedding models, so chunk sizes line up with what the embedder
// actually sees.
const encodingName = "cl100k_base"

// TextChunk is one token-window slice of a document.
type TextChunk struct {
	// Text is the decoded window content.
	Text string

	// Index is the zero-based chunk position within the document.
	Index int

	// Tokens is the window's token count (= chunk size except for the tail).
	Tokens int
}

// Chunker splits document text into overlapping token windows.
type Chunker struct {
	enc     *tiktoken.Tiktoken
	size    int
	overlap int
}

// NewChunker creates a [Chunker] producing windows of size tokens that
// advance by size − overlap. Returns an error when the parameters fall
// outside the supported bounds or the tokenizer cannot be loaded.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size < MinChunkSize || size > MaxChunkSize {
		return nil, fmt.Errorf("chunker: chunk size %d outside [%d, %d]", size, MinChunkSize, MaxChunkSize)
	}
	if overlap < 0 || overlap > MaxChunkOverlap {
		return nil, fmt.Errorf("chunker: chunk overlap %d outside [0, %d]", overlap, MaxChunkOverlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunker: overlap %d must be smaller than chunk size %d", overlap, size)
	}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("chunker: load %s encoding: %w", encodingName, err)
	}

	return &Chunker{enc: enc, size: size, overlap: overlap}, nil
}

// Split chunks text into overlapping token windows. Empty or whitespace-only
// text yields no chunks.
func (c *Chunker) Split(text string) []TextChunk {
	if strings.TrimSpace(text) == "" {
		slog.Warn("attempted to chunk empty text")
		return nil
	}

	tokens := c.enc.Encode(text, nil, nil)
	step := c.size - c.overlap

	var chunks []TextChunk
	for start := 0; start < len(tokens); start += step {
		end := min(start+c.size, len(tokens))
		window := tokens[start:end]
		chunks = append(chunks, TextChunk{
			Text:   c.enc.Decode(window),
			Index:  len(chunks),
			Tokens: len(window),
		})
	}

	slog.Debug("chunked document", "tokens", len(tokens), "chunks", len(chunks))
	return chunks
}

// CountTokens reports the cl100k_base token count of text. Used for LLM usage
// estimates when the provider does not report token counts itself.
func (c *Chunker) CountTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
