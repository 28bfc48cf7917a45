package rag

import (
	"strings"
	"testing"
)

// newTestChunker skips the test when the cl100k_base token ranks cannot be
// loaded (first use downloads them, which offline CI cannot).
func newTestChunker(t *testing.T, size, overlap int) *Chunker {
	t.Helper()
	c, err := NewChunker(size, overlap)
	if err != nil {
		t.Skipf("cl100k_base encoding unavailable: %v", err)
	}
	return c
}

func TestNewChunker_RejectsBadParameters(t *testing.T) {
	tests := []struct {
		name          string
		size, overlap int
	}{
		{"size too small", 50, 10},
		{"size too large", 3000, 10},
		{"overlap negative", 200, -1},
		{"overlap too large", 1000, 600},
		{"overlap equals size", 200, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewChunker(tt.size, tt.overlap); err == nil {
				t.Errorf("NewChunker(%d, %d) accepted, want error", tt.size, tt.overlap)
			}
		})
	}
}

func TestSplit_EmptyText(t *testing.T) {
	c := newTestChunker(t, 100, 0)
	if got := c.Split(""); got != nil {
		t.Errorf("Split(\"\") = %v, want nil", got)
	}
	if got := c.Split("   \n\t "); got != nil {
		t.Errorf("Split(whitespace) = %v, want nil", got)
	}
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	c := newTestChunker(t, 100, 0)
	chunks := c.Split("hello world")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != "hello world" {
		t.Errorf("chunk text = %q, want round-tripped input", chunks[0].Text)
	}
	if chunks[0].Index != 0 {
		t.Errorf("chunk index = %d, want 0", chunks[0].Index)
	}
	if chunks[0].Tokens < 1 || chunks[0].Tokens > 100 {
		t.Errorf("chunk tokens = %d, want within window", chunks[0].Tokens)
	}
}

func TestSplit_OverlappingWindows(t *testing.T) {
	const size, overlap = 100, 20
	c := newTestChunker(t, size, overlap)

	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 60)
	total := c.CountTokens(text)
	if total <= size {
		t.Fatalf("test text too short: %d tokens", total)
	}

	chunks := c.Split(text)

	step := size - overlap
	wantChunks := (total + step - 1) / step
	if len(chunks) != wantChunks {
		t.Fatalf("got %d chunks for %d tokens, want %d", len(chunks), total, wantChunks)
	}
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
		if ch.Tokens < 1 || ch.Tokens > size {
			t.Errorf("chunk %d spans %d tokens, want 1..%d", i, ch.Tokens, size)
		}
	}
	if got := chunks[0].Tokens; got != size {
		t.Errorf("first chunk tokens = %d, want full window %d", got, size)
	}
	// The last window ends exactly at the final token.
	if got, want := chunks[len(chunks)-1].Tokens, total-(wantChunks-1)*step; got != want {
		t.Errorf("last chunk tokens = %d, want %d", got, want)
	}
}

func TestSplit_NoOverlapPartitionsTokens(t *testing.T) {
	const size = 100
	c := newTestChunker(t, size, 0)

	text := strings.Repeat("structured data pipelines need careful chunking. ", 50)
	total := c.CountTokens(text)
	chunks := c.Split(text)

	sum := 0
	for _, ch := range chunks {
		sum += ch.Tokens
	}
	if sum != total {
		t.Errorf("chunks cover %d tokens, want exactly %d", sum, total)
	}
	if want := (total + size - 1) / size; len(chunks) != want {
		t.Errorf("got %d chunks, want %d", len(chunks), want)
	}
}

func TestCountTokens(t *testing.T) {
	c := newTestChunker(t, 100, 0)
	if got := c.CountTokens(""); got != 0 {
		t.Errorf("CountTokens(\"\") = %d, want 0", got)
	}
	one := c.CountTokens("hello")
	many := c.CountTokens(strings.Repeat("hello world ", 20))
	if one < 1 {
		t.Errorf("CountTokens(hello) = %d, want >= 1", one)
	}
	if many <= one {
		t.Errorf("longer text counted %d tokens, shorter %d", many, one)
	}
}
