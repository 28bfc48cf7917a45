package rag

import (
	"errors"
	"strings"
	"testing"
)

func TestSupportedExtension(t *testing.T) {
	tests := []struct {
		filename string
		want     bool
	}{
		{"report.pdf", true},
		{"notes.TXT", true},
		{"README.md", true},
		{"diagram.png", false},
		{"noextension", false},
		{"archive.tar.gz", false},
	}
	for _, tt := range tests {
		if got := SupportedExtension(tt.filename); got != tt.want {
			t.Errorf("SupportedExtension(%q) = %v, want %v", tt.filename, got, tt.want)
		}
	}
}

func TestExtractText_PlainText(t *testing.T) {
	ex, err := ExtractText("notes.txt", []byte("Hello world from the pipeline."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Text != "Hello world from the pipeline." {
		t.Errorf("text = %q", ex.Text)
	}
	if ex.WordCount != 5 {
		t.Errorf("word count = %d, want 5", ex.WordCount)
	}
	if ex.Format != "txt" {
		t.Errorf("format = %q, want txt", ex.Format)
	}
	if ex.Pages != 0 {
		t.Errorf("pages = %d, want 0 for plain text", ex.Pages)
	}
}

func TestExtractText_Markdown(t *testing.T) {
	ex, err := ExtractText("guide.md", []byte("# Title\n\nBody text here."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Format != "md" {
		t.Errorf("format = %q, want md", ex.Format)
	}
	if ex.WordCount != 5 {
		t.Errorf("word count = %d, want 5", ex.WordCount)
	}
}

func TestExtractText_Latin1Fallback(t *testing.T) {
	// 0xE9 is é in Latin-1 and invalid UTF-8 on its own.
	ex, err := ExtractText("legacy.txt", []byte{'c', 'a', 'f', 0xE9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Text != "café" {
		t.Errorf("text = %q, want café", ex.Text)
	}
}

func TestExtractText_TooLarge(t *testing.T) {
	data := make([]byte, MaxUploadBytes+1)
	_, err := ExtractText("big.txt", data)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
}

func TestExtractText_UnsupportedFormat(t *testing.T) {
	_, err := ExtractText("slides.pptx", []byte("irrelevant"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestExtractText_InvalidPDF(t *testing.T) {
	_, err := ExtractText("broken.pdf", []byte("this is not a pdf"))
	if err == nil {
		t.Fatal("malformed pdf accepted, want error")
	}
	if !strings.Contains(err.Error(), "pdf parsing failed") {
		t.Errorf("err = %v, want pdf parse failure", err)
	}
}
