package rag

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// MaxUploadBytes caps the accepted document size.
const MaxUploadBytes = 10 << 20 // 10 MB

// Upload validation errors. The upload handler maps these to 4xx responses.
var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrFileTooLarge      = errors.New("file exceeds size limit")
)

// supportedExtensions are the document formats the ingestion pipeline accepts.
var supportedExtensions = map[string]bool{
	".pdf": true,
	".txt": true,
	".md":  true,
}

// Extracted is the text content pulled out of an uploaded document.
type Extracted struct {
	// Text is the full extracted content.
	Text string

	// WordCount is the whitespace-separated word count of Text.
	WordCount int

	// Format is the normalized format name ("pdf", "txt", "md").
	Format string

	// Pages is the number of non-empty pages; zero for plain-text formats.
	Pages int
}

// SupportedExtension reports whether filename has an accepted extension.
func SupportedExtension(filename string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// ExtractText parses an uploaded document into plain text.
//
// Returns [ErrUnsupportedFormat] or [ErrFileTooLarge] for validation
// failures and a wrapped parse error when the content is malformed.
func ExtractText(filename string, data []byte) (Extracted, error) {
	if len(data) > MaxUploadBytes {
		return Extracted{}, fmt.Errorf("%w: %d bytes > %d", ErrFileTooLarge, len(data), MaxUploadBytes)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		return extractPDF(filename, data)
	case ".txt", ".md":
		return extractPlain(filename, data, ext[1:])
	default:
		return Extracted{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// extractPDF pulls text from every page, skipping pages with no content.
func extractPDF(filename string, data []byte) (ex Extracted, err error) {
	// The pdf package panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parsing failed for %s: %v", filename, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extracted{}, fmt.Errorf("pdf parsing failed for %s: %w", filename, err)
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Warn("skipping unreadable pdf page", "file", filename, "page", i, "err", err)
			continue
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, text)
		}
	}

	full := strings.Join(pages, "\n\n")
	ex = Extracted{
		Text:      full,
		WordCount: countWords(full),
		Format:    "pdf",
		Pages:     len(pages),
	}
	slog.Info("extracted pdf text", "file", filename, "pages", ex.Pages, "words", ex.WordCount)
	return ex, nil
}

// extractPlain reads txt/md content as UTF-8, falling back to a Latin-1
// interpretation for legacy files.
func extractPlain(filename string, data []byte, format string) (Extracted, error) {
	var text string
	if utf8.Valid(data) {
		text = string(data)
	} else {
		text = decodeLatin1(data)
	}

	ex := Extracted{
		Text:      text,
		WordCount: countWords(text),
		Format:    format,
	}
	slog.Info("extracted text file", "file", filename, "words", ex.WordCount)
	return ex, nil
}

// decodeLatin1 maps each byte to the Unicode code point of the same value.
func decodeLatin1(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func countWords(text string) int {
	return len(strings.Fields(text))
}
