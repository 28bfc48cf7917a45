package turn

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TranscriptEntry is a single final transcript stored in the [TranscriptBuffer].
type TranscriptEntry struct {
	// Text is the transcribed speech.
	Text string

	// Confidence is the STT confidence score (0.0–1.0).
	Confidence float64

	// At records when the entry was added.
	At time.Time
}

// TranscriptBuffer separates interim transcripts (display only) from final
// transcripts (the sole input to generation). Only [TranscriptBuffer.FinalText]
// is ever read by the LLM path; the current interim is never part of it.
//
// While the buffer is locked — set on entry to SPECULATIVE — new adds are
// silently dropped so late STT events cannot mutate the text a generation is
// already running on. Clearing the buffer also releases the lock.
//
// All methods are safe for concurrent use.
type TranscriptBuffer struct {
	log *slog.Logger

	mu      sync.RWMutex
	finals  []TranscriptEntry
	interim string
	locked  bool
}

// NewTranscriptBuffer constructs an empty, unlocked buffer.
// A nil logger defaults to [slog.Default].
func NewTranscriptBuffer(log *slog.Logger) *TranscriptBuffer {
	if log == nil {
		log = slog.Default()
	}
	return &TranscriptBuffer{log: log}
}

// AddInterim replaces the current interim text. Dropped while locked.
func (b *TranscriptBuffer) AddInterim(text string, confidence float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		b.log.Debug("transcript buffer locked, dropping interim", "text", text)
		return
	}
	b.interim = text
	_ = confidence // interim confidence is display-only; nothing stores it
}

// AddFinal appends a final transcript entry and clears the interim.
// Dropped while locked.
func (b *TranscriptBuffer) AddFinal(text string, confidence float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		b.log.Debug("transcript buffer locked, dropping final", "text", text)
		return
	}
	b.finals = append(b.finals, TranscriptEntry{
		Text:       text,
		Confidence: confidence,
		At:         time.Now(),
	})
	b.interim = ""
}

// FinalText returns the space-joined final transcripts.
func (b *TranscriptBuffer) FinalText() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	parts := make([]string, 0, len(b.finals))
	for _, e := range b.finals {
		parts = append(parts, e.Text)
	}
	return strings.Join(parts, " ")
}

// CurrentInterim returns the latest interim text, or "" if none is pending.
func (b *TranscriptBuffer) CurrentInterim() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.interim
}

// AverageConfidence returns the mean confidence across final entries,
// or 0 when the buffer holds no finals.
func (b *TranscriptBuffer) AverageConfidence() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.finals) == 0 {
		return 0
	}
	var sum float64
	for _, e := range b.finals {
		sum += e.Confidence
	}
	return sum / float64(len(b.finals))
}

// Lock freezes the buffer: subsequent adds are dropped until Unlock or Clear.
func (b *TranscriptBuffer) Lock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked = true
}

// Unlock re-enables adds.
func (b *TranscriptBuffer) Unlock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locked = false
}

// Locked reports whether the buffer currently drops adds.
func (b *TranscriptBuffer) Locked() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.locked
}

// Clear discards all finals and the interim, and releases the lock.
func (b *TranscriptBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finals = nil
	b.interim = ""
	b.locked = false
}

// Entries returns a copy of the final entries. Intended for testing and
// turn sealing.
func (b *TranscriptBuffer) Entries() []TranscriptEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]TranscriptEntry, len(b.finals))
	copy(out, b.finals)
	return out
}
