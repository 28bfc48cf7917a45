package turn

import "strings"

// defaultSentenceBuf is the buffer depth of the sentence queue linking
// generation to synthesis. LLM streaming is far slower than synthesis dequeue
// in practice, so a small buffer suffices; the writer blocks when it fills.
const defaultSentenceBuf = 16

// Sentence is one unit of generated text handed to synthesis. The stream for
// a turn is terminated by the sentinel Sentence{Text: "", IsFinal: true}.
type Sentence struct {
	Text    string
	IsFinal bool
}

// SentenceSplitter accumulates streamed LLM tokens and emits maximal prefixes
// ending at '.', '!', or '?' followed by whitespace. Text still buffered when
// the stream ends is returned by [SentenceSplitter.Flush].
type SentenceSplitter struct {
	buf strings.Builder
}

// Push appends a token fragment and returns any sentences completed by it,
// in order. The returned sentences retain their terminating punctuation and
// are trimmed of surrounding whitespace.
func (sp *SentenceSplitter) Push(token string) []string {
	if token != "" {
		sp.buf.WriteString(token)
	}

	var out []string
	for {
		idx := firstSentenceBoundary(sp.buf.String())
		if idx < 0 {
			break
		}
		s := sp.buf.String()
		sentence := strings.TrimSpace(s[:idx+1])
		rest := strings.TrimLeft(s[idx+1:], " \t\n\r")
		sp.buf.Reset()
		sp.buf.WriteString(rest)
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

// Flush returns the remaining buffered text (the trailing partial sentence,
// or a whole response that never hit a boundary) and resets the splitter.
func (sp *SentenceSplitter) Flush() string {
	s := strings.TrimSpace(sp.buf.String())
	sp.buf.Reset()
	return s
}

// Pending reports whether the splitter holds undelivered text.
func (sp *SentenceSplitter) Pending() bool {
	return strings.TrimSpace(sp.buf.String()) != ""
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character (' ', '\n',
// '\r', or '\t') or ends the string. Returns -1 if no such boundary exists.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i == len(s)-1 {
				return i
			}
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainSentences discards everything buffered in ch without blocking. Used on
// cancellation so an abandoned generation writer can finish and exit.
func drainSentences(ch <-chan Sentence) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
