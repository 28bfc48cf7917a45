package rag

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Violation identifies which guardrail a query or response tripped. The
// values double as the wire suffix in "guardrail_<violation>" error codes.
type Violation string

const (
	ViolationHarmfulContent  Violation = "harmful_content"
	ViolationPromptInjection Violation = "prompt_injection"
	ViolationPIIDetected     Violation = "pii_detected"
	ViolationLowConfidence   Violation = "low_confidence"
	ViolationNoContext       Violation = "no_context"
)

// CheckResult is the outcome of a single guardrail check.
type CheckResult struct {
	// Passed reports whether the checked text may proceed. A passed result can
	// still carry a Violation (PII redaction passes but flags).
	Passed bool

	// Violation is set when a guardrail fired.
	Violation Violation

	// Reason is a short operator-facing explanation.
	Reason string

	// Sanitized is the response text after PII redaction. Only set by
	// [Guardrails.ValidateResponse]; equal to the input when nothing was
	// redacted.
	Sanitized string

	// Confidence is the top retrieval score for retrieval checks, 1.0
	// otherwise.
	Confidence float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Pattern families
// ─────────────────────────────────────────────────────────────────────────────

// harmfulPatterns match requests for weapons, intrusion, or self-harm.
var harmfulPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(how to (make|build|create) (a )?(bomb|weapon|explosive))\b`),
	regexp.MustCompile(`\b(hack|crack|exploit|breach) (into|someone|system)\b`),
	regexp.MustCompile(`\b(illegal|unlawful) (activity|activities|drugs|substances)\b`),
	regexp.MustCompile(`\b(self[\s-]harm|suicide|kill (myself|yourself))\b`),
}

// injectionPatterns match instruction-override and fake-chat-markup attempts.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ignore (previous|all) (instructions?|prompts?|commands?)`),
	regexp.MustCompile(`disregard (your|the) (system prompt|instructions?|rules)`),
	regexp.MustCompile(`forget (everything|all|your) (you know|instructions?)`),
	regexp.MustCompile(`new (system prompt|instructions?|task):`),
	regexp.MustCompile(`<\|.*?\|>`),
	regexp.MustCompile(`###\s+(system|user|assistant):`),
	regexp.MustCompile(`\[system\]|\[inst\]|\[/inst\]`),
}

// roleSwitchPattern catches "you are now ..." role reassignment. The text
// after the match is inspected in code: RE2 has no lookahead, and
// "you are now a voice assistant" must stay legal.
var roleSwitchPattern = regexp.MustCompile(`you are now (a |an )?`)

// piiPatterns is ordered so broader digit runs (credit cards) are redacted
// before the phone pattern can claim a fragment of them.
var piiPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit_card", regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"phone", regexp.MustCompile(`\b(\+?1[\s-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
}

// hallucinationMarkers flag phrasing that suggests the model answered from
// training data instead of the supplied context. Advisory only.
var hallucinationMarkers = []*regexp.Regexp{
	regexp.MustCompile(`i don'?t have (access to|information about)`),
	regexp.MustCompile(`i (can'?t|cannot) (access|see|read|view) (the |that )?document`),
	regexp.MustCompile(`based on (my knowledge|what i know)`),
	regexp.MustCompile(`as of my (knowledge cutoff|last update)`),
}

const (
	// confidenceSlack is subtracted from the retriever's recorded threshold so
	// results that passed its filter are not re-rejected by rounding.
	confidenceSlack = 0.01

	// minConfidenceFloor is the lowest the retrieval confidence bar can drop,
	// even for summary queries searched at 0.05.
	minConfidenceFloor = 0.04

	// groundingThreshold is the advisory floor for the fraction of response
	// content words present in the retrieved context.
	groundingThreshold = 0.3
)

// ─────────────────────────────────────────────────────────────────────────────
// Guardrails
// ─────────────────────────────────────────────────────────────────────────────

// Guardrails runs deterministic policy checks at three points of a turn:
// before retrieval (query), after retrieval (result confidence), and after
// generation (response). All methods are pure apart from logging and safe for
// concurrent use.
type Guardrails struct {
	minConfidence float64
}

// GuardrailOption is a functional option for [NewGuardrails].
type GuardrailOption func(*Guardrails)

// WithMinConfidence sets the retrieval confidence floor used when results
// carry no recorded threshold. Defaults to 0.3.
func WithMinConfidence(v float64) GuardrailOption {
	return func(g *Guardrails) { g.minConfidence = v }
}

// NewGuardrails creates a [Guardrails] with default thresholds.
func NewGuardrails(opts ...GuardrailOption) *Guardrails {
	g := &Guardrails{minConfidence: 0.3}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ValidateQuery checks a user query before retrieval. Harmful content and
// injection attempts reject; PII in the query is logged for audit but never
// blocks.
func (g *Guardrails) ValidateQuery(query string) CheckResult {
	lower := strings.ToLower(strings.TrimSpace(query))

	for _, p := range harmfulPatterns {
		if p.MatchString(lower) {
			slog.Warn("harmful query blocked", "query", clip(query, 50))
			return CheckResult{
				Passed:    false,
				Violation: ViolationHarmfulContent,
				Reason:    "query contains potentially harmful content",
			}
		}
	}

	if matchesInjection(lower) {
		slog.Warn("prompt injection blocked", "query", clip(query, 50))
		return CheckResult{
			Passed:    false,
			Violation: ViolationPromptInjection,
			Reason:    "query appears to contain a prompt injection attempt",
		}
	}

	if kinds := detectPII(query); len(kinds) > 0 {
		// Audit only. The query still proceeds to retrieval.
		slog.Warn("pii detected in query", "kinds", strings.Join(kinds, ","))
	}

	return CheckResult{Passed: true, Confidence: 1}
}

// ValidateRetrieval checks retrieval results before generation. It reuses
// the threshold the retriever recorded on the results rather than re-deriving
// the retrieval mode.
func (g *Guardrails) ValidateRetrieval(query string, results []Result) CheckResult {
	if len(results) == 0 {
		slog.Warn("no retrieval results", "query", clip(query, 50))
		return CheckResult{
			Passed:    false,
			Violation: ViolationNoContext,
			Reason:    "no relevant documents found for this query",
		}
	}

	maxScore := 0.0
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}

	threshold := results[0].Threshold
	if threshold == 0 {
		threshold = g.minConfidence
	}
	floor := threshold - confidenceSlack
	if floor < minConfidenceFloor {
		floor = minConfidenceFloor
	}

	if maxScore < floor {
		slog.Warn("low confidence retrieval",
			"max_score", maxScore, "floor", floor, "summary", results[0].IsSummary)
		return CheckResult{
			Passed:     false,
			Violation:  ViolationLowConfidence,
			Reason:     fmt.Sprintf("retrieved context has low relevance (score: %.2f)", maxScore),
			Confidence: maxScore,
		}
	}

	return CheckResult{Passed: true, Confidence: maxScore}
}

// ValidateResponse checks generated text before it is sent to the client.
// Harmful output rejects (the caller substitutes [Guardrails.FallbackText]).
// PII is redacted in place; the result still passes with
// [ViolationPIIDetected] set and the redacted text in Sanitized. A weakly
// grounded response is logged, never blocked.
func (g *Guardrails) ValidateResponse(response, contextText string) CheckResult {
	lower := strings.ToLower(strings.TrimSpace(response))

	for _, p := range harmfulPatterns {
		if p.MatchString(lower) {
			slog.Error("harmful response blocked", "response", clip(response, 50))
			return CheckResult{
				Passed:    false,
				Violation: ViolationHarmfulContent,
				Reason:    "response contains harmful content",
			}
		}
	}

	for _, m := range hallucinationMarkers {
		if m.MatchString(lower) {
			slog.Warn("possible hallucination phrasing", "marker", m.String())
			break
		}
	}

	if contextText != "" {
		if score := groundingScore(response, contextText); score < groundingThreshold {
			slog.Warn("response weakly grounded in retrieved context", "score", score)
		}
	}

	sanitized, counts := RedactPII(response)
	if len(counts) > 0 {
		total := 0
		for _, n := range counts {
			total += n
		}
		slog.Warn("redacted pii from response", "instances", total)
		return CheckResult{
			Passed:     true,
			Violation:  ViolationPIIDetected,
			Reason:     fmt.Sprintf("redacted %d PII instance(s)", total),
			Sanitized:  sanitized,
			Confidence: 1,
		}
	}

	return CheckResult{Passed: true, Sanitized: response, Confidence: 1}
}

// FallbackText returns the canned user-facing reply for a violation.
func (g *Guardrails) FallbackText(v Violation) string {
	switch v {
	case ViolationHarmfulContent:
		return "I can't help with that request. Let's talk about something else."
	case ViolationPromptInjection:
		return "I detected an unusual query pattern. Please rephrase your question."
	case ViolationNoContext:
		return "I don't have information about that in the uploaded documents. " +
			"Try asking about topics covered in your files."
	case ViolationLowConfidence:
		return "I couldn't find relevant information for that query. " +
			"Could you rephrase or ask about a different topic?"
	default:
		return "I encountered an issue processing your request. Please try again."
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// matchesInjection reports whether q (already lower-cased) contains an
// injection attempt, including the role-switch form with its post-match
// inspection.
func matchesInjection(q string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(q) {
			return true
		}
	}
	if loc := roleSwitchPattern.FindStringIndex(q); loc != nil {
		rest := q[loc[1]:]
		if !strings.HasPrefix(rest, "voice") && !strings.HasPrefix(rest, "assistant") {
			return true
		}
	}
	return false
}

// detectPII returns the kinds of PII present in text, in pattern order.
func detectPII(text string) []string {
	var kinds []string
	for _, p := range piiPatterns {
		if p.re.MatchString(text) {
			kinds = append(kinds, p.kind)
		}
	}
	return kinds
}

// RedactPII replaces every PII match in text with a bracketed kind label
// (e.g. "[EMAIL_REDACTED]") and returns the redacted text plus a count per
// kind. Kinds with no matches are absent from the map.
func RedactPII(text string) (string, map[string]int) {
	redacted := text
	counts := make(map[string]int)
	for _, p := range piiPatterns {
		matches := p.re.FindAllString(redacted, -1)
		if len(matches) == 0 {
			continue
		}
		counts[p.kind] = len(matches)
		redacted = p.re.ReplaceAllString(redacted, "["+strings.ToUpper(p.kind)+"_REDACTED]")
	}
	return redacted, counts
}

// stopwords are excluded from grounding-score content words.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "is": {},
	"are": {}, "was": {}, "were": {},
}

var wordPattern = regexp.MustCompile(`\b\w+\b`)

// contentWords returns the set of lower-cased words longer than three
// characters that are not stopwords.
func contentWords(text string) map[string]struct{} {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) <= 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// groundingScore measures the fraction of response content words that also
// appear in the retrieved context. An empty response counts as grounded.
func groundingScore(response, contextText string) float64 {
	rw := contentWords(response)
	if len(rw) == 0 {
		return 1
	}
	cw := contentWords(contextText)
	overlap := 0
	for w := range rw {
		if _, ok := cw[w]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(rw))
}

// clip truncates s to at most n bytes for log lines.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
