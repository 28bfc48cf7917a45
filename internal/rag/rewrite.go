package rag

import (
	"regexp"
	"strings"
)

// summaryPhrase is the canonical replacement for summary-intent queries.
// Queries like "summarize the document" share almost no embedding-space
// overlap with any specific passage, so they are replaced with a descriptive
// phrase that matches broadly across the whole corpus.
const summaryPhrase = "main topics key points important information"

// summaryPatterns detect summary intent at the start of a query.
var summaryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(give me |can you |please )?(a |an )?(summary|overview|brief)`),
	regexp.MustCompile(`^summarize( the| this)?( document| file| text| pdf| content)?\b`),
	regexp.MustCompile(`^what (is|are) (the )?(main|key) (points?|topics?|ideas?)`),
}

// summaryKeywords flag summary intent even when no rewrite pattern fires.
var summaryKeywords = []string{
	"summarize", "summary", "overview", "brief", "main points", "key points",
}

// fillerPatterns strip conversational padding that adds embedding noise
// without narrowing the query. Applied in order, once each.
var fillerPatterns = []*regexp.Regexp{
	// Leading politeness chains: "can you please tell me about X" -> "tell me about X".
	regexp.MustCompile(`^(can you |could you |please )+`),
	// Leading request verbs: "tell me about X" -> "X".
	regexp.MustCompile(`^(tell me about|show me|explain|describe)\s+`),
	// Trailing courtesies: "... please" / "... thanks".
	regexp.MustCompile(`[\s,]*(please|thanks|thank you)[.!?\s]*$`),
}

// rewriteQuery normalizes a query before embedding and reports whether it
// carries summary intent.
//
// Summary-intent queries are replaced wholesale by summaryPhrase. Otherwise
// leading filler and trailing courtesies are stripped. When stripping would
// leave nothing, the original query is kept.
func rewriteQuery(query string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(query))

	for _, p := range summaryPatterns {
		if p.MatchString(lower) {
			return summaryPhrase, true
		}
	}

	isSummary := false
	for _, kw := range summaryKeywords {
		if strings.Contains(lower, kw) {
			isSummary = true
			break
		}
	}

	rewritten := lower
	modified := false
	for _, p := range fillerPatterns {
		next := strings.TrimSpace(p.ReplaceAllString(rewritten, ""))
		if next != rewritten {
			rewritten = next
			modified = true
		}
	}

	if !modified || rewritten == "" {
		return query, isSummary
	}
	return rewritten, isSummary
}
