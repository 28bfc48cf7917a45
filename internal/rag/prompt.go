package rag

import (
	"fmt"
	"strings"
)

// BasePrompt is the system prompt used for every turn. Retrieval context, when
// present, is appended by [SystemPrompt].
const BasePrompt = "You are a helpful voice assistant. Keep responses concise and natural for speech. " +
	"Use conversation history for context, but answer only the latest user request. " +
	"Do NOT repeat or restate previous assistant replies."

// SystemPrompt builds the system message for an LLM call. With no retrieval
// results it returns [BasePrompt] unchanged; otherwise each chunk is listed
// with its source and relevance, followed by usage instructions.
//
// The function is pure: no I/O, no side effects, safe for concurrent use.
func SystemPrompt(results []Result) string {
	if len(results) == 0 {
		return BasePrompt
	}

	var sb strings.Builder
	sb.WriteString(BasePrompt)
	sb.WriteString("\n\nYou have access to the following relevant information from the user's knowledge base:\n\n")

	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[Source: %s - Relevance: %.2f]\n%s", sourceName(r.Filename), r.Score, r.Text)
	}

	sb.WriteString("\n\nInstructions for using this information:\n")
	sb.WriteString("- Answer the user's question based PRIMARILY on the provided context\n")
	sb.WriteString("- If the context doesn't contain the answer, clearly say \"I don't have that information in your knowledge base\"\n")
	sb.WriteString("- Do NOT make up or hallucinate information not present in the context\n")
	sb.WriteString("- Cite sources naturally (e.g., \"According to your policy document...\")\n")
	sb.WriteString("- Keep responses concise for voice delivery (2-3 sentences max)")

	return sb.String()
}

// ContextText concatenates the retrieved chunk texts for grounding checks.
func ContextText(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Text)
	}
	return strings.Join(parts, "\n\n")
}

func sourceName(filename string) string {
	if filename == "" {
		return "unknown"
	}
	return filename
}
