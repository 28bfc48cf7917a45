package openai

import (
	"strings"
	"testing"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/llm"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// TestConvertMessage_System checks that system role is converted correctly.
func TestConvertMessage_System(t *testing.T) {
	msg := types.Message{Role: types.RoleSystem, Content: "You are helpful."}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

// TestConvertMessage_User checks that user role is converted correctly.
func TestConvertMessage_User(t *testing.T) {
	msg := types.Message{Role: types.RoleUser, Content: "Hello!"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

// TestConvertMessage_Assistant checks that assistant role is converted correctly.
func TestConvertMessage_Assistant(t *testing.T) {
	msg := types.Message{Role: types.RoleAssistant, Content: "Sure, here you go."}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
}

// TestConvertMessage_UnknownRole checks that an unrecognized role is rejected.
func TestConvertMessage_UnknownRole(t *testing.T) {
	msg := types.Message{Role: "moderator", Content: "hm"}
	if _, err := convertMessage(msg); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

// TestBuildParams_SystemPromptFirst checks that the system prompt is prepended
// ahead of the conversation messages.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p, err := New("test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a voice assistant.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hi"},
			{Role: types.RoleAssistant, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("buildParams failed: %v", err)
	}

	if got := len(params.Messages); got != 3 {
		t.Fatalf("expected 3 messages, got %d", got)
	}
	if params.Messages[0].OfSystem == nil {
		t.Fatal("expected first message to be the system prompt")
	}
	if params.Messages[1].OfUser == nil {
		t.Fatal("expected second message to be the user turn")
	}
	if params.Messages[2].OfAssistant == nil {
		t.Fatal("expected third message to be the assistant turn")
	}
}

// TestBuildParams_ModelOverride checks that a per-request model takes
// precedence over the provider default.
func TestBuildParams_ModelOverride(t *testing.T) {
	p, err := New("test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Model:    "gpt-4.1",
	})
	if err != nil {
		t.Fatalf("buildParams failed: %v", err)
	}
	if got := string(params.Model); got != "gpt-4.1" {
		t.Fatalf("expected model override gpt-4.1, got %q", got)
	}

	params, err = p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("buildParams failed: %v", err)
	}
	if got := string(params.Model); got != "gpt-4o-mini" {
		t.Fatalf("expected default model gpt-4o-mini, got %q", got)
	}
}

// TestBuildParams_UnknownRoleFails checks that buildParams surfaces conversion
// errors instead of silently dropping messages.
func TestBuildParams_UnknownRoleFails(t *testing.T) {
	p, err := New("test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "narrator", Content: "meanwhile"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

// TestNew_MissingAPIKey checks that an empty API key is rejected.
func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

// TestNew_MissingModel checks that an empty model is rejected.
func TestNew_MissingModel(t *testing.T) {
	if _, err := New("test-key", ""); err == nil {
		t.Fatal("expected error for missing model")
	}
}

// TestNew_WithOptions checks that option functions are accepted.
func TestNew_WithOptions(t *testing.T) {
	p, err := New("test-key", "gpt-4o-mini",
		WithBaseURL("http://localhost:8080/v1"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestCountTokens_Positive checks that a non-empty conversation produces a
// positive count.
func TestCountTokens_Positive(t *testing.T) {
	p, err := New("test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	count, err := p.CountTokens([]types.Message{
		{Role: types.RoleUser, Content: "What is the weather like in Berlin today?"},
	})
	if err != nil {
		t.Fatalf("CountTokens failed: %v", err)
	}
	if count <= 0 {
		t.Fatalf("expected positive token count, got %d", count)
	}
}

// TestCountTokens_Empty checks that an empty conversation counts to zero.
func TestCountTokens_Empty(t *testing.T) {
	p, err := New("test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	count, err := p.CountTokens(nil)
	if err != nil {
		t.Fatalf("CountTokens failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero tokens for empty conversation, got %d", count)
	}
}

// TestCountTokens_Monotonic checks that longer content never counts fewer
// tokens than shorter content.
func TestCountTokens_Monotonic(t *testing.T) {
	p, err := New("test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	short, err := p.CountTokens([]types.Message{
		{Role: types.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("CountTokens failed: %v", err)
	}
	long, err := p.CountTokens([]types.Message{
		{Role: types.RoleUser, Content: strings.Repeat("the quick brown fox jumps over the lazy dog ", 20)},
	})
	if err != nil {
		t.Fatalf("CountTokens failed: %v", err)
	}
	if long <= short {
		t.Fatalf("expected longer content to count more tokens: short=%d long=%d", short, long)
	}
}
