package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/llm"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// ── buildParams ───────────────────────────────────────────────────────────────

// TestBuildParams_SystemPromptFirst checks that the system prompt is prepended
// ahead of the conversation messages.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a voice assistant.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hi"},
		},
	})

	if got := len(params.Messages); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("expected first message role system, got %q", params.Messages[0].Role)
	}
	if params.Messages[0].ContentString() != "You are a voice assistant." {
		t.Errorf("unexpected system content %q", params.Messages[0].ContentString())
	}
}

// TestBuildParams_MessageConversion checks that roles and content pass through
// unchanged.
func TestBuildParams_MessageConversion(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

	params := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "What is the weather?"},
			{Role: types.RoleAssistant, Content: "Let me check."},
		},
	})

	if got := len(params.Messages); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
	if params.Messages[0].Role != types.RoleUser {
		t.Errorf("expected role user, got %q", params.Messages[0].Role)
	}
	if params.Messages[0].ContentString() != "What is the weather?" {
		t.Errorf("unexpected user content %q", params.Messages[0].ContentString())
	}
	if params.Messages[1].Role != types.RoleAssistant {
		t.Errorf("expected role assistant, got %q", params.Messages[1].Role)
	}
	if params.Messages[1].ContentString() != "Let me check." {
		t.Errorf("unexpected assistant content %q", params.Messages[1].ContentString())
	}
}

// TestBuildParams_ModelOverride checks that a per-request model takes
// precedence over the provider default.
func TestBuildParams_ModelOverride(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

	params := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Model:    "claude-3-5-haiku-latest",
	})
	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("expected model override, got %q", params.Model)
	}

	params = p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if params.Model != "gpt-4o-mini" {
		t.Errorf("expected default model, got %q", params.Model)
	}
}

// TestBuildParams_TemperatureAndMaxTokens checks that sampling knobs are only
// set when non-zero.
func TestBuildParams_TemperatureAndMaxTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

	params := p.buildParams(llm.CompletionRequest{
		Messages:    []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   200,
	})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 200 {
		t.Errorf("expected max tokens 200, got %v", params.MaxTokens)
	}

	params = p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Errorf("expected nil temperature, got %v", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("expected nil max tokens, got %v", *params.MaxTokens)
	}
}

// ── constructors ──────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks that an empty provider name is rejected.
func TestNew_EmptyProviderName(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

// TestNew_EmptyModel checks that an empty model is rejected.
func TestNew_EmptyModel(t *testing.T) {
	if _, err := New("openai", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that unknown provider names are rejected.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model")
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	if !strings.Contains(err.Error(), "unsupported provider") {
		t.Errorf("expected unsupported-provider error, got: %v", err)
	}
}

// TestNew_OpenAI_WithAPIKey checks OpenAI backend creation with an explicit key.
func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o", anyllmlib.WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestNew_OpenAI_MissingAPIKey checks that OpenAI backend creation fails
// without a key.
func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

// TestNew_Anthropic_WithAPIKey checks Anthropic backend creation.
func TestNew_Anthropic_WithAPIKey(t *testing.T) {
	p, err := New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestNew_Ollama_NoAPIKey checks that the local Ollama backend needs no key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	p, err := New("ollama", "llama3.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestConvenienceConstructors checks each named constructor routes to the
// right backend.
func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name      string
		construct func() (*Provider, error)
	}{
		{"openai", func() (*Provider, error) {
			return NewOpenAI("gpt-4o", anyllmlib.WithAPIKey("test-key"))
		}},
		{"anthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("test-key"))
		}},
		{"gemini", func() (*Provider, error) {
			return NewGemini("gemini-2.0-flash", anyllmlib.WithAPIKey("test-key"))
		}},
		{"ollama", func() (*Provider, error) {
			return NewOllama("llama3.2")
		}},
		{"deepseek", func() (*Provider, error) {
			return NewDeepSeek("deepseek-chat", anyllmlib.WithAPIKey("test-key"))
		}},
		{"mistral", func() (*Provider, error) {
			return NewMistral("mistral-large-latest", anyllmlib.WithAPIKey("test-key"))
		}},
		{"groq", func() (*Provider, error) {
			return NewGroq("llama-3.3-70b-versatile", anyllmlib.WithAPIKey("test-key"))
		}},
		{"llamacpp", func() (*Provider, error) {
			return NewLlamaCpp("local-model")
		}},
		{"llamafile", func() (*Provider, error) {
			return NewLlamaFile("local-model")
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := tc.construct()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p == nil {
				t.Fatal("expected non-nil provider")
			}
		})
	}
}

// ── CountTokens ───────────────────────────────────────────────────────────────

// TestCountTokens_Positive checks that a non-empty conversation produces a
// positive count.
func TestCountTokens_Positive(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

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
	p := &Provider{model: "gpt-4o-mini"}

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
	p := &Provider{model: "gpt-4o-mini"}

	short, err := p.CountTokens([]types.Message{
		{Role: types.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("CountTokens failed: %v", err)
	}
	long, err := p.CountTokens([]types.Message{
		{Role: types.RoleUser, Content: strings.Repeat("the quick brown fox ", 25)},
	})
	if err != nil {
		t.Fatalf("CountTokens failed: %v", err)
	}
	if long <= short {
		t.Fatalf("expected longer content to count more tokens: short=%d long=%d", short, long)
	}
}
