// Package ollama embeds text with a local Ollama server's /api/embed
// endpoint.
//
// A local embedder keeps the retrieval hot path off the public internet:
// nomic-embed-text on localhost answers in single-digit milliseconds,
// which matters when retrieval sits between end-of-speech and the LLM
// call. Pair it with a hosted provider behind the resilience fallback for
// the days the local daemon is down.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/embeddings"
)

// DefaultBaseURL points at a locally running Ollama daemon.
const DefaultBaseURL = "http://localhost:11434"

var (
	_ embeddings.Provider = (*Provider)(nil)
	_ embeddings.Pinger   = (*Provider)(nil)
)

// Provider embeds text through an Ollama server.
//
// The vector dimension resolves from, in order: WithDimensions, a table
// of common embedding models, or a one-time probe request on first use.
// Safe for concurrent use.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client

	probeOnce sync.Once
	dims      int
}

type config struct {
	timeout time.Duration
	dims    int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout caps each HTTP request. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pins the embedding dimension, skipping both the model
// table and the probe request.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dims = dims
	}
}

// New constructs a Provider for the given server and model. An empty
// baseURL selects DefaultBaseURL; model is required.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	client := &http.Client{}
	if cfg.timeout > 0 {
		client.Timeout = cfg.timeout
	}

	dims := cfg.dims
	if dims == 0 {
		dims = knownDims(model)
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  client,
		dims:    dims,
	}, nil
}

// apiRequest is the /api/embed request body.
type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// apiResponse is the /api/embed response body. Error carries the server's
// failure text on non-200 responses.
type apiResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error"`
}

// Embed implements embeddings.Provider. Text reaches the model verbatim;
// prefixes like "query: " that some models expect are the caller's job.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("ollama embeddings: embed: empty response")
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. Ollama embeds the whole
// batch in one request and returns vectors in input order. An empty
// batch returns (nil, nil) without touching the network.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: embed batch: expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// Dimensions implements embeddings.Provider. Models missing from the
// table are probed once against the live server; a failed probe leaves
// the dimension at 0, which skips the caller's width check.
func (p *Provider) Dimensions() int {
	p.probeOnce.Do(func() {
		if p.dims != 0 {
			return
		}
		vecs, err := p.embed(context.Background(), []string{"dimension probe"})
		if err != nil {
			slog.Debug("ollama embeddings: dimension probe failed", "model", p.model, "error", err)
			return
		}
		if len(vecs) > 0 {
			p.dims = len(vecs[0])
		}
	})
	return p.dims
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// Ping reports whether the server answers GET /api/tags. It does not
// verify that the configured model is pulled. The readiness endpoint
// uses it.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama embeddings: ping: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama embeddings: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama embeddings: ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// embed POSTs one /api/embed request and returns the raw vectors.
func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(apiRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Failures arrive as {"error": "..."}; surface the text, it names
		// the actual problem ("model not found" vs a bare 404).
		var apiErr apiResponse
		if data, rerr := io.ReadAll(io.LimitReader(resp.Body, 4096)); rerr == nil {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Error != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embeddings in response")
	}
	return result.Embeddings, nil
}

// knownDims covers the embedding models people actually run on Ollama.
// Returns 0 for anything else, deferring to the probe.
func knownDims(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return 768
	case strings.Contains(lower, "mxbai-embed-large"):
		return 1024
	case strings.Contains(lower, "all-minilm"):
		return 384
	default:
		return 0
	}
}
