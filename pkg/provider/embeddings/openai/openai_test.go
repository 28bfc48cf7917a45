package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// embedRequest mirrors the fields of the wire request the tests care about.
type embedRequest struct {
	Model      string          `json:"model"`
	Input      json.RawMessage `json:"input"`
	Dimensions *int            `json:"dimensions"`
}

// newEmbedServer fakes the /embeddings endpoint. reply builds the response
// body for each decoded request.
func newEmbedServer(t *testing.T, reply func(req embedRequest) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reply(req)); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func entry(idx int, vec []float64) map[string]any {
	return map[string]any{"object": "embedding", "index": idx, "embedding": vec}
}

func listOf(model string, entries ...map[string]any) map[string]any {
	return map[string]any{
		"object": "list",
		"data":   entries,
		"model":  model,
		"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Error("empty API key accepted")
	}

	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New with empty model: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID() = %q, want default %q", p.ModelID(), DefaultModel)
	}

	p, err = New("sk-test", "my-custom-embeddings-model",
		WithBaseURL("https://proxy.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("New with options: %v", err)
	}
	if p.ModelID() != "my-custom-embeddings-model" {
		t.Errorf("ModelID() = %q, want the configured model", p.ModelID())
	}
}

func TestNativeDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"TEXT-EMBEDDING-3-LARGE", 3072},
		{"text-embedding-ada-002", 1536},
		{"some-future-model", 1536},
	}
	for _, tt := range tests {
		if got := nativeDimensions(tt.model); got != tt.want {
			t.Errorf("nativeDimensions(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestEmbed_RoundTrip(t *testing.T) {
	var gotModel string
	srv := newEmbedServer(t, func(req embedRequest) any {
		gotModel = req.Model
		if req.Dimensions != nil {
			t.Errorf("native-width request carried dimensions=%d", *req.Dimensions)
		}
		return listOf(req.Model, entry(0, []float64{0.25, -1, 2}))
	})
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vec, err := p.Embed(context.Background(), "what is the refund policy")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.25, -1, 2}
	if len(vec) != len(want) {
		t.Fatalf("vector length = %d, want %d", len(vec), len(want))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, vec[i], want[i])
		}
	}
	if gotModel != "text-embedding-3-small" {
		t.Errorf("request model = %q", gotModel)
	}
}

func TestEmbed_SendsReducedDimensions(t *testing.T) {
	srv := newEmbedServer(t, func(req embedRequest) any {
		if req.Dimensions == nil || *req.Dimensions != 256 {
			t.Errorf("request dimensions = %v, want 256", req.Dimensions)
		}
		return listOf(req.Model, entry(0, []float64{1, 2}))
	})
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-large", WithBaseURL(srv.URL), WithDimensions(256))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 256 {
		t.Fatalf("Dimensions() = %d, want the reduced 256", p.Dimensions())
	}
	if _, err := p.Embed(context.Background(), "q"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
}

func TestEmbed_EmptyResponse(t *testing.T) {
	srv := newEmbedServer(t, func(req embedRequest) any {
		return listOf(req.Model)
	})
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Embed(context.Background(), "q"); err == nil {
		t.Error("empty data array should be an error")
	}
}

func TestEmbedBatch_AlignsByIndex(t *testing.T) {
	// Entries arrive reversed; output must still follow input order.
	srv := newEmbedServer(t, func(req embedRequest) any {
		return listOf(req.Model,
			entry(1, []float64{2, 2}),
			entry(0, []float64{1, 1}),
		)
	})
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Errorf("vectors out of order: first=%v second=%v", vecs[0], vecs[1])
	}
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	srv := newEmbedServer(t, func(req embedRequest) any {
		return listOf(req.Model, entry(0, []float64{1}))
	})
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("short response should be an error")
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	// No server: the empty batch must not reach the network at all.
	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL("http://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil", vecs)
	}
}

func TestToFloat32(t *testing.T) {
	in := []float64{1.0, 2.5, -0.5}
	out := toFloat32(in)
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != float32(in[i]) {
			t.Errorf("out[%d] = %v, want %v", i, out[i], float32(in[i]))
		}
	}
}
