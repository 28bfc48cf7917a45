// Package mock provides a configurable test double for embeddings.Provider.
//
// The zero value answers every call with empty vectors and no error. Tests
// set response fields up front and read the recorded calls afterwards:
//
//	p := &mock.Provider{EmbedResult: []float32{1, 0}, DimensionsValue: 2}
//	vec, _ := p.Embed(ctx, "hello")
//	fmt.Println(p.EmbedCalls[0].Text)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/embeddings"
)

// EmbedCall is one recorded Embed invocation.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// EmbedBatchCall is one recorded EmbedBatch invocation. Texts is a copy,
// so later mutation by the caller does not rewrite history.
type EmbedBatchCall struct {
	Ctx   context.Context
	Texts []string
}

// Provider implements embeddings.Provider with canned responses. Configure
// the response fields before use; the record fields fill in as methods run
// and are safe to read once the code under test has returned. EmbedDelay
// simulates a slow backend: both embed methods sleep that long first, and
// a context cancelled during the sleep wins.
type Provider struct {
	EmbedResult []float32
	EmbedErr    error

	// EmbedBatchResult substitutes for the whole batch answer. When nil,
	// EmbedBatch returns one nil vector per input so lengths still line up.
	EmbedBatchResult [][]float32
	EmbedBatchErr    error

	EmbedDelay time.Duration

	DimensionsValue int
	ModelIDValue    string

	mu              sync.Mutex
	EmbedCalls      []EmbedCall
	EmbedBatchCalls []EmbedBatchCall
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call, waits EmbedDelay, and returns EmbedResult, EmbedErr.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	vec, errOut, delay := p.EmbedResult, p.EmbedErr, p.EmbedDelay
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	return vec, errOut
}

// EmbedBatch records the call, waits EmbedDelay, and returns
// EmbedBatchResult, EmbedBatchErr.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	cp := make([]string, len(texts))
	copy(cp, texts)

	p.mu.Lock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: cp})
	vecs, errOut, delay := p.EmbedBatchResult, p.EmbedBatchErr, p.EmbedDelay
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}
	if errOut != nil {
		return nil, errOut
	}
	if vecs == nil {
		vecs = make([][]float32, len(texts))
	}
	return vecs, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string { return p.ModelIDValue }

// EmbedCallCount reports how many Embed calls happened so far. Unlike
// reading EmbedCalls directly, it is safe while calls are still in flight.
func (p *Provider) EmbedCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls)
}

// wait sleeps for d unless ctx is cancelled first. Non-positive d is a no-op.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
