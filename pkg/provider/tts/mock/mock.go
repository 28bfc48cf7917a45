// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which text fragments reached the synthesis backend. ChunkDelay paces the
// audio channel so barge-in and cancellation paths can be exercised
// deterministically.
//
// Example:
//
//	p := &mock.Provider{
//	    AudioChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/tts"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider and tts.Warmer.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// AudioChunks is the sequence of audio byte slices emitted on the channel
	// returned by SynthesizeStream.
	AudioChunks [][]byte

	// ChunkDelay, when positive, is slept before each emitted audio chunk.
	// Cancelling the stream context during the sleep stops the stream, which
	// lets tests interrupt synthesis mid-utterance.
	ChunkDelay time.Duration

	// EmitPerFragment, when true, emits one chunk from AudioChunks for every
	// text fragment consumed (cycling when the text outruns the chunks)
	// instead of emitting the whole sequence up front. This models a backend
	// that produces audio as text arrives.
	EmitPerFragment bool

	// SynthesizeErr, if non-nil, is returned as the error from SynthesizeStream
	// instead of starting a channel.
	SynthesizeErr error

	// WarmupErr, if non-nil, is returned by Warmup.
	WarmupErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// ConsumedText records every text fragment drained from the input channels
	// across all calls, in arrival order.
	ConsumedText []string

	// WarmupCalls counts calls to Warmup.
	WarmupCalls int
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel fed from AudioChunks. The text channel is drained concurrently and
// every fragment is appended to ConsumedText.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.AudioChunks))
	copy(chunks, p.AudioChunks)
	delay := p.ChunkDelay
	perFragment := p.EmitPerFragment
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	if perFragment {
		go p.emitPerFragment(ctx, text, ch, chunks, delay)
	} else {
		go p.emitAll(ctx, text, ch, chunks, delay)
	}
	return ch, nil
}

// emitAll drains text in the background and emits the full chunk sequence.
func (p *Provider) emitAll(ctx context.Context, text <-chan string, ch chan<- []byte, chunks [][]byte, delay time.Duration) {
	defer close(ch)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.drainText(ctx, text)
	}()
	for _, audio := range chunks {
		if !p.emitOne(ctx, ch, audio, delay) {
			return
		}
	}
	<-done
}

// emitPerFragment emits one chunk per consumed text fragment.
func (p *Provider) emitPerFragment(ctx context.Context, text <-chan string, ch chan<- []byte, chunks [][]byte, delay time.Duration) {
	defer close(ch)
	i := 0
	for {
		select {
		case <-ctx.Done():
			return
		case fragment, ok := <-text:
			if !ok {
				return
			}
			p.recordText(fragment)
			if len(chunks) == 0 {
				continue
			}
			if !p.emitOne(ctx, ch, chunks[i%len(chunks)], delay) {
				return
			}
			i++
		}
	}
}

// emitOne sleeps for delay (if set) then sends audio, honoring ctx. It reports
// whether the send completed.
func (p *Provider) emitOne(ctx context.Context, ch chan<- []byte, audio []byte, delay time.Duration) bool {
	if delay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	select {
	case <-ctx.Done():
		return false
	case ch <- audio:
		return true
	}
}

// drainText consumes the text channel until it closes or ctx is cancelled,
// recording every fragment.
func (p *Provider) drainText(ctx context.Context, text <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case fragment, ok := <-text:
			if !ok {
				return
			}
			p.recordText(fragment)
		}
	}
}

func (p *Provider) recordText(fragment string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConsumedText = append(p.ConsumedText, fragment)
}

// Warmup records the call and returns WarmupErr.
func (p *Provider) Warmup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WarmupCalls++
	return p.WarmupErr
}

// SynthesizeStreamCallCount returns the number of recorded SynthesizeStream
// calls. Thread-safe.
func (p *Provider) SynthesizeStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// ConsumedTextSnapshot returns a copy of the text fragments consumed so far.
// Thread-safe.
func (p *Provider) ConsumedTextSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ConsumedText))
	copy(out, p.ConsumedText)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ConsumedText = nil
	p.WarmupCalls = 0
}

// Ensure Provider implements the tts interfaces at compile time.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Warmer   = (*Provider)(nil)
)
