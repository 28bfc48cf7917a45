// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Coqui instance) and presents a uniform streaming interface. The primary
// entry point is SynthesizeStream, which accepts a channel of text fragments
// and returns a channel of raw PCM audio bytes as they become available —
// enabling low-latency pipelining between LLM sentence output and client
// playback.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; multiple synthesis streams
// may run in parallel (one per active session).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised. This design lets the caller pipe sentence-split LLM output
	// directly into synthesis without waiting for the full response.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. Cancellation must
	// propagate quickly — the orchestrator allows a one second grace before it
	// abandons the stream on barge-in. The caller must drain the audio channel
	// to avoid blocking the provider's internal goroutines.
	//
	// voice specifies the voice profile to use for synthesis. Providers should
	// return an error if the requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)
}

// Warmer is implemented by providers that can pre-establish their network
// connection (TCP/TLS and auth handshake) ahead of the first synthesis.
// The orchestrator calls Warmup once at session start; failures are logged
// and non-fatal.
type Warmer interface {
	Warmup(ctx context.Context) error
}
