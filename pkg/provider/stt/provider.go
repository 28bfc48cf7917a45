// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio frames and emits low-latency interim
// transcripts, authoritative finals, and — for providers with model-driven
// endpointing — turn lifecycle events that let the orchestrator start
// speculative work before its own silence debounce would allow.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// StreamConfig describes the audio format for a new STT session. All fields
// must be compatible with what the underlying provider supports; see each
// provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (browser capture).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio queues a frame of raw PCM audio for transcription. The frame
	// should match the SampleRate and Channels agreed in StreamConfig. The send
	// queue is bounded; on overflow the oldest queued audio is dropped with a
	// warning rather than blocking the caller. Calling SendAudio after Close
	// returns an error.
	SendAudio(frame types.AudioFrame) error

	// Interims returns a read-only channel that emits low-latency in-progress
	// Transcript values as the provider makes preliminary guesses. These are
	// suitable for driving UI indicators and barge-in detection but must never
	// reach the LLM. The channel is closed when the session ends.
	Interims() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. A final
	// whose end the provider's own endpointing confirmed carries
	// SpeechFinal=true. The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Events returns a read-only channel of turn lifecycle events for providers
	// that support them. The channel is valid but silent otherwise, and is
	// closed when the session ends.
	Events() <-chan TurnEvent

	// FinishUtterance asks the provider to finalise any pending utterance
	// immediately. Providers whose endpointing is entirely model-driven treat
	// this as a no-op and return nil.
	FinishUtterance() error

	// Close terminates the session, flushes any pending audio, and releases all
	// associated resources. After Close returns, the output channels will be
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously (one per connected client).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format. The returned SessionHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
