// Package types defines the shared types used across all pipeline packages.
//
// These types form the lingua franca between providers, the turn engine, the
// retrieval layer, and the transport. They are intentionally minimal — each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — decoded from client messages,
// normalized to the STT input format, and forwarded to the STT stream.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are carried alongside.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for browser capture, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo capture.
	Channels int

	// Timestamp marks when this frame was received, relative to session start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both interim and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or interim transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []WordDetail

	// SpeechFinal indicates the provider's own endpointing already confirmed the
	// end of the utterance. The controller shortens its silence debounce when set.
	SpeechFinal bool

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Conversation roles used throughout the pipeline.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Stability and SimilarityBoost tune ElevenLabs-style voice settings.
	// Zero values mean provider defaults.
	Stability       float64
	SimilarityBoost float64
}
