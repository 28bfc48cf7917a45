package stt

import "time"

// TurnEventType enumerates the turn lifecycle events a provider with
// model-driven endpointing can emit alongside its transcripts.
type TurnEventType int

const (
	// TurnEventSpeechStarted marks the onset of a new user utterance.
	TurnEventSpeechStarted TurnEventType = iota

	// TurnEventEagerEndOfTurn marks a provisional end-of-turn: the provider
	// believes the user finished and has already emitted the corresponding
	// final transcript, but may still revoke the decision with
	// TurnEventTurnResumed.
	TurnEventEagerEndOfTurn

	// TurnEventTurnResumed revokes a preceding eager end-of-turn: the user kept
	// talking. Any speculative work started on the eager final must be unwound.
	TurnEventTurnResumed

	// TurnEventEndOfTurn marks a confirmed end-of-turn.
	TurnEventEndOfTurn
)

// String returns the canonical event name.
func (t TurnEventType) String() string {
	switch t {
	case TurnEventSpeechStarted:
		return "speech_started"
	case TurnEventEagerEndOfTurn:
		return "eager_end_of_turn"
	case TurnEventTurnResumed:
		return "turn_resumed"
	case TurnEventEndOfTurn:
		return "end_of_turn"
	default:
		return "unknown"
	}
}

// TurnEvent is a turn lifecycle signal from the STT provider.
type TurnEvent struct {
	// Type identifies the lifecycle step.
	Type TurnEventType

	// TurnIndex is the provider's monotonically increasing turn counter, used
	// to correlate eager/resumed/confirmed events for the same utterance.
	TurnIndex int

	// Timestamp marks when the event occurred, relative to session start.
	Timestamp time.Duration
}
