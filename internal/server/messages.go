package server

import "encoding/json"

// Client → server message types.
const (
	msgConnect          = "connect"
	msgAudioChunk       = "audio_chunk"
	msgTextInput        = "text_input"
	msgInterrupt        = "interrupt"
	msgPlaybackComplete = "playback_complete"
	msgUpdateSettings   = "update_settings"
	msgDisconnect       = "disconnect"
	msgPing             = "ping"
	msgPong             = "pong"
	msgGetHistory       = "get_history"
)

// Server → client message types.
const (
	msgSessionReady      = "session_ready"
	msgStateChange       = "state_change"
	msgTranscriptInterim = "transcript_interim"
	msgTranscriptFinal   = "transcript_final"
	msgAgentAudioChunk   = "agent_audio_chunk"
	msgAgentTextFallback = "agent_text_fallback"
	msgTurnComplete      = "turn_complete"
	msgTelemetry         = "telemetry"
	msgHistory           = "history"
	msgError             = "error"
)

// Error codes emitted on the transport for problems the engine never sees.
const (
	errCodeInvalidMessage  = "invalid_message"
	errCodeInvalidAudio    = "invalid_audio"
	errCodeInvalidSettings = "invalid_settings"
	errCodeHistoryFailed   = "history_unavailable"
)

// envelope is the framing shared by every message in both directions:
//
//	{"type": "...", "data": {...}}
//
// Inbound payloads stay raw until the type is known.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// serverMsg is an outbound message ready for encoding.
type serverMsg struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ── Client → server payloads ─────────────────────────────────────────────────

// connectData optionally carries a client self-description. The session is
// created on WebSocket accept, so connect is informational.
type connectData struct {
	ClientInfo string `json:"client_info,omitempty"`
}

type audioChunkData struct {
	// Audio is the base64-encoded payload.
	Audio string `json:"audio"`

	// Format is one of "pcm", "wav", or "webm".
	Format string `json:"format"`

	// SampleRate is the capture rate in Hz, 8000–48000.
	SampleRate int `json:"sample_rate"`
}

// textInputData is a typed utterance that bypasses speech recognition. Used
// by test consoles and accessibility clients.
type textInputData struct {
	Text string `json:"text"`
}

type interruptData struct {
	Timestamp int64 `json:"timestamp"`
}

// updateSettingsData is a live reconfiguration request. Nil fields keep their
// current value. Ranges are validated here at the transport; the engine only
// clamps.
type updateSettingsData struct {
	SilenceDebounceMS     *int     `json:"silence_debounce_ms"`
	CancellationThreshold *float64 `json:"cancellation_threshold"`
	AdaptiveDebounce      *bool    `json:"adaptive_debounce_enabled"`
	VoiceID               *string  `json:"voice_id"`
	LLMModel              *string  `json:"llm_model"`
}

// ── Server → client payloads ─────────────────────────────────────────────────

type sessionReadyData struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

type stateChangeData struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Timestamp int64  `json:"timestamp"`
}

// transcriptData is shared by transcript_interim and transcript_final.
type transcriptData struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

type agentAudioData struct {
	// Audio is base64-encoded PCM; empty on the final marker chunk.
	Audio string `json:"audio"`

	// ChunkIndex is strictly increasing within a turn, starting at 0.
	ChunkIndex int `json:"chunk_index"`

	// IsFinal marks the last chunk of the turn.
	IsFinal bool `json:"is_final"`
}

type agentFallbackData struct {
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

type turnCompleteData struct {
	TurnID         string `json:"turn_id"`
	UserText       string `json:"user_text"`
	AgentText      string `json:"agent_text"`
	DurationMS     int64  `json:"duration_ms"`
	WasInterrupted bool   `json:"was_interrupted"`
	Timestamp      int64  `json:"timestamp"`
}

type errorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Timestamp   int64  `json:"timestamp"`
}

// historyData answers get_history with the persisted turns of the session,
// oldest first.
type historyData struct {
	SessionID string        `json:"session_id"`
	Turns     []historyTurn `json:"turns"`
}

type historyTurn struct {
	TurnID         string `json:"turn_id"`
	UserText       string `json:"user_text"`
	AgentText      string `json:"agent_text"`
	WasInterrupted bool   `json:"was_interrupted"`
	CompletedAt    int64  `json:"completed_at"`
}
