// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/tts"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

const (
	defaultEndpoint = "wss://api.elevenlabs.io"
	voicesEndpoint  = "https://api.elevenlabs.io/v1/voices"

	defaultModel     = "eleven_turbo_v2_5"
	defaultOutputFmt = "pcm_16000"

	defaultStability       = 0.5
	defaultSimilarityBoost = 0.75
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_turbo_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the WebSocket endpoint base URL. Used for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	voiceID      string
	endpoint     string
	model        string
	outputFormat string
	httpClient   *http.Client
}

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Warmer   = (*Provider)(nil)
)

// New creates a new ElevenLabs Provider. apiKey must be non-empty. voiceID is
// the default voice, used for warmup and whenever a synthesis request does not
// name one.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		voiceID:      voiceID,
		endpoint:     defaultEndpoint,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// boiMessage is the initial "begin of input" handshake. It authenticates the
// stream and fixes the voice settings for the whole synthesis.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
// An empty Text is the flush command that forces generation of buffered text.
type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text fragments from
// the text channel, and returns a channel emitting raw PCM audio chunks.
//
// The returned audio channel is closed when synthesis is complete or ctx is
// cancelled. Cancelling ctx closes the socket immediately, which discards any
// audio ElevenLabs has not yet delivered.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.voiceID
	}

	conn, _, err := websocket.Dial(ctx, p.buildStreamURL(voiceID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// Authenticate and fix voice settings before any text is sent.
	boiBytes, _ := buildBOIMessage(p.apiKey, voice)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "synthesis complete")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var resp audioResponse
				if err := json.Unmarshal(msg, &resp); err != nil {
					continue
				}
				if resp.Audio != "" {
					pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
					if err == nil {
						select {
						case audioCh <- pcm:
						case <-ctx.Done():
							return
						}
					}
				}
				if resp.IsFinal {
					return
				}
			}
		}()

		// Every exit path waits for the reader so audioCh is never closed
		// with a send still pending.
		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					// Text channel closed: flush buffered text and wait for the
					// reader to drain the remaining audio.
					flushBytes, _ := buildTextMessage("")
					_ = conn.Write(ctx, websocket.MessageText, flushBytes)
					<-readDone
					return
				}
				if sentence == "" {
					continue
				}
				msgBytes, _ := buildTextMessage(sentence)
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					conn.Close(websocket.StatusInternalError, "write failed")
					<-readDone
					return
				}
			case <-ctx.Done():
				<-readDone
				return
			}
		}
	}()

	return audioCh, nil
}

// Warmup implements tts.Warmer. It opens and immediately closes a streaming
// connection with the default voice so TLS and auth are established before the
// first real synthesis.
func (p *Provider) Warmup(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, p.buildStreamURL(p.voiceID), nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: warmup dial: %w", err)
	}

	boiBytes, _ := buildBOIMessage(p.apiKey, types.VoiceProfile{})
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "warmup failed")
		return fmt.Errorf("elevenlabs: warmup handshake: %w", err)
	}

	return conn.Close(websocket.StatusNormalClosure, "warmup complete")
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	return voicesToProfiles(vr), nil
}

// ---- helpers ----

// buildStreamURL constructs the stream-input WebSocket URL for a voice.
func (p *Provider) buildStreamURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.endpoint, voiceID, q.Encode())
}

// buildBOIMessage constructs the handshake payload. Zero stability or
// similarity values in the profile fall back to the service defaults.
func buildBOIMessage(apiKey string, voice types.VoiceProfile) ([]byte, error) {
	vs := &voiceSettings{
		Stability:       voice.Stability,
		SimilarityBoost: voice.SimilarityBoost,
	}
	if vs.Stability == 0 {
		vs.Stability = defaultStability
	}
	if vs.SimilarityBoost == 0 {
		vs.SimilarityBoost = defaultSimilarityBoost
	}
	return json.Marshal(boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      apiKey,
	})
}

// buildTextMessage constructs the JSON payload for a single text fragment.
// Empty text produces the bare flush command.
func buildTextMessage(text string) ([]byte, error) {
	return json.Marshal(textMessage{
		Text:                 text,
		TryTriggerGeneration: text != "",
	})
}

// voicesToProfiles converts an ElevenLabs voices response into VoiceProfiles.
func voicesToProfiles(vr voicesResponse) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
		})
	}
	return profiles
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]types.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return voicesToProfiles(vr), nil
}
