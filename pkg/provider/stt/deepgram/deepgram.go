// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// Flux v2 streaming WebSocket API. It implements the stt.Provider interface.
//
// Flux differs from the classic listen API in that endpointing is model-driven:
// the server decides when a turn has ended and announces its decisions as
// TurnInfo events (StartOfTurn, Update, EagerEndOfTurn, TurnResumed,
// EndOfTurn). The session surfaces those on the stt.SessionHandle event channel
// so the orchestrator can begin speculative work on an eager end-of-turn and
// unwind it when the turn resumes.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/stt"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
	"github.com/coder/websocket"
)

const (
	fluxEndpoint      = "wss://api.deepgram.com/v2/listen"
	defaultModel      = "flux-general-en"
	defaultSampleRate = 16000

	// Endpointing thresholds forwarded to Flux. eot_threshold is the
	// confidence at which the model commits to an end of turn;
	// eager_eot_threshold is the lower bar at which it announces a
	// provisional one.
	defaultEOTThreshold      = 0.7
	defaultEagerEOTThreshold = 0.5
	defaultEOTTimeout        = 5 * time.Second

	// sendQueueSize bounds the audio backlog between SendAudio and the
	// socket. On overflow the oldest frame is dropped so a stalled
	// connection never blocks the capture path.
	sendQueueSize = 100

	// keepAliveInterval is how long the send side may go quiet before a
	// KeepAlive text frame is written. Flux closes connections that stop
	// talking entirely.
	keepAliveInterval = 5 * time.Second

	maxReconnectAttempts = 5

	// defaultConfidence stands in when a TurnInfo payload carries no words
	// array, keeping downstream confidence gates open.
	defaultConfidence = 0.9
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Flux model to use (e.g., "flux-general-en").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEOTThreshold sets the end-of-turn confidence threshold.
func WithEOTThreshold(v float64) Option {
	return func(p *Provider) {
		p.eotThreshold = v
	}
}

// WithEagerEOTThreshold sets the eager end-of-turn confidence threshold. It
// should be lower than the end-of-turn threshold; a zero value disables eager
// end-of-turn announcements entirely.
func WithEagerEOTThreshold(v float64) Option {
	return func(p *Provider) {
		p.eagerEOTThreshold = v
	}
}

// WithEOTTimeout sets how long Flux waits in silence before forcing an end of
// turn regardless of confidence.
func WithEOTTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.eotTimeout = d
	}
}

// WithEndpoint overrides the WebSocket endpoint, for self-hosted Deepgram
// deployments and tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram Flux streaming API.
type Provider struct {
	apiKey            string
	endpoint          string
	model             string
	sampleRate        int
	eotThreshold      float64
	eagerEOTThreshold float64
	eotTimeout        time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:            apiKey,
		endpoint:          fluxEndpoint,
		model:             defaultModel,
		sampleRate:        defaultSampleRate,
		eotThreshold:      defaultEOTThreshold,
		eagerEOTThreshold: defaultEagerEOTThreshold,
		eotTimeout:        defaultEOTTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram Flux.
// It respects cfg.SampleRate; cfg.Language is ignored because Flux models are
// language-specific (the model name carries the language). Audio must be mono
// linear16 — the caller is responsible for downmixing and resampling.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.Channels > 1 {
		return nil, errors.New("deepgram: flux accepts mono audio only")
	}

	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	dial := func(ctx context.Context) (*websocket.Conn, error) {
		headers := http.Header{}
		headers.Set("Authorization", "Token "+p.apiKey)
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: headers,
		})
		return conn, err
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		dial:          dial,
		conn:          conn,
		interims:      make(chan types.Transcript, 64),
		finals:        make(chan types.Transcript, 64),
		events:        make(chan stt.TurnEvent, 16),
		audio:         make(chan []byte, sendQueueSize),
		done:          make(chan struct{}),
		started:       time.Now(),
		lastFinalTurn: -1,
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Flux streaming endpoint URL for the given config.
// Flux v2 rejects the classic listen parameters (interim_results, punctuate,
// channels, language, diarize) with an error that closes the connection, so
// only the parameters it understands are ever set.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("eot_threshold", strconv.FormatFloat(p.eotThreshold, 'g', -1, 64))
	if p.eagerEOTThreshold > 0 {
		q.Set("eager_eot_threshold", strconv.FormatFloat(p.eagerEOTThreshold, 'g', -1, 64))
	}
	if p.eotTimeout > 0 {
		q.Set("eot_timeout_ms", strconv.FormatInt(p.eotTimeout.Milliseconds(), 10))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// fluxWord is one entry of a TurnInfo words array.
type fluxWord struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// fluxMessage is the JSON envelope of Deepgram Flux WebSocket messages.
// TurnInfo carries transcription state; Metadata and Error are housekeeping.
type fluxMessage struct {
	Type       string     `json:"type"`
	Event      string     `json:"event"`
	TurnIndex  int        `json:"turn_index"`
	Transcript string     `json:"transcript"`
	Words      []fluxWord `json:"words"`
	RequestID  string     `json:"request_id"`
	Message    string     `json:"message"`
}

// session is a live Flux streaming session. It implements stt.SessionHandle.
type session struct {
	// dial re-establishes the WebSocket connection; readLoop uses it to
	// reconnect after a dropped socket.
	dial func(ctx context.Context) (*websocket.Conn, error)

	mu   sync.Mutex
	conn *websocket.Conn

	interims chan types.Transcript
	finals   chan types.Transcript
	events   chan stt.TurnEvent
	audio    chan []byte

	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	started time.Time

	// Final-transcript dedup state, touched only by readLoop. Flux transcripts
	// are cumulative per turn, and both EagerEndOfTurn and EndOfTurn carry one,
	// so without tracking the last emitted turn the same words would reach the
	// finals channel twice.
	lastFinalTurn int
	lastFinalText string
}

var errSessionClosed = errors.New("deepgram: session is closed")

// SendAudio queues a PCM audio frame for delivery to Flux. The frame data must
// already match the session's negotiated sample rate and channel count.
func (s *session) SendAudio(frame types.AudioFrame) error {
	for {
		select {
		case s.audio <- frame.Data:
			return nil
		case <-s.done:
			return errSessionClosed
		default:
		}
		// Queue full: drop the oldest queued frame rather than blocking the
		// capture path behind a stalled connection.
		select {
		case <-s.audio:
			slog.Warn("deepgram: audio send queue full, dropping oldest frame")
		default:
		}
	}
}

// Interims returns the channel of interim transcripts.
func (s *session) Interims() <-chan types.Transcript { return s.interims }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Events returns the channel of turn lifecycle events.
func (s *session) Events() <-chan stt.TurnEvent { return s.events }

// FinishUtterance implements stt.SessionHandle as a no-op. Flux endpointing is
// entirely model-driven; the v2 API rejects client finalize messages and
// closes the connection, so there is nothing useful to send.
func (s *session) FinishUtterance() error { return nil }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask the server to flush pending audio before closing.
		_ = s.write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// write sends one WebSocket message on the current connection. The connection
// pointer is read under the mutex because readLoop swaps it on reconnect.
func (s *session) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn.Write(ctx, typ, data)
}

// writeLoop reads from the audio channel and sends binary messages to Flux,
// interleaving KeepAlive frames when the capture side goes quiet.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	lastAudio := time.Now()

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			// Write errors are not fatal here; readLoop owns reconnection.
			if err := s.write(ctx, websocket.MessageBinary, chunk); err == nil {
				lastAudio = time.Now()
			}
		case <-keepAlive.C:
			if time.Since(lastAudio) < keepAliveInterval {
				continue
			}
			_ = s.write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`))
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Flux and dispatches them to the
// transcript and event channels, reconnecting on socket failure. The output
// channels close when the loop exits, which is how downstream consumers learn
// the stream is gone for good.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.interims)
	defer close(s.finals)
	defer close(s.events)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		_, msg, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			if !s.reconnect(ctx) {
				return
			}
			// A fresh Flux connection restarts turn numbering.
			s.lastFinalTurn = -1
			s.lastFinalText = ""
			continue
		}

		s.handleMessage(msg)
	}
}

// reconnect re-dials Flux after a dropped socket, backing off between
// attempts. Returns false when the retry budget is exhausted or the session
// is shutting down.
func (s *session) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if delay := reconnectDelay(attempt); delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-s.done:
				t.Stop()
				return false
			case <-ctx.Done():
				t.Stop()
				return false
			}
		}

		conn, err := s.dial(ctx)
		if err != nil {
			slog.Warn("deepgram: reconnect failed",
				"attempt", attempt, "max_attempts", maxReconnectAttempts, "error", err)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		slog.Info("deepgram: reconnected", "attempt", attempt)
		return true
	}

	slog.Error("deepgram: reconnect attempts exhausted, closing stream")
	return false
}

// reconnectDelay returns the backoff before the given attempt: 0s, 1s, 2s,
// 4s, 8s.
func reconnectDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return time.Duration(1<<(attempt-2)) * time.Second
}

// handleMessage parses one raw Flux message and dispatches it.
func (s *session) handleMessage(data []byte) {
	var msg fluxMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("deepgram: undecodable message", "error", err)
		return
	}

	switch msg.Type {
	case "TurnInfo":
		s.handleTurnInfo(msg)
	case "Metadata":
		slog.Debug("deepgram: session metadata", "request_id", msg.RequestID)
	case "Error":
		slog.Error("deepgram: server error", "message", msg.Message)
	default:
		slog.Debug("deepgram: unhandled message type", "type", msg.Type)
	}
}

// handleTurnInfo routes a TurnInfo message by its event field.
//
// Update and StartOfTurn carry in-progress speech and feed the interim
// channel. EagerEndOfTurn and EndOfTurn both promote the turn's cumulative
// transcript to a final, deduplicated per turn index; a confirmed EndOfTurn
// after an eager final emits only the transcript suffix the eager final did
// not carry, so downstream buffers that append finals never ingest the same
// words twice.
func (s *session) handleTurnInfo(msg fluxMessage) {
	text := strings.TrimSpace(msg.Transcript)

	switch msg.Event {
	case "Update":
		if text != "" {
			s.emitInterim(text, msg.Words)
		}

	case "StartOfTurn":
		s.emitEvent(stt.TurnEventSpeechStarted, msg.TurnIndex)
		if text != "" {
			s.emitInterim(text, msg.Words)
		}

	case "EagerEndOfTurn":
		if text != "" && msg.TurnIndex > s.lastFinalTurn {
			s.lastFinalTurn = msg.TurnIndex
			s.lastFinalText = text
			// Provisional: SpeechFinal stays false until EndOfTurn confirms.
			s.emitFinal(text, msg.Words, false)
		}
		s.emitEvent(stt.TurnEventEagerEndOfTurn, msg.TurnIndex)

	case "TurnResumed":
		s.emitEvent(stt.TurnEventTurnResumed, msg.TurnIndex)

	case "EndOfTurn":
		if text != "" {
			s.confirmFinal(text, msg)
		}
		s.emitEvent(stt.TurnEventEndOfTurn, msg.TurnIndex)

	default:
		slog.Debug("deepgram: unknown TurnInfo event", "event", msg.Event)
	}
}

// confirmFinal emits the final transcript for a confirmed end of turn,
// accounting for an eager final that may already have covered a prefix of it.
// Requires the trimmed transcript to be non-empty.
func (s *session) confirmFinal(text string, msg fluxMessage) {
	switch {
	case msg.TurnIndex > s.lastFinalTurn:
		s.lastFinalTurn = msg.TurnIndex
		s.lastFinalText = text
		s.emitFinal(text, msg.Words, true)

	case msg.TurnIndex == s.lastFinalTurn:
		if strings.EqualFold(text, s.lastFinalText) {
			// The eager final already delivered this transcript.
			return
		}
		// The turn resumed after the eager final; emit only the new words.
		// Final rescoring may recapitalise the prefix, so compare
		// case-insensitively.
		delta := text
		if len(text) > len(s.lastFinalText) && strings.EqualFold(text[:len(s.lastFinalText)], s.lastFinalText) {
			delta = strings.TrimSpace(text[len(s.lastFinalText):])
		}
		s.lastFinalText = text
		if delta != "" {
			s.emitFinal(delta, nil, true)
		}
	}
	// Stale turn indexes fall through without emitting.
}

func (s *session) emitInterim(text string, words []fluxWord) {
	t := types.Transcript{
		Text:       text,
		Confidence: wordConfidence(words),
		Words:      wordDetails(words),
		Timestamp:  time.Since(s.started),
	}
	select {
	case s.interims <- t:
	case <-s.done:
	}
}

func (s *session) emitFinal(text string, words []fluxWord, speechFinal bool) {
	t := types.Transcript{
		Text:        text,
		IsFinal:     true,
		SpeechFinal: speechFinal,
		Confidence:  wordConfidence(words),
		Words:       wordDetails(words),
		Timestamp:   time.Since(s.started),
	}
	select {
	case s.finals <- t:
	case <-s.done:
	}
}

func (s *session) emitEvent(typ stt.TurnEventType, turnIndex int) {
	ev := stt.TurnEvent{
		Type:      typ,
		TurnIndex: turnIndex,
		Timestamp: time.Since(s.started),
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// wordConfidence averages the per-word confidence scores of a TurnInfo words
// array. Flux omits the array on some events; defaultConfidence stands in.
func wordConfidence(words []fluxWord) float64 {
	if len(words) == 0 {
		return defaultConfidence
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}

// wordDetails converts a TurnInfo words array to the shared WordDetail type.
func wordDetails(words []fluxWord) []types.WordDetail {
	if len(words) == 0 {
		return nil
	}
	out := make([]types.WordDetail, 0, len(words))
	for _, w := range words {
		out = append(out, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}
	return out
}
