package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/engine/turn"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/session"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/store/postgres"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/audio"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/stt"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
)

// outboundQueueSize is the per-connection backlog of server messages. A
// client that falls this far behind is dropped rather than stalling the
// engine's audio emission.
const outboundQueueSize = 512

// persistTimeout bounds the best-effort database writes of the transport.
const persistTimeout = 5 * time.Second

// wsClient is one live WebSocket connection: the session, its dedicated turn
// controller, and the outbound write queue. Everything the engine emits
// passes through out so the socket has exactly one writer.
type wsClient struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	sessionID string
	sess      *session.Session
	ctrl      *turn.Controller

	// ctx spans the connection; cancel is the single teardown trigger.
	ctx    context.Context
	cancel context.CancelFunc

	out chan serverMsg

	norm        *audio.Normalizer
	connectedAt time.Time
	warnWebM    sync.Once
}

// handleWS upgrades the connection and runs one session to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := uuid.NewString()
	clientInfo := r.Header.Get("User-Agent")

	c := &wsClient{
		srv:         s,
		conn:        conn,
		log:         s.log.With("session_id", sessionID),
		sessionID:   sessionID,
		ctx:         ctx,
		cancel:      cancel,
		out:         make(chan serverMsg, outboundQueueSize),
		norm:        &audio.Normalizer{Rate: s.cfg.SampleRate},
		connectedAt: time.Now(),
	}
	c.sess = session.NewSession(sessionID, clientInfo, cancel)

	// The session row is bookkeeping; the conversation runs without it.
	pctx, pcancel := context.WithTimeout(ctx, persistTimeout)
	if err := s.deps.Store.CreateSession(pctx, sessionID, clientInfo); err != nil {
		c.log.Warn("session row insert failed", "error", err)
	}
	pcancel()

	c.ctrl = s.newController(c)

	// session_ready must be the first frame on the wire; it is queued before
	// the engine can emit anything.
	c.push(msgSessionReady, sessionReadyData{SessionID: sessionID, Timestamp: nowMilli()})

	if err := c.ctrl.Start(ctx); err != nil {
		c.log.Error("turn controller start failed", "error", err)
		c.writeSync(msgError, errorData{
			Code:        turn.ErrCodeSTTConnection,
			Message:     "speech recognition unavailable",
			Recoverable: false,
			Timestamp:   nowMilli(),
		})
		conn.Close(websocket.StatusInternalError, "pipeline unavailable")
		c.sealSessionRow()
		return
	}

	if err := s.deps.Sessions.Add(c.sess); err != nil {
		c.log.Error("session registration failed", "error", err)
		c.ctrl.Stop()
		conn.Close(websocket.StatusInternalError, "session conflict")
		c.sealSessionRow()
		return
	}
	c.sess.SetSender(c)
	s.deps.Metrics.ActiveSessions.Add(ctx, 1)

	defer c.teardown()

	go c.writeLoop()
	go c.heartbeatLoop()

	c.log.Info("session connected", "client", clientInfo, "remote", r.RemoteAddr)
	c.readLoop()
}

// newController builds the per-session turn controller from the server's
// configured defaults.
func (s *Server) newController(c *wsClient) *turn.Controller {
	opts := []turn.Option{
		turn.WithLogger(s.log),
		turn.WithCallbacks(c.callbacks()),
		turn.WithSink(&storeSink{store: s.deps.Store, sessionID: c.sessionID}),
		turn.WithMetrics(s.deps.Metrics),
		turn.WithHistory(c.sess.History),
		turn.WithGuardrails(s.deps.Guardrails),
		turn.WithStreamConfig(stt.StreamConfig{SampleRate: s.cfg.SampleRate, Channels: 1}),
		turn.WithAdaptiveDebounce(s.cfg.AdaptiveDebounce),
	}
	if s.deps.Retriever != nil {
		opts = append(opts, turn.WithRetriever(s.deps.Retriever))
	}
	if s.cfg.Voice.ID != "" {
		opts = append(opts, turn.WithVoice(s.cfg.Voice))
	}
	if s.cfg.Model != "" {
		opts = append(opts, turn.WithModel(s.cfg.Model))
	}
	if s.cfg.Temperature > 0 {
		opts = append(opts, turn.WithTemperature(s.cfg.Temperature))
	}
	if s.cfg.MaxTokens > 0 {
		opts = append(opts, turn.WithMaxTokens(s.cfg.MaxTokens))
	}
	if s.cfg.DebounceInitial > 0 {
		opts = append(opts, turn.WithDebounce(s.cfg.DebounceInitial, s.cfg.DebounceMin, s.cfg.DebounceMax))
	}
	if s.cfg.CancellationThreshold > 0 {
		opts = append(opts, turn.WithCancellationThreshold(s.cfg.CancellationThreshold))
	}
	return turn.NewController(c.sessionID, s.deps.STT, s.deps.LLM, s.deps.TTS, opts...)
}

// teardown unwinds the session exactly once: engine stop, registry removal,
// session-row seal, socket close.
func (c *wsClient) teardown() {
	c.cancel()
	c.ctrl.Stop()
	c.srv.deps.Sessions.Remove(c.sessionID)
	c.sess.Close()

	total, cancelled := c.sealSessionRow()

	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	c.srv.deps.Metrics.ActiveSessions.Add(context.Background(), -1)
	c.log.Info("session closed",
		"duration", time.Since(c.connectedAt).Round(time.Millisecond),
		"turns", total,
		"cancelled_turns", cancelled,
	)
}

// sealSessionRow stamps the session row with its end time and counters.
func (c *wsClient) sealSessionRow() (total, cancelled int) {
	total, cancelled = c.ctrl.Counts()
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.srv.deps.Store.EndSession(pctx, c.sessionID, total, cancelled); err != nil {
		c.log.Warn("session row seal failed", "error", err)
	}
	return total, cancelled
}

// readLoop consumes client frames until the socket errors, the context
// cancels, or the client asks to disconnect.
func (c *wsClient) readLoop() {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.log.Info("websocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if !c.handleMessage(data) {
			return
		}
	}
}

// handleMessage dispatches one client frame. It reports false when the loop
// should stop. Parse failures are logged and skipped; unknown types answer
// with an error frame so client bugs surface during development.
func (c *wsClient) handleMessage(raw []byte) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("unparseable client frame", "error", err)
		return true
	}

	switch env.Type {
	case msgConnect:
		var d connectData
		if err := json.Unmarshal(env.Data, &d); err == nil && d.ClientInfo != "" {
			c.log.Info("client identified", "client_info", d.ClientInfo)
		}

	case msgAudioChunk:
		c.handleAudioChunk(env.Data)

	case msgTextInput:
		var d textInputData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.Text == "" {
			c.pushError(errCodeInvalidMessage, "text_input requires a non-empty text field", true)
			return true
		}
		c.ctrl.HandleTextInput(d.Text)

	case msgInterrupt:
		c.ctrl.HandleInterrupt()

	case msgPlaybackComplete:
		c.ctrl.HandlePlaybackComplete()

	case msgUpdateSettings:
		c.handleUpdateSettings(env.Data)

	case msgGetHistory:
		go c.pushHistory()

	case msgPing:
		c.push(msgPong, struct{}{})

	case msgPong:
		// Heartbeat acknowledgement; nothing to do.

	case msgDisconnect:
		c.log.Info("client requested disconnect")
		return false

	default:
		c.pushError(errCodeInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type), true)
	}
	return true
}

// handleAudioChunk validates, decodes, and normalizes one audio payload, then
// hands it to the engine. Invalid chunks answer with an error frame and are
// dropped; the stream keeps going.
func (c *wsClient) handleAudioChunk(raw json.RawMessage) {
	var d audioChunkData
	if err := json.Unmarshal(raw, &d); err != nil {
		c.pushError(errCodeInvalidAudio, "malformed audio_chunk payload", true)
		return
	}
	if d.SampleRate < 8000 || d.SampleRate > 48000 {
		c.pushError(errCodeInvalidAudio, fmt.Sprintf("sample_rate %d outside 8000-48000", d.SampleRate), true)
		return
	}
	data, err := base64.StdEncoding.DecodeString(d.Audio)
	if err != nil {
		c.pushError(errCodeInvalidAudio, "audio is not valid base64", true)
		return
	}
	if len(data) == 0 {
		return
	}

	frame, ok := c.normalize(d.Format, data, d.SampleRate)
	if !ok || len(frame.Data) == 0 {
		return
	}
	c.ctrl.HandleAudioChunk(frame)
}

// normalize converts a decoded payload to the engine's input format: WAV
// headers are stripped, PCM is resampled and downmixed to the STT target.
// WebM is opaque to the server; it is forwarded as-is for providers that
// accept compressed input, with a one-time warning since the default STT
// stream expects linear PCM.
func (c *wsClient) normalize(format string, data []byte, sampleRate int) (types.AudioFrame, bool) {
	ts := time.Since(c.connectedAt)

	switch format {
	case "pcm":
		return c.norm.Normalize(types.AudioFrame{
			Data:       data,
			SampleRate: sampleRate,
			Channels:   1,
			Timestamp:  ts,
		}), true

	case "wav":
		pcm, info, err := audio.StripWAVHeader(data)
		if err != nil {
			c.pushError(errCodeInvalidAudio, "unreadable wav payload: "+err.Error(), true)
			return types.AudioFrame{}, false
		}
		if info.AudioFormat != 1 || info.BitsPerSample != 16 {
			c.pushError(errCodeInvalidAudio, "wav payload must be 16-bit PCM", true)
			return types.AudioFrame{}, false
		}
		rate, channels := info.SampleRate, info.Channels
		if rate <= 0 {
			rate = sampleRate
		}
		if channels <= 0 {
			channels = 1
		}
		return c.norm.Normalize(types.AudioFrame{
			Data:       pcm,
			SampleRate: rate,
			Channels:   channels,
			Timestamp:  ts,
		}), true

	case "webm":
		c.warnWebM.Do(func() {
			c.log.Warn("webm audio forwarded without transcoding; STT must accept compressed input")
		})
		return types.AudioFrame{
			Data:       data,
			SampleRate: sampleRate,
			Channels:   1,
			Timestamp:  ts,
		}, true

	default:
		c.pushError(errCodeInvalidAudio, fmt.Sprintf("unsupported audio format %q", format), true)
		return types.AudioFrame{}, false
	}
}

// handleUpdateSettings validates the requested ranges and applies the update.
// Any out-of-range field rejects the whole request so partial application
// never surprises the client.
func (c *wsClient) handleUpdateSettings(raw json.RawMessage) {
	var d updateSettingsData
	if err := json.Unmarshal(raw, &d); err != nil {
		c.pushError(errCodeInvalidSettings, "malformed update_settings payload", true)
		return
	}
	if d.SilenceDebounceMS != nil && (*d.SilenceDebounceMS < 400 || *d.SilenceDebounceMS > 1200) {
		c.pushError(errCodeInvalidSettings, fmt.Sprintf("silence_debounce_ms %d outside 400-1200", *d.SilenceDebounceMS), true)
		return
	}
	if d.CancellationThreshold != nil && (*d.CancellationThreshold < 0.1 || *d.CancellationThreshold > 0.5) {
		c.pushError(errCodeInvalidSettings, fmt.Sprintf("cancellation_threshold %.2f outside 0.1-0.5", *d.CancellationThreshold), true)
		return
	}

	var s turn.Settings
	if d.SilenceDebounceMS != nil {
		debounce := time.Duration(*d.SilenceDebounceMS) * time.Millisecond
		s.SilenceDebounce = &debounce
	}
	s.CancellationThreshold = d.CancellationThreshold
	s.AdaptiveDebounce = d.AdaptiveDebounce
	s.VoiceID = d.VoiceID
	s.LLMModel = d.LLMModel
	c.ctrl.UpdateSettings(s)
}

// pushHistory answers get_history with the session's persisted turns, oldest
// first.
func (c *wsClient) pushHistory() {
	hctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
	defer cancel()

	turns, err := c.srv.deps.Store.ListTurns(hctx, c.sessionID, historyLimit)
	if err != nil {
		c.log.Warn("history query failed", "error", err)
		c.pushError(errCodeHistoryFailed, "conversation history unavailable", true)
		return
	}

	items := make([]historyTurn, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		items = append(items, historyTurn{
			TurnID:         t.ID,
			UserText:       t.UserTranscript,
			AgentText:      t.AssistantResponse,
			WasInterrupted: t.Canceled,
			CompletedAt:    t.CompletedAt.UnixMilli(),
		})
	}
	c.push(msgHistory, historyData{SessionID: c.sessionID, Turns: items})
}

// pushTelemetry snapshots the engine counters, pushes them to the client,
// and flushes them to the telemetry table.
func (c *wsClient) pushTelemetry() {
	tel := c.ctrl.Telemetry()
	c.push(msgTelemetry, tel)

	samples := []postgres.MetricSample{
		{SessionID: c.sessionID, Metric: "cancellation_rate", Value: tel.CancellationRate},
		{SessionID: c.sessionID, Metric: "avg_debounce_ms", Value: float64(tel.AvgDebounceMS)},
		{SessionID: c.sessionID, Metric: "turn_latency_ms", Value: float64(tel.TurnLatencyMS)},
		{SessionID: c.sessionID, Metric: "tokens_wasted", Value: float64(tel.TokensWasted)},
	}
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	for _, sample := range samples {
		if err := c.srv.deps.Store.RecordMetric(pctx, sample); err != nil {
			c.log.Warn("telemetry flush failed", "metric", sample.Metric, "error", err)
			return
		}
	}
}

// callbacks bridges engine events onto the wire. Handlers only enqueue, so
// they return without blocking no matter how slow the client is.
func (c *wsClient) callbacks() turn.Callbacks {
	return turn.Callbacks{
		OnStateChange: func(from, to turn.State, reason string) {
			c.push(msgStateChange, stateChangeData{
				FromState: from.String(),
				ToState:   to.String(),
				Timestamp: nowMilli(),
			})
		},
		OnInterim: func(text string, confidence float64) {
			c.push(msgTranscriptInterim, transcriptData{Text: text, Confidence: confidence, Timestamp: nowMilli()})
		},
		OnFinal: func(text string, confidence float64) {
			c.push(msgTranscriptFinal, transcriptData{Text: text, Confidence: confidence, Timestamp: nowMilli()})
		},
		OnAgentAudio: func(chunk []byte, index int, isFinal bool) {
			c.push(msgAgentAudioChunk, agentAudioData{
				Audio:      base64.StdEncoding.EncodeToString(chunk),
				ChunkIndex: index,
				IsFinal:    isFinal,
			})
		},
		OnAgentFallback: func(text, reason string) {
			c.push(msgAgentTextFallback, agentFallbackData{Text: text, Reason: reason})
		},
		OnTurnComplete: func(rec turn.TurnRecord, notify bool) {
			if !notify {
				return
			}
			c.push(msgTurnComplete, turnCompleteData{
				TurnID:         rec.TurnID,
				UserText:       rec.UserText,
				AgentText:      rec.AgentText,
				DurationMS:     rec.DurationMS,
				WasInterrupted: rec.WasInterrupted,
				Timestamp:      rec.CompletedAt.UnixMilli(),
			})
			// Telemetry reads the controller, which may still hold its lock
			// here; snapshot from a fresh goroutine.
			go c.pushTelemetry()
		},
		OnError: func(code string, err error, recoverable bool) {
			c.pushError(code, err.Error(), recoverable)
		},
	}
}

// push enqueues one outbound message. A full queue means the client has
// stopped draining; the connection is cut rather than blocking the engine.
func (c *wsClient) push(typ string, data any) {
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.out <- serverMsg{Type: typ, Data: data}:
	default:
		c.log.Warn("outbound queue overflow, dropping connection", "type", typ)
		c.cancel()
	}
}

func (c *wsClient) pushError(code, message string, recoverable bool) {
	c.push(msgError, errorData{Code: code, Message: message, Recoverable: recoverable, Timestamp: nowMilli()})
}

// Send implements [session.Sender] for out-of-band messages routed through
// the session registry. Unlike push it blocks while the queue is full.
func (c *wsClient) Send(ctx context.Context, msg any) error {
	typed, ok := msg.(serverMsg)
	if !ok {
		return fmt.Errorf("session %s: unsupported message %T", c.sessionID, msg)
	}
	select {
	case c.out <- typed:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the socket's only writer.
func (c *wsClient) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("outbound marshal failed", "type", msg.Type, "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
			err = c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.log.Info("websocket write failed", "error", err)
				}
				c.cancel()
				return
			}
		}
	}
}

// heartbeatLoop pings the client so half-open connections die instead of
// lingering. The client answers with pong, which the read loop ignores.
func (c *wsClient) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.push(msgPing, struct{}{})
		}
	}
}

// writeSync writes one frame directly, bypassing the queue. Only valid
// before writeLoop starts.
func (c *wsClient) writeSync(typ string, data any) {
	payload, err := json.Marshal(serverMsg{Type: typ, Data: data})
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	_ = c.conn.Write(wctx, websocket.MessageText, payload)
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// storeSink adapts the relational store to the engine's persistence
// interface, stamping records with the owning session.
type storeSink struct {
	store     Store
	sessionID string
}

var _ turn.Sink = (*storeSink)(nil)

func (s *storeSink) SealTurn(ctx context.Context, rec turn.TurnRecord) error {
	trajectory, err := json.Marshal(rec.Trajectory)
	if err != nil {
		return fmt.Errorf("marshal trajectory: %w", err)
	}
	return s.store.RecordTurn(ctx, postgres.Turn{
		ID:                rec.TurnID,
		SessionID:         rec.SessionID,
		UserTranscript:    rec.UserText,
		AssistantResponse: rec.AgentText,
		Trajectory:        trajectory,
		StartedAt:         rec.StartedAt,
		CompletedAt:       rec.CompletedAt,
		Canceled:          rec.WasInterrupted,
		AvgConfidence:     rec.AvgConfidence,
		LatencyMS:         rec.LatencyMS,
	})
}

func (s *storeSink) RecordCall(ctx context.Context, call turn.CallRecord) error {
	return s.store.RecordLLMCall(ctx, postgres.LLMCall{
		ID:               call.CallID,
		SessionID:        s.sessionID,
		TurnID:           call.TurnID,
		Model:            call.Model,
		Status:           call.Status,
		PromptTokens:     call.PromptTokens,
		CompletionTokens: call.CompletionTokens,
		StartedAt:        call.StartedAt,
		DurationMS:       call.Duration.Milliseconds(),
	})
}
