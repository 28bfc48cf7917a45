package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/health"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/server"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/session"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/internal/store/postgres"
	embmock "github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/embeddings/mock"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/llm"
	llmmock "github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/llm/mock"
	sttmock "github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/stt/mock"
	ttsmock "github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/provider/tts/mock"
	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"
	vecmock "github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/vector/mock"
)

const testOrigin = "http://app.example.test"

// ───────────────────────── in-memory store ─────────────────────────

// fakeStore is an in-memory implementation of the transport's Store
// dependency. ListTurns returns newest first, matching the SQL ORDER BY of
// the real store.
type fakeStore struct {
	mu        sync.Mutex
	sessions  map[string]*postgres.Session
	turns     []postgres.Turn
	calls     []postgres.LLMCall
	metrics   []postgres.MetricSample
	documents map[string]*postgres.Document

	createSessionErr error
	listTurnsErr     error
}

var _ server.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  make(map[string]*postgres.Session),
		documents: make(map[string]*postgres.Document),
	}
}

func (f *fakeStore) CreateSession(_ context.Context, id, clientInfo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createSessionErr != nil {
		return f.createSessionErr
	}
	f.sessions[id] = &postgres.Session{ID: id, StartedAt: time.Now(), ClientInfo: clientInfo}
	return nil
}

func (f *fakeStore) EndSession(_ context.Context, id string, turnCount, cancelledTurns int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil
	}
	now := time.Now()
	s.EndedAt = &now
	s.TurnCount = turnCount
	s.CancelledTurns = cancelledTurns
	return nil
}

func (f *fakeStore) RecordTurn(_ context.Context, t postgres.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, t)
	return nil
}

func (f *fakeStore) RecordLLMCall(_ context.Context, c postgres.LLMCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeStore) ListTurns(_ context.Context, sessionID string, limit int) ([]postgres.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listTurnsErr != nil {
		return nil, f.listTurnsErr
	}
	var out []postgres.Turn
	for i := len(f.turns) - 1; i >= 0 && len(out) < limit; i-- {
		if f.turns[i].SessionID == sessionID {
			out = append(out, f.turns[i])
		}
	}
	return out, nil
}

func (f *fakeStore) RecordMetric(_ context.Context, sample postgres.MetricSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, sample)
	return nil
}

func (f *fakeStore) CreateDocument(_ context.Context, d postgres.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	f.documents[d.ID] = &d
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, id string) (*postgres.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.documents[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) ListDocuments(_ context.Context) ([]postgres.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]postgres.Document, 0, len(f.documents))
	for _, d := range f.documents {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.documents[id]
	delete(f.documents, id)
	return ok, nil
}

func (f *fakeStore) SetDocumentProcessing(_ context.Context, id string) error {
	return f.setDocStatus(id, func(d *postgres.Document) { d.Status = postgres.DocProcessing })
}

func (f *fakeStore) SetDocumentIndexed(_ context.Context, id string, chunkCount int) error {
	return f.setDocStatus(id, func(d *postgres.Document) {
		d.Status = postgres.DocIndexed
		d.ChunkCount = chunkCount
		now := time.Now()
		d.IndexedAt = &now
	})
}

func (f *fakeStore) SetDocumentFailed(_ context.Context, id string, cause string) error {
	return f.setDocStatus(id, func(d *postgres.Document) {
		d.Status = postgres.DocFailed
		d.Error = cause
	})
}

func (f *fakeStore) setDocStatus(id string, apply func(*postgres.Document)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.documents[id]
	if !ok {
		return errors.New("document not found")
	}
	apply(d)
	return nil
}

func (f *fakeStore) session(id string) (postgres.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return postgres.Session{}, false
	}
	return *s, true
}

func (f *fakeStore) sessionEnded(id string) bool {
	s, ok := f.session(id)
	return ok && s.EndedAt != nil
}

func (f *fakeStore) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func (f *fakeStore) turnAt(i int) postgres.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[i]
}

func (f *fakeStore) callStatuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Status)
	}
	return out
}

func (f *fakeStore) metricNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.metrics))
	for _, m := range f.metrics {
		out = append(out, m.Metric)
	}
	return out
}

func (f *fakeStore) document(id string) (postgres.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.documents[id]
	if !ok {
		return postgres.Document{}, false
	}
	return *d, true
}

func (f *fakeStore) setListTurnsErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listTurnsErr = err
}

// ───────────────────────── harness ─────────────────────────

type harness struct {
	srv      *server.Server
	web      *httptest.Server
	store    *fakeStore
	sess     *sttmock.Session
	llm      *llmmock.Provider
	tts      *ttsmock.Provider
	vecs     *vecmock.Store
	embed    *embmock.Provider
	sessions *session.Manager
}

// newHarness builds a server on mock providers and serves it from an
// httptest listener. Overrides run after the defaults are filled in.
func newHarness(t *testing.T, llmP *llmmock.Provider, ttsP *ttsmock.Provider, overrides ...func(*server.Config, *server.Deps)) *harness {
	t.Helper()

	h := &harness{
		store:    newFakeStore(),
		sess:     sttmock.NewSession(),
		llm:      llmP,
		tts:      ttsP,
		vecs:     vecmock.NewStore(),
		embed:    &embmock.Provider{DimensionsValue: 4, ModelIDValue: "embed-test"},
		sessions: session.NewManager(),
	}

	cfg := server.Config{
		FrontendOrigin:   testOrigin,
		SampleRate:       16000,
		Voice:            types.VoiceProfile{ID: "voice-test"},
		Model:            "chat-test",
		DebounceInitial:  40 * time.Millisecond,
		DebounceMin:      20 * time.Millisecond,
		DebounceMax:      400 * time.Millisecond,
		AdaptiveDebounce: true,
	}
	deps := server.Deps{
		STT:      &sttmock.Provider{Session: h.sess},
		LLM:      llmP,
		TTS:      ttsP,
		Store:    h.store,
		Vectors:  h.vecs,
		Embedder: h.embed,
		Sessions: h.sessions,
		Health:   health.New(),
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range overrides {
		o(&cfg, &deps)
	}

	srv, err := server.New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.srv = srv
	h.web = httptest.NewServer(srv.Handler())
	t.Cleanup(h.web.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ───────────────────────── wire helpers ─────────────────────────

// wireMsg is an inbound frame with its payload left raw until the test knows
// the type.
type wireMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outMsg struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type sessionReadyPayload struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

type stateChangePayload struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Timestamp int64  `json:"timestamp"`
}

type transcriptPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type agentAudioPayload struct {
	Audio      string `json:"audio"`
	ChunkIndex int    `json:"chunk_index"`
	IsFinal    bool   `json:"is_final"`
}

type turnCompletePayload struct {
	TurnID         string `json:"turn_id"`
	UserText       string `json:"user_text"`
	AgentText      string `json:"agent_text"`
	DurationMS     int64  `json:"duration_ms"`
	WasInterrupted bool   `json:"was_interrupted"`
}

type telemetryPayload struct {
	CancellationRate float64 `json:"cancellation_rate"`
	TotalTurns       int     `json:"total_turns"`
}

type errorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type historyPayload struct {
	SessionID string `json:"session_id"`
	Turns     []struct {
		TurnID         string `json:"turn_id"`
		UserText       string `json:"user_text"`
		AgentText      string `json:"agent_text"`
		WasInterrupted bool   `json:"was_interrupted"`
		CompletedAt    int64  `json:"completed_at"`
	} `json:"turns"`
}

func wsEndpoint(web *httptest.Server) string {
	return "ws" + strings.TrimPrefix(web.URL, "http") + "/ws"
}

// dialWS opens a session and consumes the session_ready frame, returning the
// connection and the assigned session id.
func dialWS(t *testing.T, h *harness) (*websocket.Conn, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsEndpoint(h.web), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	msg := readFrame(t, conn)
	if msg.Type != "session_ready" {
		t.Fatalf("first frame type = %q, want session_ready", msg.Type)
	}
	var ready sessionReadyPayload
	decodePayload(t, msg, &ready)
	if ready.SessionID == "" {
		t.Fatalf("session_ready carries no session id")
	}
	return conn, ready.SessionID
}

func readFrame(t *testing.T, conn *websocket.Conn) wireMsg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg wireMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return msg
}

// readUntil reads frames up to the first one of the wanted type, returning
// it plus everything that arrived before it.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) (wireMsg, []wireMsg) {
	t.Helper()
	var before []wireMsg
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := readFrame(t, conn)
		if msg.Type == wantType {
			return msg, before
		}
		before = append(before, msg)
	}
	t.Fatalf("no %s frame arrived; saw %v", wantType, frameTypes(before))
	return wireMsg{}, nil
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	payload, err := json.Marshal(outMsg{Type: typ, Data: data})
	if err != nil {
		t.Fatalf("marshal %s frame: %v", typ, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("write %s frame: %v", typ, err)
	}
}

func decodePayload(t *testing.T, msg wireMsg, v any) {
	t.Helper()
	if err := json.Unmarshal(msg.Data, v); err != nil {
		t.Fatalf("decode %s payload %q: %v", msg.Type, msg.Data, err)
	}
}

// expectFrame reads one frame and asserts its type.
func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) wireMsg {
	t.Helper()
	msg := readFrame(t, conn)
	if msg.Type != wantType {
		t.Fatalf("frame type = %q (data %s), want %q", msg.Type, msg.Data, wantType)
	}
	return msg
}

// expectErrorFrame reads one frame and asserts it is an error with the given
// code.
func expectErrorFrame(t *testing.T, conn *websocket.Conn, wantCode string) errorPayload {
	t.Helper()
	msg := expectFrame(t, conn, "error")
	var e errorPayload
	decodePayload(t, msg, &e)
	if e.Code != wantCode {
		t.Errorf("error code = %q (message %q), want %q", e.Code, e.Message, wantCode)
	}
	return e
}

func expectStateChange(t *testing.T, msg wireMsg, from, to string) {
	t.Helper()
	if msg.Type != "state_change" {
		t.Fatalf("frame type = %q, want state_change", msg.Type)
	}
	var sc stateChangePayload
	decodePayload(t, msg, &sc)
	if sc.FromState != from || sc.ToState != to {
		t.Errorf("state_change = %s to %s, want %s to %s", sc.FromState, sc.ToState, from, to)
	}
}

func frameTypes(msgs []wireMsg) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func containsString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// buildWAV assembles a minimal RIFF/WAVE payload around 16-bit PCM samples.
func buildWAV(pcm []byte, sampleRate, channels int) []byte {
	var buf []byte
	appendU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	appendU16 := func(v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}
	buf = append(buf, "RIFF"...)
	appendU32(uint32(36 + len(pcm)))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	appendU32(16)
	appendU16(1)
	appendU16(uint16(channels))
	appendU32(uint32(sampleRate))
	appendU32(uint32(sampleRate * channels * 2))
	appendU16(uint16(channels * 2))
	appendU16(16)
	buf = append(buf, "data"...)
	appendU32(uint32(len(pcm)))
	buf = append(buf, pcm...)
	return buf
}

// ───────────────────────── construction ─────────────────────────

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := server.New(server.Config{}, server.Deps{})
	if err == nil {
		t.Fatalf("New() with no deps succeeded, want error")
	}
	for _, want := range []string{"stt", "llm", "tts", "store", "session"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("New() error %q does not mention %s", err, want)
		}
	}

	_, err = server.New(server.Config{}, server.Deps{
		STT:      &sttmock.Provider{},
		LLM:      &llmmock.Provider{},
		TTS:      &ttsmock.Provider{},
		Store:    newFakeStore(),
		Sessions: session.NewManager(),
	})
	if err != nil {
		t.Fatalf("New() with core deps error = %v", err)
	}
}

// ───────────────────────── session lifecycle ─────────────────────────

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	conn, sid := dialWS(t, h)

	if got := h.sessions.Len(); got != 1 {
		t.Errorf("registered sessions = %d, want 1", got)
	}
	if _, ok := h.store.session(sid); !ok {
		t.Errorf("no session row recorded for %s", sid)
	}

	writeFrame(t, conn, "ping", nil)
	expectFrame(t, conn, "pong")

	writeFrame(t, conn, "disconnect", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Errorf("read after disconnect succeeded, want closed connection")
	}

	waitFor(t, "session removal", func() bool { return h.sessions.Len() == 0 })
	waitFor(t, "session row seal", func() bool { return h.store.sessionEnded(sid) })
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	conn, sid := dialWS(t, h)

	if err := h.srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Errorf("read after shutdown succeeded, want closed connection")
	}
	waitFor(t, "session removal", func() bool { return h.sessions.Len() == 0 })
	waitFor(t, "session row seal", func() bool { return h.store.sessionEnded(sid) })
}

func TestSessionSurvivesStoreOutage(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	h.store.mu.Lock()
	h.store.createSessionErr = errors.New("database unreachable")
	h.store.mu.Unlock()

	conn, _ := dialWS(t, h)
	writeFrame(t, conn, "ping", nil)
	expectFrame(t, conn, "pong")
}

// ───────────────────────── frame validation ─────────────────────────

func TestRejectsMalformedFrames(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	conn, _ := dialWS(t, h)

	writeFrame(t, conn, "bogus", nil)
	e := expectErrorFrame(t, conn, "invalid_message")
	if !strings.Contains(e.Message, "bogus") {
		t.Errorf("error message %q does not name the unknown type", e.Message)
	}
	if !e.Recoverable {
		t.Errorf("unknown type error marked unrecoverable")
	}

	writeFrame(t, conn, "text_input", map[string]any{"text": ""})
	expectErrorFrame(t, conn, "invalid_message")

	writeFrame(t, conn, "audio_chunk", map[string]any{
		"audio": "%%%not-base64%%%", "format": "pcm", "sample_rate": 16000,
	})
	expectErrorFrame(t, conn, "invalid_audio")

	writeFrame(t, conn, "audio_chunk", map[string]any{
		"audio": b64([]byte{0, 0}), "format": "pcm", "sample_rate": 96000,
	})
	e = expectErrorFrame(t, conn, "invalid_audio")
	if !strings.Contains(e.Message, "96000") {
		t.Errorf("error message %q does not name the bad rate", e.Message)
	}

	writeFrame(t, conn, "audio_chunk", map[string]any{
		"audio": b64([]byte{0, 0}), "format": "opus", "sample_rate": 16000,
	})
	expectErrorFrame(t, conn, "invalid_audio")

	writeFrame(t, conn, "update_settings", map[string]any{"silence_debounce_ms": 2000})
	expectErrorFrame(t, conn, "invalid_settings")

	writeFrame(t, conn, "update_settings", map[string]any{"cancellation_threshold": 0.9})
	expectErrorFrame(t, conn, "invalid_settings")

	// The connection survives every rejected frame.
	writeFrame(t, conn, "ping", nil)
	expectFrame(t, conn, "pong")
}

func TestUpdateSettingsInRangeApplies(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	conn, _ := dialWS(t, h)

	writeFrame(t, conn, "update_settings", map[string]any{
		"silence_debounce_ms":       600,
		"cancellation_threshold":    0.2,
		"adaptive_debounce_enabled": false,
	})
	// No error frame; the next exchange answers immediately.
	writeFrame(t, conn, "ping", nil)
	expectFrame(t, conn, "pong")
}

// ───────────────────────── audio ingress ─────────────────────────

func TestAudioChunkReachesRecognizer(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	conn, _ := dialWS(t, h)

	// 100 ms of 16 kHz mono PCM, already in the target format.
	pcm := make([]byte, 3200)
	writeFrame(t, conn, "audio_chunk", map[string]any{
		"audio": b64(pcm), "format": "pcm", "sample_rate": 16000,
	})

	// First speech opens the turn.
	msg, _ := readUntil(t, conn, "state_change")
	expectStateChange(t, msg, "IDLE", "LISTENING")
	waitFor(t, "audio at the stt session", func() bool { return h.sess.SendAudioCallCount() >= 1 })

	first := h.sess.SendAudioCalls[0].Frame
	if first.SampleRate != 16000 || first.Channels != 1 {
		t.Errorf("forwarded frame = %d Hz %d ch, want 16000 Hz 1 ch", first.SampleRate, first.Channels)
	}
	if len(first.Data) != len(pcm) {
		t.Errorf("forwarded frame = %d bytes, want %d", len(first.Data), len(pcm))
	}

	// A 48 kHz stereo WAV is unwrapped and normalized before forwarding.
	wav := buildWAV(make([]byte, 192), 48000, 2)
	writeFrame(t, conn, "audio_chunk", map[string]any{
		"audio": b64(wav), "format": "wav", "sample_rate": 24000,
	})
	waitFor(t, "second frame at the stt session", func() bool { return h.sess.SendAudioCallCount() >= 2 })

	second := h.sess.SendAudioCalls[1].Frame
	if second.SampleRate != 16000 || second.Channels != 1 {
		t.Errorf("normalized wav frame = %d Hz %d ch, want 16000 Hz 1 ch", second.SampleRate, second.Channels)
	}
	if len(second.Data) == 0 {
		t.Errorf("normalized wav frame is empty")
	}
}

// ───────────────────────── full turns over the wire ─────────────────────────

func TestTextInputDrivesFullTurn(t *testing.T) {
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "All systems nominal. "},
			{Text: "Anything else?"},
			{FinishReason: "stop", Usage: llm.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}},
		},
	}
	ttsP := &ttsmock.Provider{AudioChunks: [][]byte{{0x01, 0x02}, {0x03, 0x04}, {0x05, 0x06}}}
	h := newHarness(t, llmP, ttsP)
	conn, sid := dialWS(t, h)

	writeFrame(t, conn, "text_input", map[string]any{"text": "how is the pipeline"})

	// The complete frame sequence of one clean turn, in order.
	expectStateChange(t, readFrame(t, conn), "IDLE", "LISTENING")

	var final transcriptPayload
	decodePayload(t, expectFrame(t, conn, "transcript_final"), &final)
	if final.Text != "how is the pipeline" || final.Confidence != 1.0 {
		t.Errorf("transcript_final = %q conf %v, want %q conf 1.0", final.Text, final.Confidence, "how is the pipeline")
	}

	expectStateChange(t, readFrame(t, conn), "LISTENING", "SPECULATIVE")
	expectStateChange(t, readFrame(t, conn), "SPECULATIVE", "COMMITTED")
	expectStateChange(t, readFrame(t, conn), "COMMITTED", "SPEAKING")

	wantAudio := [][]byte{{0x01, 0x02}, {0x03, 0x04}, {0x05, 0x06}}
	for i, want := range wantAudio {
		var a agentAudioPayload
		decodePayload(t, expectFrame(t, conn, "agent_audio_chunk"), &a)
		if a.ChunkIndex != i || a.IsFinal {
			t.Errorf("audio frame %d = index %d final %v, want index %d final false", i, a.ChunkIndex, a.IsFinal, i)
		}
		got, err := base64.StdEncoding.DecodeString(a.Audio)
		if err != nil || !bytes.Equal(got, want) {
			t.Errorf("audio frame %d payload = %v (%v), want %v", i, got, err, want)
		}
	}
	var marker agentAudioPayload
	decodePayload(t, expectFrame(t, conn, "agent_audio_chunk"), &marker)
	if !marker.IsFinal || marker.ChunkIndex != len(wantAudio) || marker.Audio != "" {
		t.Errorf("final marker = %+v, want empty final chunk at index %d", marker, len(wantAudio))
	}

	var done turnCompletePayload
	decodePayload(t, expectFrame(t, conn, "turn_complete"), &done)
	if done.UserText != "how is the pipeline" {
		t.Errorf("turn_complete user_text = %q, want %q", done.UserText, "how is the pipeline")
	}
	if done.AgentText != "All systems nominal. Anything else?" {
		t.Errorf("turn_complete agent_text = %q", done.AgentText)
	}
	if done.WasInterrupted {
		t.Errorf("turn_complete was_interrupted = true, want false")
	}
	if done.TurnID == "" {
		t.Errorf("turn_complete carries no turn id")
	}

	var tel telemetryPayload
	decodePayload(t, expectFrame(t, conn, "telemetry"), &tel)
	if tel.TotalTurns != 1 || tel.CancellationRate != 0 {
		t.Errorf("telemetry = %d turns rate %v, want 1 turns rate 0", tel.TotalTurns, tel.CancellationRate)
	}

	// Playback acknowledgement returns the session to IDLE.
	writeFrame(t, conn, "playback_complete", nil)
	expectStateChange(t, readFrame(t, conn), "SPEAKING", "IDLE")

	// Configured defaults reached the engine and the providers.
	if got := h.llm.LastStreamCall().Req.Model; got != "chat-test" {
		t.Errorf("llm model = %q, want chat-test", got)
	}
	waitFor(t, "tts call", func() bool { return h.tts.SynthesizeStreamCallCount() >= 1 })
	if got := h.tts.SynthesizeStreamCalls[0].Voice.ID; got != "voice-test" {
		t.Errorf("tts voice = %q, want voice-test", got)
	}

	// Persistence runs off the hot path; the rows land shortly after.
	waitFor(t, "turn row", func() bool { return h.store.turnCount() >= 1 })
	row := h.store.turnAt(0)
	if row.SessionID != sid || row.Canceled || row.AssistantResponse != done.AgentText {
		t.Errorf("turn row = session %q canceled %v text %q", row.SessionID, row.Canceled, row.AssistantResponse)
	}
	waitFor(t, "llm call row", func() bool {
		return containsString(h.store.callStatuses(), postgres.CallCompleted)
	})
	waitFor(t, "telemetry samples", func() bool {
		return containsString(h.store.metricNames(), "cancellation_rate")
	})
}

func TestInterruptWhileSpeaking(t *testing.T) {
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Let me walk through all of it. "},
			{Text: "First the ingress stage."},
			{FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{
		ChunkDelay:  25 * time.Millisecond,
		AudioChunks: [][]byte{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}},
	}
	h := newHarness(t, llmP, ttsP)
	conn, _ := dialWS(t, h)

	writeFrame(t, conn, "text_input", map[string]any{"text": "explain everything"})
	readUntil(t, conn, "agent_audio_chunk")

	writeFrame(t, conn, "interrupt", nil)

	done, before := readUntil(t, conn, "turn_complete")
	var payload turnCompletePayload
	decodePayload(t, done, &payload)
	if !payload.WasInterrupted {
		t.Errorf("turn_complete was_interrupted = false, want true")
	}
	if payload.AgentText == "" {
		t.Errorf("interrupted turn lost its partial reply")
	}

	// The unwind transition precedes the sealed turn, and no audio follows it.
	unwindAt := -1
	for i, msg := range before {
		if msg.Type != "state_change" {
			continue
		}
		var sc stateChangePayload
		decodePayload(t, msg, &sc)
		if sc.FromState == "SPEAKING" && sc.ToState == "LISTENING" {
			unwindAt = i
		}
	}
	if unwindAt == -1 {
		t.Fatalf("no SPEAKING to LISTENING transition before turn_complete; saw %v", frameTypes(before))
	}
	for _, msg := range before[unwindAt:] {
		if msg.Type == "agent_audio_chunk" {
			t.Errorf("audio kept flowing after the barge-in transition")
		}
	}

	waitFor(t, "interrupted turn row", func() bool {
		return h.store.turnCount() >= 1 && h.store.turnAt(0).Canceled
	})
}

// ───────────────────────── history ─────────────────────────

func TestGetHistoryReturnsTurnsOldestFirst(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	conn, sid := dialWS(t, h)

	base := time.Now().Add(-time.Minute)
	for i, text := range []string{"first question", "second question"} {
		h.store.RecordTurn(context.Background(), postgres.Turn{
			ID:                uuid.NewString(),
			SessionID:         sid,
			UserTranscript:    text,
			AssistantResponse: "answer to " + text,
			CompletedAt:       base.Add(time.Duration(i) * time.Second),
		})
	}

	writeFrame(t, conn, "get_history", nil)
	msg, _ := readUntil(t, conn, "history")

	var hist historyPayload
	decodePayload(t, msg, &hist)
	if hist.SessionID != sid {
		t.Errorf("history session_id = %q, want %q", hist.SessionID, sid)
	}
	if len(hist.Turns) != 2 {
		t.Fatalf("history turns = %d, want 2", len(hist.Turns))
	}
	if hist.Turns[0].UserText != "first question" || hist.Turns[1].UserText != "second question" {
		t.Errorf("history order = [%q, %q], want oldest first",
			hist.Turns[0].UserText, hist.Turns[1].UserText)
	}
	if hist.Turns[0].AgentText != "answer to first question" {
		t.Errorf("history agent_text = %q", hist.Turns[0].AgentText)
	}

	h.store.setListTurnsErr(errors.New("connection reset"))
	writeFrame(t, conn, "get_history", nil)
	expectErrorFrame(t, conn, "history_unavailable")
}

// ───────────────────────── document API ─────────────────────────

// uploadDocument posts a multipart upload. An empty filename omits the file
// part entirely.
func uploadDocument(t *testing.T, baseURL, filename string, content []byte, fields map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/documents/upload", &buf)
	if err != nil {
		t.Fatalf("build upload request: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	content := []byte("plain text content for validation tests")

	tests := []struct {
		name       string
		filename   string
		fields     map[string]string
		wantDetail string
	}{
		{
			name:       "missing file",
			filename:   "",
			wantDetail: "file field is required",
		},
		{
			name:       "unsupported extension",
			filename:   "malware.exe",
			wantDetail: "unsupported file format",
		},
		{
			name:       "chunk size not an integer",
			filename:   "notes.txt",
			fields:     map[string]string{"chunk_size": "lots"},
			wantDetail: "chunk_size must be an integer",
		},
		{
			name:       "chunk size too small",
			filename:   "notes.txt",
			fields:     map[string]string{"chunk_size": "50"},
			wantDetail: "chunk_size must be between",
		},
		{
			name:       "chunk size too large",
			filename:   "notes.txt",
			fields:     map[string]string{"chunk_size": "5000"},
			wantDetail: "chunk_size must be between",
		},
		{
			name:       "overlap too large",
			filename:   "notes.txt",
			fields:     map[string]string{"chunk_overlap": "600"},
			wantDetail: "chunk_overlap must be between",
		},
		{
			name:       "overlap not below size",
			filename:   "notes.txt",
			fields:     map[string]string{"chunk_size": "300", "chunk_overlap": "300"},
			wantDetail: "chunk_overlap must be less than chunk_size",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := uploadDocument(t, h.web.URL, tt.filename, content, tt.fields)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
			var body struct {
				Detail string `json:"detail"`
			}
			decodeBody(t, resp, &body)
			if !strings.Contains(body.Detail, tt.wantDetail) {
				t.Errorf("detail = %q, want it to contain %q", body.Detail, tt.wantDetail)
			}
		})
	}
}

func TestUploadRejectsUnparseableFile(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	resp := uploadDocument(t, h.web.URL, "broken.pdf", []byte("this is not a pdf"), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestUploadRequiresIngestionBackends(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{}, func(_ *server.Config, deps *server.Deps) {
		deps.Vectors = nil
		deps.Embedder = nil
	})
	resp := uploadDocument(t, h.web.URL, "notes.txt", []byte("content"), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestUploadReportsProcessingFailure(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	h.embed.EmbedBatchErr = errors.New("embedding backend down")

	content := []byte(strings.Repeat("facts worth indexing. ", 40))
	resp := uploadDocument(t, h.web.URL, "notes.txt", content, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("upload status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	// The row survives with the cause recorded, so the listing explains what
	// went wrong.
	docs, err := h.store.ListDocuments(context.Background())
	if err != nil {
		t.Fatalf("listing documents: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("document rows = %d, want 1", len(docs))
	}
	if docs[0].Status != postgres.DocFailed {
		t.Errorf("document status = %q, want %q", docs[0].Status, postgres.DocFailed)
	}
	if !strings.Contains(docs[0].Error, "embedding backend down") {
		t.Errorf("document error = %q, want the embed failure cause", docs[0].Error)
	}
	if h.vecs.Len() != 0 {
		t.Errorf("vector store holds %d chunks after failed ingest, want 0", h.vecs.Len())
	}
}

func TestUploadLifecycle(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})
	content := []byte(strings.Repeat("Retrieval keeps the agent grounded in uploaded facts. ", 40))

	resp := uploadDocument(t, h.web.URL, "pipeline.md", content, map[string]string{
		"chunk_size": "300", "chunk_overlap": "40",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var accepted struct {
		Success    bool   `json:"success"`
		DocumentID string `json:"document_id"`
		Filename   string `json:"filename"`
		Status     string `json:"status"`
		WordCount  int    `json:"word_count"`
		ChunkCount int    `json:"chunk_count"`
	}
	decodeBody(t, resp, &accepted)
	if !accepted.Success || accepted.DocumentID == "" {
		t.Fatalf("upload response = %+v", accepted)
	}
	if accepted.Status != postgres.DocIndexed {
		t.Errorf("upload status field = %q, want %q", accepted.Status, postgres.DocIndexed)
	}
	if accepted.WordCount == 0 {
		t.Errorf("upload word_count = 0, want > 0")
	}
	if accepted.ChunkCount == 0 {
		t.Errorf("upload chunk_count = 0, want > 0")
	}

	// A 200 means the document is already queryable.
	doc, ok := h.store.document(accepted.DocumentID)
	if !ok {
		t.Fatal("document row missing after upload")
	}
	if doc.Status != postgres.DocIndexed {
		t.Errorf("document status = %q, want %q", doc.Status, postgres.DocIndexed)
	}
	if doc.ChunkCount != accepted.ChunkCount {
		t.Errorf("row chunk count = %d, response said %d", doc.ChunkCount, accepted.ChunkCount)
	}
	if doc.IndexedAt == nil {
		t.Errorf("indexed document has no IndexedAt")
	}
	if got := h.vecs.Len(); got != doc.ChunkCount {
		t.Errorf("vector store holds %d chunks, want %d", got, doc.ChunkCount)
	}

	// The listing reflects the indexed row.
	listResp, err := http.Get(h.web.URL + "/api/documents")
	if err != nil {
		t.Fatalf("list request: %v", err)
	}
	var listing struct {
		Documents []struct {
			ID         string `json:"id"`
			Filename   string `json:"filename"`
			Status     string `json:"status"`
			ChunkCount int    `json:"chunk_count"`
			IndexedAt  *int64 `json:"indexed_at"`
		} `json:"documents"`
		Count int `json:"count"`
	}
	decodeBody(t, listResp, &listing)
	if listing.Count != 1 || len(listing.Documents) != 1 {
		t.Fatalf("listing count = %d (%d entries), want 1", listing.Count, len(listing.Documents))
	}
	entry := listing.Documents[0]
	if entry.ID != accepted.DocumentID || entry.Filename != "pipeline.md" || entry.Status != postgres.DocIndexed {
		t.Errorf("listed document = %+v", entry)
	}
	if entry.IndexedAt == nil {
		t.Errorf("listed document has no indexed_at")
	}

	// Deleting removes the row and its vectors.
	req, _ := http.NewRequest(http.MethodDelete, h.web.URL+"/api/documents/"+accepted.DocumentID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete request: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d, want %d", delResp.StatusCode, http.StatusOK)
	}
	if got := h.vecs.Len(); got != 0 {
		t.Errorf("vector store holds %d chunks after delete, want 0", got)
	}
	if _, ok := h.store.document(accepted.DocumentID); ok {
		t.Errorf("document row survived deletion")
	}

	// A second delete finds nothing.
	req, _ = http.NewRequest(http.MethodDelete, h.web.URL+"/api/documents/"+accepted.DocumentID, nil)
	delResp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete request: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", delResp.StatusCode, http.StatusNotFound)
	}
}

// ───────────────────────── CORS and operational endpoints ─────────────────────────

func TestCORS(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})

	req, _ := http.NewRequest(http.MethodOptions, h.web.URL+"/api/documents", nil)
	req.Header.Set("Origin", testOrigin)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("preflight allow-origin = %q, want %q", got, testOrigin)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "DELETE") {
		t.Errorf("preflight allow-methods = %q, want DELETE included", got)
	}

	req, _ = http.NewRequest(http.MethodGet, h.web.URL+"/api/documents", nil)
	req.Header.Set("Origin", "http://evil.example.test")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cross-origin request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin got allow-origin %q, want none", got)
	}

	req, _ = http.NewRequest(http.MethodGet, h.web.URL+"/api/documents", nil)
	req.Header.Set("Origin", testOrigin)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("same-origin request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("configured origin got allow-origin %q, want %q", got, testOrigin)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	h := newHarness(t, &llmmock.Provider{}, &ttsmock.Provider{})

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.web.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}

	resp, err := http.Get(h.web.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read /metrics body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("/metrics output missing runtime collectors")
	}
}
