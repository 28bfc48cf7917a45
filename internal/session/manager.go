// Package session tracks live client sessions. The Manager is the registry
// the rest of the pipeline routes outbound messages through, keyed by session
// id; each Session carries the conversation history that feeds LLM prompts
// and the hook that tears the connection down.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sender delivers one outbound message to a connected client. The transport
// layer provides the implementation; writes for a session must be serialized
// by the implementor.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// Session is one live client connection and its conversation state.
type Session struct {
	// ID uniquely identifies the session for its whole lifetime.
	ID string
	// StartedAt is when the client connected.
	StartedAt time.Time
	// ClientInfo is the client's self-description (user agent or app version),
	// kept for diagnostics.
	ClientInfo string
	// History is the running conversation, appended to after every turn.
	History *History

	mu      sync.Mutex
	sender  Sender
	closeFn func()
	closed  bool
}

// NewSession creates a session with a fresh history. closeFn is invoked
// exactly once when the session closes; nil is allowed.
func NewSession(id, clientInfo string, closeFn func()) *Session {
	return &Session{
		ID:         id,
		StartedAt:  time.Now(),
		ClientInfo: clientInfo,
		History:    NewHistory(),
		closeFn:    closeFn,
	}
}

// SetSender installs the outbound message path. Replacing the sender is
// allowed, e.g. after a transport reconnect.
func (s *Session) SetSender(snd Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = snd
}

// Send delivers msg to the client. It fails when the session has no sender
// attached yet or has already closed.
func (s *Session) Send(ctx context.Context, msg any) error {
	s.mu.Lock()
	snd := s.sender
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session %s: closed", s.ID)
	}
	if snd == nil {
		return fmt.Errorf("session %s: no sender attached", s.ID)
	}
	return snd.Send(ctx, msg)
}

// Close tears the session down. Safe to call more than once; only the first
// call runs the close hook.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fn := s.closeFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Manager is the registry of live sessions. All methods are safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns an empty session registry.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Add registers a session. A second session with the same id is rejected.
func (m *Manager) Add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	m.sessions[s.ID] = s
	slog.Info("session registered", "session_id", s.ID, "active", len(m.sessions))
	return nil
}

// Remove deregisters a session and returns it, or nil if the id is unknown.
// The session itself is not closed; callers decide that.
func (m *Manager) Remove(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	slog.Info("session deregistered", "session_id", id, "active", len(m.sessions))
	return s
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Send routes an outbound message to the session with the given id.
func (m *Manager) Send(ctx context.Context, sessionID string, msg any) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return s.Send(ctx, msg)
}

// CloseAll closes every live session and empties the registry. Used on
// shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	if len(all) > 0 {
		slog.Info("all sessions closed", "count", len(all))
	}
}
