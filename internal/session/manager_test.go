package session

import (
	"context"
	"sync"
	"testing"
)

// recordingSender is a test double for Sender.
type recordingSender struct {
	mu   sync.Mutex
	msgs []any
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestManager_AddAndGet(t *testing.T) {
	m := NewManager()
	s := NewSession("sess-1", "web/1.4", nil)

	if err := m.Add(s); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}

	got, ok := m.Get("sess-1")
	if !ok {
		t.Fatal("Get(sess-1) not found")
	}
	if got.ID != "sess-1" || got.ClientInfo != "web/1.4" {
		t.Errorf("Get = %+v, want id sess-1 client web/1.4", got)
	}
	if got.History == nil {
		t.Error("session has no history")
	}
	if got.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}

	if _, ok := m.Get("sess-2"); ok {
		t.Error("Get(sess-2) found, want missing")
	}
}

func TestManager_AddRejectsDuplicateID(t *testing.T) {
	m := NewManager()
	if err := m.Add(NewSession("sess-1", "", nil)); err != nil {
		t.Fatalf("first Add() error = %v", err)
	}
	if err := m.Add(NewSession("sess-1", "", nil)); err == nil {
		t.Fatal("second Add() error = nil, want duplicate error")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestManager_Remove(t *testing.T) {
	m := NewManager()
	s := NewSession("sess-1", "", nil)
	if err := m.Add(s); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	got := m.Remove("sess-1")
	if got != s {
		t.Errorf("Remove returned %v, want the registered session", got)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
	if m.Remove("sess-1") != nil {
		t.Error("second Remove returned session, want nil")
	}
}

func TestManager_SendRoutesBySessionID(t *testing.T) {
	m := NewManager()
	snd1 := &recordingSender{}
	snd2 := &recordingSender{}

	s1 := NewSession("sess-1", "", nil)
	s1.SetSender(snd1)
	s2 := NewSession("sess-2", "", nil)
	s2.SetSender(snd2)
	if err := m.Add(s1); err != nil {
		t.Fatalf("Add(s1) error = %v", err)
	}
	if err := m.Add(s2); err != nil {
		t.Fatalf("Add(s2) error = %v", err)
	}

	if err := m.Send(context.Background(), "sess-2", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if snd1.count() != 0 {
		t.Errorf("sess-1 received %d messages, want 0", snd1.count())
	}
	if snd2.count() != 1 {
		t.Errorf("sess-2 received %d messages, want 1", snd2.count())
	}

	if err := m.Send(context.Background(), "sess-3", "hello"); err == nil {
		t.Error("Send to unknown session error = nil, want error")
	}
}

func TestSession_SendWithoutSender(t *testing.T) {
	s := NewSession("sess-1", "", nil)
	if err := s.Send(context.Background(), "hello"); err == nil {
		t.Error("Send() error = nil, want no-sender error")
	}
}

func TestSession_SendAfterClose(t *testing.T) {
	s := NewSession("sess-1", "", nil)
	s.SetSender(&recordingSender{})
	s.Close()
	if err := s.Send(context.Background(), "hello"); err == nil {
		t.Error("Send() after Close error = nil, want error")
	}
}

func TestSession_CloseRunsHookOnce(t *testing.T) {
	calls := 0
	s := NewSession("sess-1", "", func() { calls++ })
	s.Close()
	s.Close()
	if calls != 1 {
		t.Errorf("close hook ran %d times, want 1", calls)
	}
}

func TestManager_CloseAll(t *testing.T) {
	m := NewManager()
	var closed []string
	for _, id := range []string{"a", "b", "c"} {
		id := id
		s := NewSession(id, "", func() { closed = append(closed, id) })
		if err := m.Add(s); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}

	m.CloseAll()
	if m.Len() != 0 {
		t.Errorf("Len after CloseAll = %d, want 0", m.Len())
	}
	if len(closed) != 3 {
		t.Errorf("closed %d sessions, want 3", len(closed))
	}

	// Second call is a no-op.
	m.CloseAll()
	if len(closed) != 3 {
		t.Errorf("closed %d sessions after repeat, want 3", len(closed))
	}
}
