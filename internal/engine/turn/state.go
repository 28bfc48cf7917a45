// Package turn implements the turn orchestration engine for a real-time voice
// conversation between one user and one agent.
//
// # Architecture
//
//  1. Client audio is forwarded to a streaming STT provider.
//  2. Interim transcripts restart an adaptive silence timer; final transcripts
//     accumulate in a transcript buffer and speculatively kick off retrieval.
//  3. When the timer fires, the engine locks the buffer and streams an LLM
//     completion, splitting it into sentences.
//  4. The first complete sentence commits the turn and starts TTS synthesis;
//     audio chunks stream back to the client.
//  5. New user speech at any point cancels whatever downstream work is
//     outstanding and returns to listening.
//
// No agent audio is ever emitted before the turn has travelled
// IDLE → LISTENING → SPECULATIVE → COMMITTED → SPEAKING, i.e. before both a
// silence confirmation and a first-sentence commitment.
package turn

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// State is one of the five turn lifecycle states.
type State int

const (
	// StateIdle: no user speech in flight, no agent output pending.
	StateIdle State = iota

	// StateListening: user audio is arriving; transcripts accumulate.
	StateListening

	// StateSpeculative: silence fired; retrieval/generation run, nothing audible.
	StateSpeculative

	// StateCommitted: first agent sentence is ready; synthesis is starting.
	StateCommitted

	// StateSpeaking: agent audio is streaming to the client.
	StateSpeaking
)

// String returns the canonical uppercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateSpeculative:
		return "SPECULATIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// allowedTransitions is the complete legal transition graph. Any (from, to)
// pair not listed here is rejected by [StateMachine.Transition].
var allowedTransitions = map[State][]State{
	StateIdle:        {StateListening},
	StateListening:   {StateSpeculative, StateIdle},
	StateSpeculative: {StateCommitted, StateListening, StateIdle},
	StateCommitted:   {StateSpeaking, StateIdle},
	StateSpeaking:    {StateIdle, StateListening},
}

// Transition is one step of a turn's state trajectory.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// MarshalJSON encodes the record in the persisted trajectory shape:
// state names as uppercase strings and the timestamp as Unix milliseconds.
func (t Transition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		From      string `json:"from_state"`
		To        string `json:"to_state"`
		Reason    string `json:"reason"`
		Timestamp int64  `json:"timestamp"`
	}{t.From.String(), t.To.String(), t.Reason, t.At.UnixMilli()})
}

// Hook is invoked with the transition record that triggered it.
type Hook func(Transition)

// StateMachine enforces the five-state turn lifecycle.
//
// Transitions outside the legal graph are logged and rejected, never fatal —
// callers must check the boolean return of [StateMachine.Transition]. The
// machine records every successful transition in an append-only trajectory
// that the controller seals into the turn record.
//
// Mutation is expected from a single goroutine (the controller); the internal
// lock only guards concurrent readers such as telemetry snapshots.
type StateMachine struct {
	log *slog.Logger

	mu         sync.Mutex
	state      State
	trajectory []Transition
	onEnter    map[State][]Hook
	onExit     map[State][]Hook
	onAny      []Hook
}

// NewStateMachine constructs a machine starting in [StateIdle].
// A nil logger defaults to [slog.Default].
func NewStateMachine(log *slog.Logger) *StateMachine {
	if log == nil {
		log = slog.Default()
	}
	return &StateMachine{
		log:     log,
		state:   StateIdle,
		onEnter: make(map[State][]Hook),
		onExit:  make(map[State][]Hook),
	}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanTransition reports whether moving to target is legal from the current state.
func (m *StateMachine) CanTransition(target State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return canTransition(m.state, target)
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition attempts to move to target, recording reason in the trajectory.
// It returns false — after logging a warning — when the move is illegal.
// Hooks run after the state change, outside the lock, in the order
// exit(from), enter(to), any.
func (m *StateMachine) Transition(target State, reason string) bool {
	m.mu.Lock()
	from := m.state
	if !canTransition(from, target) {
		m.mu.Unlock()
		m.log.Warn("illegal state transition rejected",
			"from", from.String(),
			"to", target.String(),
			"reason", reason,
		)
		return false
	}

	rec := Transition{From: from, To: target, Reason: reason, At: time.Now()}
	m.state = target
	m.trajectory = append(m.trajectory, rec)

	exit := append([]Hook(nil), m.onExit[from]...)
	enter := append([]Hook(nil), m.onEnter[target]...)
	any := append([]Hook(nil), m.onAny...)
	m.mu.Unlock()

	m.log.Debug("state transition",
		"from", from.String(),
		"to", target.String(),
		"reason", reason,
	)

	for _, h := range exit {
		h(rec)
	}
	for _, h := range enter {
		h(rec)
	}
	for _, h := range any {
		h(rec)
	}
	return true
}

// OnEnter registers a hook invoked after every transition into s.
func (m *StateMachine) OnEnter(s State, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnter[s] = append(m.onEnter[s], h)
}

// OnExit registers a hook invoked after every transition out of s.
func (m *StateMachine) OnExit(s State, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit[s] = append(m.onExit[s], h)
}

// OnTransition registers a hook invoked after every successful transition.
func (m *StateMachine) OnTransition(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAny = append(m.onAny, h)
}

// Trajectory returns a copy of the recorded transitions since the last reset.
func (m *StateMachine) Trajectory() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.trajectory...)
}

// ResetTrajectory discards the recorded transitions. The controller calls this
// after sealing a turn so the next turn starts with an empty trajectory.
func (m *StateMachine) ResetTrajectory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trajectory = nil
}
