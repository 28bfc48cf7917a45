package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateSession inserts a new session row. Creating an ID that already exists
// is a no-op, so reconnects with a preserved session ID are harmless.
func (s *Store) CreateSession(ctx context.Context, id, clientInfo string) error {
	const q = `
		INSERT INTO sessions (id, client_info)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, id, clientInfo); err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

// EndSession stamps ended_at and records the final turn counts. Ending an
// already-ended session overwrites the previous end time, which keeps the
// operation idempotent for shutdown paths that may run twice.
func (s *Store) EndSession(ctx context.Context, id string, turnCount, cancelledTurns int) error {
	const q = `
		UPDATE sessions
		SET    ended_at = now(), turn_count = $2, cancelled_turns = $3
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, id, turnCount, cancelledTurns); err != nil {
		return fmt.Errorf("sessions: end: %w", err)
	}
	return nil
}

// GetSession returns the session row for id, or (nil, nil) when no such
// session exists.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	const q = `
		SELECT id, started_at, ended_at, client_info, turn_count, cancelled_turns
		FROM   sessions
		WHERE  id = $1`

	var sess Session
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&sess.ID, &sess.StartedAt, &sess.EndedAt,
		&sess.ClientInfo, &sess.TurnCount, &sess.CancelledTurns,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get: %w", err)
	}
	return &sess, nil
}
