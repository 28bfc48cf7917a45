package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RecordTurn inserts a sealed turn. Turns are written exactly once, after the
// assistant reply completes, is cut short, or is abandoned; there is no
// in-place update path.
func (s *Store) RecordTurn(ctx context.Context, t Turn) error {
	const q = `
		INSERT INTO turns
		    (id, session_id, user_transcript, assistant_response, state_trajectory,
		     started_at, completed_at, canceled, avg_confidence, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	trajectory := t.Trajectory
	if len(trajectory) == 0 {
		trajectory = []byte("[]")
	}

	_, err := s.pool.Exec(ctx, q,
		t.ID,
		t.SessionID,
		t.UserTranscript,
		t.AssistantResponse,
		trajectory,
		t.StartedAt,
		t.CompletedAt,
		t.Canceled,
		t.AvgConfidence,
		t.LatencyMS,
	)
	if err != nil {
		return fmt.Errorf("turns: record: %w", err)
	}
	return nil
}

// ListTurns returns the most recent turns of a session, newest first. A
// limit of 0 applies a default of 50.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
		SELECT id, session_id, user_transcript, assistant_response, state_trajectory,
		       started_at, completed_at, canceled, avg_confidence, latency_ms
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY completed_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("turns: list: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var t Turn
		if err := row.Scan(
			&t.ID,
			&t.SessionID,
			&t.UserTranscript,
			&t.AssistantResponse,
			&t.Trajectory,
			&t.StartedAt,
			&t.CompletedAt,
			&t.Canceled,
			&t.AvgConfidence,
			&t.LatencyMS,
		); err != nil {
			return Turn{}, err
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turns: scan rows: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}
