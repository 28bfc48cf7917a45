package postgres

import (
	"context"
	"fmt"
)

// RecordLLMCall inserts one model-call accounting row. Calls are recorded at
// their terminal state only, so speculative calls that get unwound appear
// with status [CallSpeculativeCanceled] and whatever token usage the
// provider reported before cancellation.
func (s *Store) RecordLLMCall(ctx context.Context, c LLMCall) error {
	const q = `
		INSERT INTO llm_calls
		    (id, session_id, turn_id, model, status, prompt_tokens, completion_tokens,
		     started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q,
		c.ID,
		c.SessionID,
		c.TurnID,
		c.Model,
		c.Status,
		c.PromptTokens,
		c.CompletionTokens,
		c.StartedAt,
		c.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("llm calls: record: %w", err)
	}
	return nil
}

// WastedTokens sums completion tokens across canceled and speculatively
// canceled calls for a session. It feeds the cancellation-cost telemetry.
func (s *Store) WastedTokens(ctx context.Context, sessionID string) (int64, error) {
	const q = `
		SELECT COALESCE(SUM(completion_tokens), 0)
		FROM   llm_calls
		WHERE  session_id = $1
		  AND  status IN ($2, $3)`

	var n int64
	err := s.pool.QueryRow(ctx, q, sessionID, CallCanceled, CallSpeculativeCanceled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("llm calls: wasted tokens: %w", err)
	}
	return n, nil
}
