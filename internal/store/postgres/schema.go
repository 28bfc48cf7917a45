package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — sessions and turns
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT         PRIMARY KEY,
    started_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ,
    client_info      TEXT         NOT NULL DEFAULT '',
    turn_count       INT          NOT NULL DEFAULT 0,
    cancelled_turns  INT          NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id                  TEXT         PRIMARY KEY,
    session_id          TEXT         NOT NULL,
    user_transcript     TEXT         NOT NULL DEFAULT '',
    assistant_response  TEXT         NOT NULL DEFAULT '',
    state_trajectory    JSONB        NOT NULL DEFAULT '[]',
    started_at          TIMESTAMPTZ  NOT NULL,
    completed_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    canceled            BOOLEAN      NOT NULL DEFAULT FALSE,
    avg_confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
    latency_ms          BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_session_completed
    ON turns (session_id, completed_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — model-call accounting
// ─────────────────────────────────────────────────────────────────────────────

const ddlLLMCalls = `
CREATE TABLE IF NOT EXISTS llm_calls (
    id                 TEXT         PRIMARY KEY,
    session_id         TEXT         NOT NULL,
    turn_id            TEXT         NOT NULL DEFAULT '',
    model              TEXT         NOT NULL DEFAULT '',
    status             TEXT         NOT NULL,
    prompt_tokens      INT          NOT NULL DEFAULT 0,
    completion_tokens  INT          NOT NULL DEFAULT 0,
    started_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ms        BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_llm_calls_session_id
    ON llm_calls (session_id);

CREATE INDEX IF NOT EXISTS idx_llm_calls_status
    ON llm_calls (status);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — document uploads and telemetry
// ─────────────────────────────────────────────────────────────────────────────

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS documents (
    id            TEXT         PRIMARY KEY,
    session_id    TEXT         NOT NULL DEFAULT '',
    filename      TEXT         NOT NULL,
    content_type  TEXT         NOT NULL DEFAULT '',
    size_bytes    BIGINT       NOT NULL DEFAULT 0,
    word_count    INT          NOT NULL DEFAULT 0,
    chunk_count   INT          NOT NULL DEFAULT 0,
    status        TEXT         NOT NULL DEFAULT 'pending',
    error         TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    indexed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_documents_status
    ON documents (status);

CREATE INDEX IF NOT EXISTS idx_documents_created_at
    ON documents (created_at);
`

const ddlTelemetryMetrics = `
CREATE TABLE IF NOT EXISTS telemetry_metrics (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL DEFAULT '',
    metric       TEXT         NOT NULL,
    value        DOUBLE PRECISION NOT NULL,
    recorded_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_telemetry_session_metric
    ON telemetry_metrics (session_id, metric);
`

// Migrate creates or ensures all relational tables exist. It is idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and safe to call
// on every application start. The document_chunks table is owned and migrated
// by the pgvector chunk store, not here.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlTurns,
		ddlLLMCalls,
		ddlDocuments,
		ddlTelemetryMetrics,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
