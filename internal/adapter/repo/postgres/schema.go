package postgres

import (
	"context"
	"fmt"
)

// schema is the DDL for every celerity table. Idempotent so workers can run
// it on boot.
const schema = `
CREATE TABLE IF NOT EXISTS task_results (
    task_id       TEXT PRIMARY KEY,
    state         TEXT NOT NULL,
    result        BYTEA,
    content_type  TEXT,
    exception     JSONB,
    completed_at  TIMESTAMPTZ NOT NULL,
    duration_ms   BIGINT NOT NULL DEFAULT 0,
    retries       INT NOT NULL DEFAULT 0,
    worker        TEXT,
    metadata      JSONB,
    expires_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_task_results_expires ON task_results (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS delayed_messages (
    task_id       TEXT PRIMARY KEY,
    message       JSONB NOT NULL,
    delivery_time TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delayed_delivery ON delayed_messages (delivery_time);

CREATE TABLE IF NOT EXISTS outbox (
    id              TEXT PRIMARY KEY,
    message         JSONB NOT NULL,
    status          TEXT NOT NULL DEFAULT 'Pending',
    attempts        INT NOT NULL DEFAULT 0,
    last_error      TEXT,
    created_at      TIMESTAMPTZ NOT NULL,
    dispatched_at   TIMESTAMPTZ,
    claimed_at      TIMESTAMPTZ,
    sequence_number BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (status, sequence_number);
CREATE INDEX IF NOT EXISTS idx_outbox_dispatched ON outbox (dispatched_at) WHERE dispatched_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS inbox (
    message_id   TEXT PRIMARY KEY,
    processed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inbox_processed ON inbox (processed_at);

CREATE TABLE IF NOT EXISTS sagas (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    state              TEXT NOT NULL,
    current_step_index INT NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL,
    started_at         TIMESTAMPTZ,
    completed_at       TIMESTAMPTZ,
    failure_reason     TEXT,
    correlation_id     TEXT,
    metadata           JSONB
);
CREATE INDEX IF NOT EXISTS idx_sagas_state ON sagas (state, created_at);

CREATE TABLE IF NOT EXISTS saga_steps (
    id                 TEXT PRIMARY KEY,
    saga_id            TEXT NOT NULL REFERENCES sagas(id) ON DELETE CASCADE,
    name               TEXT NOT NULL,
    step_order         INT NOT NULL,
    execute            JSONB NOT NULL,
    compensate         JSONB,
    state              TEXT NOT NULL,
    execute_task_id    TEXT,
    compensate_task_id TEXT,
    result             BYTEA,
    error              TEXT,
    compensate_tries   INT NOT NULL DEFAULT 0,
    started_at         TIMESTAMPTZ,
    completed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_saga_steps_saga ON saga_steps (saga_id, step_order);
CREATE INDEX IF NOT EXISTS idx_saga_steps_exec_task ON saga_steps (execute_task_id);
CREATE INDEX IF NOT EXISTS idx_saga_steps_comp_task ON saga_steps (compensate_task_id);

CREATE TABLE IF NOT EXISTS dead_letters (
    id               TEXT PRIMARY KEY,
    task_id          TEXT NOT NULL,
    task_name        TEXT NOT NULL,
    queue            TEXT NOT NULL,
    reason           TEXT NOT NULL,
    original_message BYTEA,
    exception        JSONB,
    retry_count      INT NOT NULL DEFAULT 0,
    timestamp        TIMESTAMPTZ NOT NULL,
    expires_at       TIMESTAMPTZ,
    worker           TEXT
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_ts ON dead_letters (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_dead_letters_task ON dead_letters (task_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_expires ON dead_letters (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS partition_locks (
    partition_key TEXT PRIMARY KEY,
    task_id       TEXT NOT NULL,
    acquired_at   TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_partition_locks_expires ON partition_locks (expires_at);

CREATE TABLE IF NOT EXISTS execution_records (
    record_key TEXT PRIMARY KEY,
    task_id    TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_records_expires ON execution_records (expires_at);

CREATE TABLE IF NOT EXISTS metrics_snapshots (
    id               BIGSERIAL PRIMARY KEY,
    task_name        TEXT,
    queue            TEXT,
    success          BIGINT NOT NULL DEFAULT 0,
    failure          BIGINT NOT NULL DEFAULT 0,
    retry            BIGINT NOT NULL DEFAULT 0,
    revoked          BIGINT NOT NULL DEFAULT 0,
    avg_execution_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    execution_sample BOOLEAN NOT NULL DEFAULT FALSE,
    snapshot_at      TIMESTAMPTZ NOT NULL,
    expires_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_metrics_snapshots_at ON metrics_snapshots (snapshot_at);
CREATE INDEX IF NOT EXISTS idx_metrics_snapshots_task ON metrics_snapshots (task_name) WHERE task_name IS NOT NULL;
`

// EnsureSchema applies the DDL.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=postgres.ensureSchema: %w", err)
	}
	return nil
}
