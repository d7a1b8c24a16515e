package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the append-only ledger table and its read indices. The
// bigserial seq column records insertion order for chain-tip recovery; the
// remaining indices serve the actor, event-type, resource-timeline, and
// retention read paths.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq            BIGSERIAL PRIMARY KEY,
	audit_id       TEXT        NOT NULL UNIQUE,
	event_id       TEXT        NOT NULL UNIQUE,
	event_type     TEXT        NOT NULL,
	actor_user_id  TEXT        NOT NULL,
	actor_username TEXT        NOT NULL,
	actor_role     TEXT,
	actor_ip       TEXT,
	resource_type  TEXT,
	resource_id    TEXT,
	branch_id      TEXT,
	action         TEXT        NOT NULL,
	outcome        TEXT        NOT NULL,
	metadata       JSONB,
	ts             TIMESTAMPTZ NOT NULL,
	phi_accessed   BOOLEAN     NOT NULL DEFAULT FALSE,
	hash           TEXT        NOT NULL,
	previous_hash  TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_actor_ts
	ON audit_events (actor_user_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_type_ts
	ON audit_events (event_type, ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_resource_ts
	ON audit_events (resource_type, resource_id, ts ASC);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts
	ON audit_events (ts);
`

// EnsureSchema applies the ledger schema. Safe to run repeatedly.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}
