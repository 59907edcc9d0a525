package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS search_jobs (
		id              UUID PRIMARY KEY,
		image_path      TEXT NOT NULL,
		keywords        TEXT[] NOT NULL DEFAULT '{}',
		force_full_crop BOOLEAN NOT NULL DEFAULT FALSE,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INTEGER NOT NULL DEFAULT 0,
		result_count    INTEGER NOT NULL DEFAULT 0,
		crop_status     TEXT NOT NULL DEFAULT '',
		crop_reason     TEXT NOT NULL DEFAULT '',
		surface_url     TEXT NOT NULL DEFAULT '',
		error           TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at      TIMESTAMPTZ,
		completed_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_search_jobs_pending
		ON search_jobs (created_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		retry_count    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_due
		ON outbox_event (next_retry_at) WHERE status IN ('pending', 'failed')`,
}

// Migrate creates the tables the service needs. It is safe to run on every
// start.
func (db *DB) Migrate(ctx context.Context) error {
	return db.Transaction(ctx, func(tx pgx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
		}
		return nil
	})
}
