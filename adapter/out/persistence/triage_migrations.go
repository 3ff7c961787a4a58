package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// migrations are applied in order; the index+1 is the schema version. The DDL
// sticks to the subset Postgres and SQLite share. Timestamps are UnixNano.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS followup_items (
		id               TEXT PRIMARY KEY,
		email_id         TEXT NOT NULL,
		thread_id        TEXT NOT NULL DEFAULT '',
		subject          TEXT NOT NULL DEFAULT '',
		sender           TEXT NOT NULL DEFAULT '',
		priority         TEXT NOT NULL,
		category         TEXT NOT NULL DEFAULT '',
		labels           TEXT NOT NULL DEFAULT '[]',
		vip_tier         INTEGER,
		reason           TEXT NOT NULL,
		status           TEXT NOT NULL,
		added_at         BIGINT NOT NULL,
		snoozed_until    BIGINT,
		last_action_at   BIGINT,
		sla_deadline     BIGINT,
		sla_status       TEXT NOT NULL,
		action_count     INTEGER NOT NULL DEFAULT 0,
		snooze_count     INTEGER NOT NULL DEFAULT 0,
		escalated_at     BIGINT,
		closed_at        BIGINT,
		version          INTEGER NOT NULL DEFAULT 1,
		updated_at       BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS followup_items_open_email
		ON followup_items (email_id) WHERE status NOT IN ('COMPLETED', 'ARCHIVED')`,
	`CREATE INDEX IF NOT EXISTS followup_items_status ON followup_items (status)`,
	`CREATE TABLE IF NOT EXISTS learning_records (
		id              TEXT PRIMARY KEY,
		email_id        TEXT NOT NULL,
		subject         TEXT NOT NULL DEFAULT '',
		sender          TEXT NOT NULL DEFAULT '',
		snippet         TEXT NOT NULL DEFAULT '',
		classification  TEXT NOT NULL,
		feedback        TEXT,
		outcome         TEXT NOT NULL,
		created_at      BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS learning_records_created ON learning_records (created_at)`,
	`CREATE TABLE IF NOT EXISTS vip_senders (
		sender_key  TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		tier        INTEGER NOT NULL,
		note        TEXT NOT NULL DEFAULT '',
		created_at  BIGINT NOT NULL
	)`,
}

// Migrate brings the schema up to date and returns the resulting version.
func Migrate(ctx context.Context, db *sqlx.DB, log zerolog.Logger) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return v, fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			tx.Rollback()
			return v, fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), v+1); err != nil {
			tx.Rollback()
			return v, fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return v, fmt.Errorf("commit migration %d: %w", v+1, err)
		}
		log.Info().Int("version", v+1).Msg("migration applied")
	}
	return len(migrations), nil
}
