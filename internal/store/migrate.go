// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order at startup. Every statement is
// idempotent so concurrent replicas racing on startup are harmless.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id               BIGSERIAL PRIMARY KEY,
		event_id         TEXT NOT NULL,
		user_id          TEXT NOT NULL,
		session_id       TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		event_timestamp  TIMESTAMPTZ NOT NULL,
		priority         SMALLINT NOT NULL DEFAULT 1,
		metadata         JSONB,
		payload          JSONB,
		source_user_id   TEXT NOT NULL DEFAULT '',
		ingested_at      TIMESTAMPTZ NOT NULL,
		stored_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// The unique index is what makes bulk inserts idempotent.
	`CREATE UNIQUE INDEX IF NOT EXISTS events_event_id_key
		ON events (event_id)`,

	`CREATE INDEX IF NOT EXISTS events_user_ts_idx
		ON events (user_id, event_timestamp DESC)`,

	`CREATE INDEX IF NOT EXISTS events_type_idx
		ON events (event_type)`,

	`CREATE INDEX IF NOT EXISTS events_ts_idx
		ON events (event_timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS events_dlq (
		id                BIGSERIAL PRIMARY KEY,
		original_event_id TEXT NOT NULL,
		stream_entry_id   TEXT NOT NULL DEFAULT '',
		user_id           TEXT NOT NULL DEFAULT '',
		reason            TEXT NOT NULL,
		detail            TEXT NOT NULL DEFAULT '',
		raw_fields        JSONB,
		retry_count       INTEGER NOT NULL DEFAULT 0,
		failed_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS events_dlq_original_event_id_key
		ON events_dlq (original_event_id)`,

	`CREATE INDEX IF NOT EXISTS events_dlq_failed_at_idx
		ON events_dlq (failed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id         BIGSERIAL PRIMARY KEY,
		name       TEXT NOT NULL,
		user_id    TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL DEFAULT 'producer',
		key_hash   TEXT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT true,
		revoked_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS api_keys_key_hash_key
		ON api_keys (key_hash)`,
}

// Migrate applies the schema. Safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
