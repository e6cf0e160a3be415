// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQ reasons.
const (
	DLQReasonPoison       = "poison"
	DLQReasonInsertFailed = "insert_failed"
	DLQReasonMaxRetries   = "max_retries"
)

// DLQEntry is a dead-lettered event: the raw stream fields preserved
// verbatim so an operator can inspect and replay it.
type DLQEntry struct {
	OriginalEventID string                 `json:"original_event_id"`
	StreamEntryID   string                 `json:"stream_entry_id"`
	UserID          string                 `json:"user_id"`
	Reason          string                 `json:"reason"`
	Detail          string                 `json:"detail"`
	RawFields       map[string]interface{} `json:"raw_fields"`
	RetryCount      int                    `json:"retry_count"`
	FailedAt        time.Time              `json:"failed_at"`
}

// DLQ persists dead-lettered events. A unique index on original_event_id
// makes dead-lettering idempotent: re-processing the same poison entry
// after a worker crash writes no duplicate.
type DLQ struct {
	pool *pgxpool.Pool
}

// NewDLQ creates a DLQ on the given pool.
func NewDLQ(pool *pgxpool.Pool) *DLQ {
	return &DLQ{pool: pool}
}

// Write records a dead-lettered event. Writing an already-recorded
// original_event_id is a no-op success.
func (d *DLQ) Write(ctx context.Context, entry DLQEntry) error {
	raw, err := json.Marshal(entry.RawFields)
	if err != nil {
		return fmt.Errorf("marshal dlq raw fields: %w", err)
	}

	const q = `
		INSERT INTO events_dlq
			(original_event_id, stream_entry_id, user_id, reason, detail,
			 raw_fields, retry_count, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (original_event_id) DO NOTHING`

	failedAt := entry.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}

	if _, err := d.pool.Exec(ctx, q,
		entry.OriginalEventID, entry.StreamEntryID, entry.UserID, entry.Reason,
		entry.Detail, raw, entry.RetryCount, failedAt); err != nil {
		return fmt.Errorf("write dlq entry %s: %w", entry.OriginalEventID, err)
	}
	return nil
}

// Count returns the number of dead-lettered events.
func (d *DLQ) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := d.pool.QueryRow(ctx, `SELECT count(*) FROM events_dlq`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dlq entries: %w", err)
	}
	return n, nil
}

// List returns the most recent dead-lettered events, newest first.
func (d *DLQ) List(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
		SELECT original_event_id, stream_entry_id, user_id, reason, detail,
		       raw_fields, retry_count, failed_at
		FROM events_dlq
		ORDER BY failed_at DESC
		LIMIT $1`

	rows, err := d.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var e DLQEntry
		var raw []byte
		if err := rows.Scan(&e.OriginalEventID, &e.StreamEntryID, &e.UserID,
			&e.Reason, &e.Detail, &raw, &e.RetryCount, &e.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.RawFields); err != nil {
				return nil, fmt.Errorf("unmarshal dlq raw fields: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
