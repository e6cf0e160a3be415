// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package store persists events in PostgreSQL. Bulk writes are idempotent:
// the events table carries a unique index on event_id and inserts use ON
// CONFLICT DO NOTHING, so replaying a batch after a partial failure can
// never create duplicate records.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lausan029/event-processor/internal/event"
	"github.com/lausan029/event-processor/internal/logging"
	"github.com/lausan029/event-processor/internal/metrics"
)

// EventStore writes events to PostgreSQL behind a circuit breaker.
type EventStore struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker[int64]
	timeout time.Duration
}

// Options tunes the store.
type Options struct {
	// BulkInsertTimeout bounds a single bulk write. Zero means 45s.
	BulkInsertTimeout time.Duration
}

// New creates an EventStore on an existing pool.
func New(pool *pgxpool.Pool, opts Options) *EventStore {
	if opts.BulkInsertTimeout <= 0 {
		opts.BulkInsertTimeout = 45 * time.Second
	}
	return &EventStore{
		pool:    pool,
		breaker: newStoreBreaker(),
		timeout: opts.BulkInsertTimeout,
	}
}

// Connect opens a pool to the event store at url and verifies it.
func Connect(ctx context.Context, url string, opts Options) (*EventStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open event store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping event store: %w", err)
	}
	return New(pool, opts), nil
}

// newStoreBreaker builds the breaker guarding bulk writes. Five
// consecutive failures open the circuit; after 30s a probe batch is let
// through.
func newStoreBreaker() *gobreaker.CircuitBreaker[int64] {
	settings := gobreaker.Settings{
		Name:        "event-store",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("event store circuit breaker state change")
			metrics.BreakerState.Set(float64(to))
		},
	}
	return gobreaker.NewCircuitBreaker[int64](settings)
}

// BulkInsert writes the batch in one pipelined round-trip and returns the
// number of new rows. Events whose event_id already exists count as
// successfully stored but not as new rows. An error means the whole batch
// must be retried; idempotent inserts make the retry safe.
func (s *EventStore) BulkInsert(ctx context.Context, events []*event.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	return s.breaker.Execute(func() (int64, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.bulkInsert(ctx, events)
	})
}

func (s *EventStore) bulkInsert(ctx context.Context, events []*event.Event) (int64, error) {
	const insertSQL = `
		INSERT INTO events
			(event_id, user_id, session_id, event_type, event_timestamp,
			 priority, metadata, payload, source_user_id, ingested_at, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (event_id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, e := range events {
		metadata, err := marshalBlob(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata for %s: %w", e.EventID, err)
		}
		payload, err := marshalBlob(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal payload for %s: %w", e.EventID, err)
		}
		batch.Queue(insertSQL,
			e.EventID, e.UserID, e.SessionID, e.EventType, e.Timestamp,
			e.Priority, metadata, payload, e.SourceUserID, e.IngestedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range events {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("bulk insert: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// marshalBlob serializes an opaque JSON blob for a jsonb column. Empty
// maps are stored as NULL.
func marshalBlob(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// CountByUser returns the number of stored events for a user, bounded to
// the given time range. Zero times mean unbounded.
func (s *EventStore) CountByUser(ctx context.Context, userID string, from, to time.Time) (int64, error) {
	const q = `
		SELECT count(*) FROM events
		WHERE user_id = $1
		  AND ($2::timestamptz IS NULL OR event_timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR event_timestamp < $3)`

	var fromArg, toArg interface{}
	if !from.IsZero() {
		fromArg = from
	}
	if !to.IsZero() {
		toArg = to
	}

	var n int64
	if err := s.pool.QueryRow(ctx, q, userID, fromArg, toArg).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events for user %s: %w", userID, err)
	}
	return n, nil
}

// BreakerState reports the current circuit breaker state for readiness
// checks.
func (s *EventStore) BreakerState() gobreaker.State {
	return s.breaker.State()
}

// Ping verifies database connectivity.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pool for components sharing the database.
func (s *EventStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *EventStore) Close() {
	s.pool.Close()
}
