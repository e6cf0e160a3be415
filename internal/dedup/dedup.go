// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package dedup implements the at-most-once ingest guard: a TTL'd
// set-if-absent index keyed by event ID. Claiming an ID and checking for a
// prior claim is a single atomic SET NX EX round-trip, so two concurrent
// ingests of the same event cannot both win.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lausan029/event-processor/internal/logging"
)

const keyPrefix = "evp:dedup:"

// Index is the dedup index backed by Redis.
type Index struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New creates an Index on the given client. ttl is the dedup window.
func New(client redis.UniversalClient, ttl time.Duration) *Index {
	return &Index{client: client, ttl: ttl}
}

// NewFromURL connects to the Redis instance at url and verifies the
// connection before returning.
func NewFromURL(ctx context.Context, url string, ttl time.Duration) (*Index, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse dedup backend url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping dedup backend: %w", err)
	}
	return New(client, ttl), nil
}

// TryClaim atomically claims eventID for the dedup window. It returns true
// when this caller is the first to claim the ID, false when the ID was
// already claimed (a duplicate).
func (i *Index) TryClaim(ctx context.Context, eventID string) (bool, error) {
	ok, err := i.client.SetNX(ctx, keyPrefix+eventID, 1, i.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim %s: %w", eventID, err)
	}
	return ok, nil
}

// TryClaimBatch claims many event IDs in one pipelined round-trip. The
// returned slice is index-aligned with eventIDs: true means first claim,
// false means duplicate. A pipeline error fails the whole batch.
func (i *Index) TryClaimBatch(ctx context.Context, eventIDs []string) ([]bool, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	pipe := i.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(eventIDs))
	for idx, id := range eventIDs {
		cmds[idx] = pipe.SetNX(ctx, keyPrefix+id, 1, i.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("dedup batch claim: %w", err)
	}

	results := make([]bool, len(eventIDs))
	for idx, cmd := range cmds {
		results[idx] = cmd.Val()
	}
	return results, nil
}

// Release removes a claim, making the event ID ingestible again. Used when
// an accepted event could not be appended to the stream, so a client retry
// is not rejected as a duplicate.
func (i *Index) Release(ctx context.Context, eventID string) {
	if err := i.client.Del(ctx, keyPrefix+eventID).Err(); err != nil {
		logging.Warn().Err(err).Str("event_id", eventID).Msg("failed to release dedup claim")
	}
}

// Close releases the underlying connection.
func (i *Index) Close() error {
	return i.client.Close()
}
