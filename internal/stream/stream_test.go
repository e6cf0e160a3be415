// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lausan029/event-processor/internal/event"
)

func newTestStream(t *testing.T) (*Stream, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "events_stream", "evp-workers-group"), mr
}

func testEvent(id string) *event.Event {
	return &event.Event{
		EventID:    id,
		UserID:     "user-1",
		SessionID:  "sess-1",
		EventType:  "page.view",
		Timestamp:  time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Priority:   2,
		Payload:    map[string]interface{}{"path": "/home"},
		IngestedAt: time.Date(2026, 8, 24, 12, 0, 1, 0, time.UTC),
	}
}

func TestAppendAndReadGroupRoundTrip(t *testing.T) {
	s, _ := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx))

	entryID, err := s.Append(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	assert.NotEmpty(t, entryID)

	entries, err := s.ReadGroup(ctx, "worker-a", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entryID, entries[0].ID)

	e, err := event.FromStreamFields(entries[0].Values)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", e.EventID)
	assert.Equal(t, "page.view", e.EventType)
	assert.Equal(t, 2, e.Priority)
	assert.Equal(t, "/home", e.Payload["path"])
}

func TestEnsureGroupIdempotent(t *testing.T) {
	s, _ := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx))
	require.NoError(t, s.EnsureGroup(ctx), "second create must tolerate BUSYGROUP")
}

func TestReadGroupEmptyStream(t *testing.T) {
	s, _ := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx))

	entries, err := s.ReadGroup(ctx, "worker-a", 10, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAcknowledgeClearsPending(t *testing.T) {
	s, _ := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx))
	id, err := s.Append(ctx, testEvent("evt_ack"))
	require.NoError(t, err)

	entries, err := s.ReadGroup(ctx, "worker-a", 10, 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.PendingCount)

	require.NoError(t, s.Acknowledge(ctx, id))

	info, err = s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.PendingCount)
	assert.Equal(t, int64(1), info.Length, "ack must not delete the entry")
}

func TestAcknowledgeNoIDs(t *testing.T) {
	s, _ := newTestStream(t)
	require.NoError(t, s.Acknowledge(context.Background()))
}

func TestClaimIdleTransfersStaleEntries(t *testing.T) {
	s, mr := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx))
	_, err := s.Append(ctx, testEvent("evt_stale"))
	require.NoError(t, err)

	// worker-dead reads but never acks. Pin the server clock before the
	// read so the entry's idle time can be aged; FastForward only moves
	// TTLs, not delivery timestamps.
	base := time.Now()
	mr.SetTime(base)
	entries, err := s.ReadGroup(ctx, "worker-dead", 10, 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	mr.SetTime(base.Add(2 * time.Minute))

	claimed, err := s.ClaimIdle(ctx, "worker-alive", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, entries[0].ID, claimed[0].ID)

	e, err := event.FromStreamFields(claimed[0].Values)
	require.NoError(t, err)
	assert.Equal(t, "evt_stale", e.EventID)
}

func TestClaimIdleRespectsMinIdle(t *testing.T) {
	s, _ := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx))
	_, err := s.Append(ctx, testEvent("evt_fresh"))
	require.NoError(t, err)

	_, err = s.ReadGroup(ctx, "worker-busy", 10, 5*time.Millisecond)
	require.NoError(t, err)

	claimed, err := s.ClaimIdle(ctx, "worker-greedy", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "fresh pending entries must not be reclaimed")
}

func TestInfoBeforeGroupExists(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := New(client, "events_stream", "evp-workers-group")

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Length)
	assert.Equal(t, int64(0), info.PendingCount)
}
