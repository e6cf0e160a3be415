// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lausan029/event-processor/internal/counters"
	"github.com/lausan029/event-processor/internal/dedup"
	"github.com/lausan029/event-processor/internal/event"
	"github.com/lausan029/event-processor/internal/stream"
	"github.com/lausan029/event-processor/internal/validation"
)

func newTestService(t *testing.T) (*Service, *stream.Stream) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := stream.New(client, "events_stream", "evp-workers-group")
	require.NoError(t, st.EnsureGroup(context.Background()))
	return New(dedup.New(client, 10*time.Minute), st, counters.New(client)), st
}

func validRequest() *Request {
	return &Request{
		EventType: "page.view",
		UserID:    "user-1",
		SessionID: "sess-1",
		Timestamp: "2026-08-24T12:00:00Z",
		Payload:   map[string]interface{}{"path": "/home"},
	}
}

func TestIngestAcceptsAndAssignsID(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, validRequest(), "")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Duplicate)
	assert.True(t, strings.HasPrefix(res.EventID, event.IDPrefix),
		"server-assigned ids carry the evt_ prefix")

	info, err := st.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Length)
}

func TestIngestHonorsClientEventID(t *testing.T) {
	svc, _ := newTestService(t)

	req := validRequest()
	req.EventID = "evt_client_supplied"
	res, err := svc.Ingest(context.Background(), req, "")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "evt_client_supplied", res.EventID)
}

func TestIngestDetectsDuplicate(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	req := validRequest()
	req.EventID = "evt_dup"

	first, err := svc.Ingest(ctx, req, "")
	require.NoError(t, err)
	assert.True(t, first.Accepted)

	second, err := svc.Ingest(ctx, req, "")
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.True(t, second.Duplicate)

	info, err := st.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Length, "duplicate must not reach the stream")
}

func TestIngestRejectsInvalidRequest(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing event type", func(r *Request) { r.EventType = "" }},
		{"bad event type", func(r *Request) { r.EventType = "9starts-with-digit" }},
		{"missing user", func(r *Request) { r.UserID = "" }},
		{"missing session", func(r *Request) { r.SessionID = "" }},
		{"bad timestamp", func(r *Request) { r.Timestamp = "yesterday" }},
		{"priority out of range", func(r *Request) { p := 7; r.Priority = &p }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)

			_, err := svc.Ingest(ctx, req, "")
			require.Error(t, err)
			var verr *validation.RequestValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	info, err := st.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Length)
}

func TestIngestDefaultsPriority(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, validRequest(), "")
	require.NoError(t, err)
	require.True(t, res.Accepted)

	entries, err := st.ReadGroup(ctx, "worker-test", 1, 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e, err := event.FromStreamFields(entries[0].Values)
	require.NoError(t, err)
	assert.Equal(t, event.PriorityDefault, e.Priority)
	assert.False(t, e.IngestedAt.IsZero())
}

func TestIngestStampsSourceUser(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, validRequest(), "key-owner-42")
	require.NoError(t, err)
	require.True(t, res.Accepted)

	entries, err := st.ReadGroup(ctx, "worker-test", 1, 5*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e, err := event.FromStreamFields(entries[0].Values)
	require.NoError(t, err)
	assert.Equal(t, "key-owner-42", e.SourceUserID)
	assert.Equal(t, "user-1", e.UserID, "subject user is independent of the key owner")
}

func TestIngestBatchMixedOutcomes(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	dup := validRequest()
	dup.EventID = "evt_batch_dup"
	first, err := svc.Ingest(ctx, dup, "")
	require.NoError(t, err)
	require.True(t, first.Accepted)

	bad := validRequest()
	bad.EventType = ""

	fresh := validRequest()
	fresh.EventID = "evt_batch_fresh"

	results, err := svc.IngestBatch(ctx, []*Request{fresh, dup, bad}, "")
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Accepted)
	assert.Equal(t, "evt_batch_fresh", results[0].EventID)

	assert.True(t, results[1].Duplicate)
	assert.False(t, results[1].Accepted)

	assert.False(t, results[2].Accepted)
	assert.NotEmpty(t, results[2].Error)

	info, err := st.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Length)
}

func TestIngestBatchAllInvalid(t *testing.T) {
	svc, _ := newTestService(t)

	bad := validRequest()
	bad.Timestamp = ""
	results, err := svc.IngestBatch(context.Background(), []*Request{bad}, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].Error)
}

func TestIngestBatchDuplicateWithinBatch(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	a := validRequest()
	a.EventID = "evt_same"
	b := validRequest()
	b.EventID = "evt_same"

	results, err := svc.IngestBatch(ctx, []*Request{a, b}, "")
	require.NoError(t, err)
	assert.True(t, results[0].Accepted)
	assert.True(t, results[1].Duplicate)

	info, err := st.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Length)
}
