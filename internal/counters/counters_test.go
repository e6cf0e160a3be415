// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package counters

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounters(t *testing.T) (*Counters, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestAddAndTotal(t *testing.T) {
	c, _ := newTestCounters(t)
	ctx := context.Background()

	c.AddIngested(ctx, 5, 0)
	c.AddIngested(ctx, 3, 0)

	total, err := c.Total(ctx, Ingested)
	require.NoError(t, err)
	assert.Equal(t, int64(8), total)
}

func TestTotalMissingKeyIsZero(t *testing.T) {
	c, _ := newTestCounters(t)

	total, err := c.Total(context.Background(), Processed)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestAddZeroIsNoop(t *testing.T) {
	c, _ := newTestCounters(t)
	ctx := context.Background()

	c.AddFailed(ctx, 0)
	c.AddFailed(ctx, -3)

	total, err := c.Total(ctx, Failed)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestRateAveragesOverWindow(t *testing.T) {
	c, _ := newTestCounters(t)
	ctx := context.Background()

	// Pin the clock so every Add lands in a known bucket.
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.AddIngested(ctx, 60, 0)
	c.now = func() time.Time { return base.Add(10 * time.Second) }
	c.AddIngested(ctx, 60, 0)

	rate, err := c.Rate(ctx, Ingested)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, rate, 0.001, "120 events over a 60s window")
}

func TestRateIgnoresBucketsOutsideWindow(t *testing.T) {
	c, _ := newTestCounters(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.AddIngested(ctx, 600, 0)

	// Move the clock past the window; the old bucket must not count.
	c.now = func() time.Time { return base.Add(90 * time.Second) }
	rate, err := c.Rate(ctx, Ingested)
	require.NoError(t, err)
	assert.Zero(t, rate)
}

func TestBucketTTL(t *testing.T) {
	c, mr := newTestCounters(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.AddIngested(ctx, 1, 0)

	mr.FastForward(3 * time.Minute)
	bucket := fmt.Sprintf("evp:metrics:ingested:%d", base.Unix())
	assert.False(t, mr.Exists(bucket), "per-second bucket must expire")

	// Totals live much longer.
	total, err := c.Total(ctx, Ingested)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestSnapshot(t *testing.T) {
	c, _ := newTestCounters(t)
	ctx := context.Background()

	c.AddIngested(ctx, 10, 0)
	c.AddProcessed(ctx, 7, nil)
	c.AddFailed(ctx, 2)
	c.AddDeadLettered(ctx, 1)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.TotalIngested)
	assert.Equal(t, int64(7), snap.TotalProcessed)
	assert.Equal(t, int64(2), snap.TotalFailed)
	assert.Equal(t, int64(1), snap.TotalDLQ)
	assert.Greater(t, snap.IngestionRate, 0.0)
}

func TestAddIngestedCountsDuplicates(t *testing.T) {
	c, _ := newTestCounters(t)
	ctx := context.Background()

	c.AddIngested(ctx, 2, 3)

	ingested, err := c.Total(ctx, Ingested)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ingested)

	dups, err := c.Total(ctx, Duplicates)
	require.NoError(t, err)
	assert.Equal(t, int64(3), dups)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.TotalDuplicates)
}

func TestAddProcessedRecordsTypesAndLastBatch(t *testing.T) {
	c, _ := newTestCounters(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.AddProcessed(ctx, 3, []string{"page.view", "page.view", "cart.add"})

	views, err := c.TotalForType(ctx, "page.view")
	require.NoError(t, err)
	assert.Equal(t, int64(2), views)

	adds, err := c.TotalForType(ctx, "cart.add")
	require.NoError(t, err)
	assert.Equal(t, int64(1), adds)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.LastBatchSize)
	assert.Equal(t, base.Format(time.RFC3339Nano), snap.LastProcessedAt)
}
