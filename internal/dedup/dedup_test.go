// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, ttl time.Duration) (*Index, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, ttl), mr
}

func TestTryClaimFirstWins(t *testing.T) {
	idx, _ := newTestIndex(t, 10*time.Minute)
	ctx := context.Background()

	first, err := idx.TryClaim(ctx, "evt_abc")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := idx.TryClaim(ctx, "evt_abc")
	require.NoError(t, err)
	assert.False(t, second, "same event ID must be detected as duplicate")
}

func TestTryClaimExpiresAfterTTL(t *testing.T) {
	idx, mr := newTestIndex(t, 10*time.Minute)
	ctx := context.Background()

	first, err := idx.TryClaim(ctx, "evt_ttl")
	require.NoError(t, err)
	require.True(t, first)

	mr.FastForward(10*time.Minute + time.Second)

	again, err := idx.TryClaim(ctx, "evt_ttl")
	require.NoError(t, err)
	assert.True(t, again, "claim must be forgotten after the dedup window")
}

func TestTryClaimSetsTTL(t *testing.T) {
	idx, mr := newTestIndex(t, 600*time.Second)
	ctx := context.Background()

	_, err := idx.TryClaim(ctx, "evt_x")
	require.NoError(t, err)

	ttl := mr.TTL("evp:dedup:evt_x")
	assert.Equal(t, 600*time.Second, ttl)
}

func TestTryClaimBatch(t *testing.T) {
	idx, _ := newTestIndex(t, time.Minute)
	ctx := context.Background()

	// Pre-claim one of the IDs.
	first, err := idx.TryClaim(ctx, "evt_b")
	require.NoError(t, err)
	require.True(t, first)

	results, err := idx.TryClaimBatch(ctx, []string{"evt_a", "evt_b", "evt_c", "evt_a"})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results[0], "evt_a is new")
	assert.False(t, results[1], "evt_b was pre-claimed")
	assert.True(t, results[2], "evt_c is new")
	assert.False(t, results[3], "second evt_a in the same batch is a duplicate")
}

func TestTryClaimBatchEmpty(t *testing.T) {
	idx, _ := newTestIndex(t, time.Minute)

	results, err := idx.TryClaimBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestRelease(t *testing.T) {
	idx, _ := newTestIndex(t, time.Minute)
	ctx := context.Background()

	first, err := idx.TryClaim(ctx, "evt_rel")
	require.NoError(t, err)
	require.True(t, first)

	idx.Release(ctx, "evt_rel")

	again, err := idx.TryClaim(ctx, "evt_rel")
	require.NoError(t, err)
	assert.True(t, again, "released claim must be claimable again")
}
