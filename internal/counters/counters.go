// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package counters maintains the pipeline's operational counters in Redis:
// per-second buckets for short-window rates plus long-lived cumulative
// totals. Counters are shared by every API replica and worker, so the
// stats endpoint reports fleet-wide numbers, not per-process ones.
//
// Counter writes are advisory. A failed increment is logged and dropped;
// it never fails the ingest or processing path that triggered it.
package counters

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lausan029/event-processor/internal/logging"
)

// Counter names.
const (
	Ingested   = "ingested"
	Processed  = "processed"
	Failed     = "failed"
	DeadLet    = "dlq"
	Duplicates = "duplicates"
)

const (
	bucketPrefix = "evp:metrics:"
	totalPrefix  = "evp:metrics:total:"

	// bucketTTL keeps per-second buckets around long enough for the
	// 60-second rate window plus clock skew between replicas.
	bucketTTL = 120 * time.Second

	// totalTTL bounds cumulative totals so an abandoned deployment does
	// not leak keys forever.
	totalTTL = 24 * time.Hour

	// rateWindow is the averaging window for Rate.
	rateWindowSeconds = 60

	// Batch bookkeeping recorded on every processed flush.
	lastProcessedAtKey = bucketPrefix + "last_processed_at"
	lastBatchSizeKey   = bucketPrefix + "last_batch_size"
)

// Counters tracks pipeline throughput in Redis.
type Counters struct {
	client redis.UniversalClient
	now    func() time.Time
}

// New creates a Counters on the given client.
func New(client redis.UniversalClient) *Counters {
	return &Counters{client: client, now: time.Now}
}

// Add increments the named counter by n: the current per-second bucket and
// the cumulative total, in one pipelined round-trip. Failures are logged
// and swallowed.
func (c *Counters) Add(ctx context.Context, name string, n int64) {
	if n <= 0 {
		return
	}
	sec := c.now().Unix()
	bucket := fmt.Sprintf("%s%s:%d", bucketPrefix, name, sec)
	total := totalPrefix + name

	pipe := c.client.Pipeline()
	pipe.IncrBy(ctx, bucket, n)
	pipe.Expire(ctx, bucket, bucketTTL)
	pipe.IncrBy(ctx, total, n)
	pipe.Expire(ctx, total, totalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warn().Err(err).Str("counter", name).Msg("failed to update counter")
	}
}

// AddIngested records an ingest outcome: accepted events feed the
// per-second rate buckets and the cumulative total, duplicates feed
// their own cumulative total only.
func (c *Counters) AddIngested(ctx context.Context, accepted, duplicates int64) {
	c.Add(ctx, Ingested, accepted)
	if duplicates <= 0 {
		return
	}
	total := totalPrefix + Duplicates
	pipe := c.client.Pipeline()
	pipe.IncrBy(ctx, total, duplicates)
	pipe.Expire(ctx, total, totalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warn().Err(err).Str("counter", Duplicates).Msg("failed to update counter")
	}
}

// AddProcessed records a stored batch of n events: the processed counter,
// a cumulative subcounter per distinct event type, and the last-batch
// bookkeeping the stats endpoint reports.
func (c *Counters) AddProcessed(ctx context.Context, n int64, eventTypes []string) {
	c.Add(ctx, Processed, n)
	if n <= 0 {
		return
	}

	byType := make(map[string]int64, len(eventTypes))
	for _, et := range eventTypes {
		byType[et]++
	}

	pipe := c.client.Pipeline()
	for et, cnt := range byType {
		key := totalPrefix + Processed + ":type:" + et
		pipe.IncrBy(ctx, key, cnt)
		pipe.Expire(ctx, key, totalTTL)
	}
	pipe.Set(ctx, lastProcessedAtKey, c.now().UTC().Format(time.RFC3339Nano), totalTTL)
	pipe.Set(ctx, lastBatchSizeKey, n, totalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warn().Err(err).Str("counter", Processed).Msg("failed to update counter")
	}
}

// TotalForType returns the cumulative processed count for one event type.
func (c *Counters) TotalForType(ctx context.Context, eventType string) (int64, error) {
	return c.Total(ctx, Processed+":type:"+eventType)
}

// AddFailed increments the failed counter.
func (c *Counters) AddFailed(ctx context.Context, n int64) { c.Add(ctx, Failed, n) }

// AddDeadLettered increments the dead-letter counter.
func (c *Counters) AddDeadLettered(ctx context.Context, n int64) { c.Add(ctx, DeadLet, n) }

// Rate returns the named counter's per-second rate averaged over the last
// 60 seconds, reading all buckets in one pipelined MGET-style pass.
func (c *Counters) Rate(ctx context.Context, name string) (float64, error) {
	sec := c.now().Unix()
	keys := make([]string, 0, rateWindowSeconds)
	for i := int64(0); i < rateWindowSeconds; i++ {
		keys = append(keys, fmt.Sprintf("%s%s:%d", bucketPrefix, name, sec-i))
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("read %s rate buckets: %w", name, err)
	}

	var sum int64
	for _, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if n, perr := strconv.ParseInt(s, 10, 64); perr == nil {
				sum += n
			}
		}
	}
	return float64(sum) / rateWindowSeconds, nil
}

// Total returns the named counter's cumulative total. A missing key reads
// as zero.
func (c *Counters) Total(ctx context.Context, name string) (int64, error) {
	v, err := c.client.Get(ctx, totalPrefix+name).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s total: %w", name, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s total: %w", name, err)
	}
	return n, nil
}

// Snapshot is a point-in-time view of the pipeline counters.
type Snapshot struct {
	TotalIngested   int64   `json:"total_ingested"`
	TotalProcessed  int64   `json:"total_processed"`
	TotalFailed     int64   `json:"total_failed"`
	TotalDuplicates int64   `json:"total_duplicates"`
	TotalDLQ        int64   `json:"total_dlq"`
	IngestionRate   float64 `json:"ingestion_rate"`
	ProcessingRate  float64 `json:"processing_rate"`
	LastProcessedAt string  `json:"last_processed_at,omitempty"`
	LastBatchSize   int64   `json:"last_batch_size"`
}

// Snapshot reads all counters for the stats endpoint.
func (c *Counters) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.TotalIngested, err = c.Total(ctx, Ingested); err != nil {
		return snap, err
	}
	if snap.TotalProcessed, err = c.Total(ctx, Processed); err != nil {
		return snap, err
	}
	if snap.TotalFailed, err = c.Total(ctx, Failed); err != nil {
		return snap, err
	}
	if snap.TotalDuplicates, err = c.Total(ctx, Duplicates); err != nil {
		return snap, err
	}
	if snap.TotalDLQ, err = c.Total(ctx, DeadLet); err != nil {
		return snap, err
	}
	if snap.IngestionRate, err = c.Rate(ctx, Ingested); err != nil {
		return snap, err
	}
	if snap.ProcessingRate, err = c.Rate(ctx, Processed); err != nil {
		return snap, err
	}

	v, err := c.client.Get(ctx, lastProcessedAtKey).Result()
	if err != nil && err != redis.Nil {
		return snap, fmt.Errorf("read last processed at: %w", err)
	}
	snap.LastProcessedAt = v

	raw, err := c.client.Get(ctx, lastBatchSizeKey).Result()
	if err != nil && err != redis.Nil {
		return snap, fmt.Errorf("read last batch size: %w", err)
	}
	if raw != "" {
		if snap.LastBatchSize, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return snap, fmt.Errorf("parse last batch size: %w", err)
		}
	}
	return snap, nil
}
