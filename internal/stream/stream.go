// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package stream wraps the Redis Streams primitives behind the pipeline's
// event-stream contract: append-only writes, consumer-group reads with
// per-entry acknowledgement, and reclaim of entries stuck with dead
// consumers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lausan029/event-processor/internal/event"
)

// Entry is a single stream entry: the broker-assigned ID plus the flat
// field map. Decoding into an event.Event is the consumer's concern so a
// malformed entry can be dead-lettered with its raw fields intact.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// Stream is an append-only event log with consumer-group semantics.
type Stream struct {
	client redis.UniversalClient
	key    string
	group  string
}

// New creates a Stream on the given client.
func New(client redis.UniversalClient, key, group string) *Stream {
	return &Stream{client: client, key: key, group: group}
}

// NewFromURL connects to the stream backend at url and verifies the
// connection before returning.
func NewFromURL(ctx context.Context, url, key, group string) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse stream backend url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping stream backend: %w", err)
	}
	return New(client, key, group), nil
}

// Key returns the stream key.
func (s *Stream) Key() string { return s.key }

// Group returns the consumer group name.
func (s *Stream) Group() string { return s.group }

// Append writes the event to the tail of the stream and returns the
// broker-assigned entry ID.
func (s *Stream) Append(ctx context.Context, e *event.Event) (string, error) {
	fields, err := e.StreamFields()
	if err != nil {
		return "", err
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream %s: %w", s.key, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group at the head of the stream,
// creating the stream itself if needed. An already-existing group is not
// an error, so every worker can call this unconditionally at startup.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.key, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", s.group, s.key, err)
	}
	return nil
}

// ReadGroup fetches up to count new entries for the named consumer,
// blocking up to block when the stream is empty. An empty read returns
// (nil, nil). Every returned entry lands in the group's pending list until
// acknowledged.
func (s *Stream) ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{s.key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group %s: %w", s.group, err)
	}

	var entries []Entry
	for _, str := range res {
		for _, msg := range str.Messages {
			entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
		}
	}
	return entries, nil
}

// Acknowledge removes the given entry IDs from the consumer group's
// pending list.
func (s *Stream) Acknowledge(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.key, s.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries on %s: %w", len(ids), s.key, err)
	}
	return nil
}

// ClaimIdle transfers ownership of up to count pending entries that have
// been idle for at least minIdle to the named consumer, scanning from the
// start of the pending list. Entries that vanished from the stream are
// skipped by the broker.
func (s *Stream) ClaimIdle(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.key,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim idle entries on %s: %w", s.key, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
	}
	return entries, nil
}

// Info describes the stream's current depth and backlog.
type Info struct {
	Length       int64 `json:"length"`
	PendingCount int64 `json:"pending_count"`
	Consumers    int64 `json:"consumers"`
}

// Info returns the stream length, the consumer group's pending count, and
// the number of consumers registered in the group. A missing group reports
// zero pending rather than an error, so the stats endpoint stays usable
// before the first worker starts. The consumer count is best effort.
func (s *Stream) Info(ctx context.Context) (Info, error) {
	length, err := s.client.XLen(ctx, s.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Info{}, fmt.Errorf("stream length %s: %w", s.key, err)
	}

	info := Info{Length: length}
	pending, err := s.client.XPending(ctx, s.key, s.group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || strings.Contains(err.Error(), "NOGROUP") {
			return info, nil
		}
		return Info{}, fmt.Errorf("pending count %s: %w", s.key, err)
	}
	info.PendingCount = pending.Count

	if groups, err := s.client.XInfoGroups(ctx, s.key).Result(); err == nil {
		for _, g := range groups {
			if g.Name == s.group {
				info.Consumers = g.Consumers
			}
		}
	}
	return info, nil
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.client.Close()
}
