// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package worker consumes the event stream and drives events to durable
// storage in batches.
//
// Delivery is at-least-once: an entry is acknowledged only after the
// batch containing it has been stored (or the entry has been
// dead-lettered). A worker that dies mid-batch leaves its entries in the
// consumer group's pending list; any surviving worker reclaims them once
// they have been idle past the stale age. The store's idempotent inserts
// absorb the resulting redeliveries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lausan029/event-processor/internal/counters"
	"github.com/lausan029/event-processor/internal/event"
	"github.com/lausan029/event-processor/internal/logging"
	"github.com/lausan029/event-processor/internal/metrics"
	"github.com/lausan029/event-processor/internal/retry"
	"github.com/lausan029/event-processor/internal/store"
	"github.com/lausan029/event-processor/internal/stream"
)

// EventSink stores a batch of events. Implemented by store.EventStore.
type EventSink interface {
	BulkInsert(ctx context.Context, events []*event.Event) (int64, error)
}

// DeadLetters records events that cannot be processed. Implemented by
// store.DLQ.
type DeadLetters interface {
	Write(ctx context.Context, entry store.DLQEntry) error
}

// Config tunes the worker loop.
type Config struct {
	// Consumer is this worker's identity within the consumer group.
	Consumer string

	// BatchSize flushes the buffer when reached.
	BatchSize int

	// BatchTimeout flushes a non-empty buffer that has not filled up.
	BatchTimeout time.Duration

	// ReadCount is the max entries per stream read.
	ReadCount int

	// BlockTimeout is how long a read blocks on an empty stream.
	BlockTimeout time.Duration

	// ClaimInterval is how often stale pending entries are scanned for.
	ClaimInterval time.Duration

	// StaleAge is the minimum idle time before reclaiming an entry.
	StaleAge time.Duration

	// AckTimeout bounds acknowledge round-trips.
	AckTimeout time.Duration

	// FailureBackoff is the pause after a failed flush before reading
	// again.
	FailureBackoff time.Duration

	// Retry governs transient-error retries on the bulk insert.
	Retry retry.Policy

	// ShutdownTimeout bounds the final flush on stop.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the standard worker tuning.
func DefaultConfig(consumer string) Config {
	return Config{
		Consumer:        consumer,
		BatchSize:       100,
		BatchTimeout:    500 * time.Millisecond,
		ReadCount:       50,
		BlockTimeout:    100 * time.Millisecond,
		ClaimInterval:   30 * time.Second,
		StaleAge:        60 * time.Second,
		AckTimeout:      5 * time.Second,
		FailureBackoff:  2 * time.Second,
		Retry:           retry.DefaultPolicy(),
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Consumer)
	if c.Consumer == "" {
		c.Consumer = event.NewConsumerID()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = def.BatchTimeout
	}
	if c.ReadCount <= 0 {
		c.ReadCount = def.ReadCount
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = def.BlockTimeout
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = def.ClaimInterval
	}
	if c.StaleAge <= 0 {
		c.StaleAge = def.StaleAge
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = def.FailureBackoff
	}
	if c.Retry.MaxAttempts == 0 && c.Retry.BaseDelay == 0 {
		c.Retry = def.Retry
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}

// buffered pairs a decoded event with the stream entry it came from, so
// the entry can be acknowledged once the event is stored.
type buffered struct {
	entryID string
	event   *event.Event
}

// Stats is a snapshot of the worker's progress.
type Stats struct {
	Consumer     string    `json:"consumer"`
	Processed    int64     `json:"processed"`
	FlushErrors  int64     `json:"flush_errors"`
	DeadLettered int64     `json:"dead_lettered"`
	Claimed      int64     `json:"claimed"`
	Buffered     int       `json:"buffered"`
	LastFlush    time.Time `json:"last_flush,omitempty"`
}

// Worker is a single stream consumer.
type Worker struct {
	stream   *stream.Stream
	sink     EventSink
	dlq      DeadLetters
	counters *counters.Counters
	cfg      Config

	buffer      []buffered
	bufferSince time.Time

	processed    atomic.Int64
	flushErrors  atomic.Int64
	deadLettered atomic.Int64
	claimed      atomic.Int64
	bufferLen    atomic.Int64
	lastFlushNS  atomic.Int64
}

// New creates a Worker. Zero config fields get defaults.
func New(s *stream.Stream, sink EventSink, dlq DeadLetters, c *counters.Counters, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		stream:   s,
		sink:     sink,
		dlq:      dlq,
		counters: c,
		cfg:      cfg,
	}
}

// Consumer returns the worker's consumer identity.
func (w *Worker) Consumer() string { return w.cfg.Consumer }

// Stats returns a point-in-time progress snapshot. Safe to call from any
// goroutine.
func (w *Worker) Stats() Stats {
	s := Stats{
		Consumer:     w.cfg.Consumer,
		Processed:    w.processed.Load(),
		FlushErrors:  w.flushErrors.Load(),
		DeadLettered: w.deadLettered.Load(),
		Claimed:      w.claimed.Load(),
		Buffered:     int(w.bufferLen.Load()),
	}
	if ns := w.lastFlushNS.Load(); ns > 0 {
		s.LastFlush = time.Unix(0, ns)
	}
	return s
}

// Serve runs the consume loop until ctx is cancelled, then attempts one
// final flush of the buffer within the shutdown envelope. Implements the
// suture service contract.
func (w *Worker) Serve(ctx context.Context) error {
	if err := w.stream.EnsureGroup(ctx); err != nil {
		return err
	}

	logging.Info().
		Str("component", "worker").
		Str("consumer", w.cfg.Consumer).
		Str("stream", w.stream.Key()).
		Str("group", w.stream.Group()).
		Int("batch_size", w.cfg.BatchSize).
		Msg("worker started")

	nextClaim := time.Now().Add(w.cfg.ClaimInterval)

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		default:
		}

		if time.Now().After(nextClaim) {
			w.claimStale(ctx)
			nextClaim = time.Now().Add(w.cfg.ClaimInterval)
		}

		// Backpressure: never read more than the buffer can hold before
		// the next flush.
		if len(w.buffer) < w.cfg.BatchSize {
			entries, err := w.stream.ReadGroup(ctx, w.cfg.Consumer,
				int64(w.cfg.ReadCount), w.cfg.BlockTimeout)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				logging.Error().Err(err).
					Str("consumer", w.cfg.Consumer).
					Msg("stream read failed")
				w.sleep(ctx, w.cfg.FailureBackoff)
				continue
			}
			w.ingest(ctx, entries)
		}

		if w.shouldFlush() {
			if err := w.flush(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				logging.Error().Err(err).
					Str("consumer", w.cfg.Consumer).
					Int("dropped", len(w.buffer)).
					Msg("flush and dead-letter both failed, dropping buffer for redelivery")
				// Entries stay pending; they come back via claim.
				w.setBuffer(nil)
				w.sleep(ctx, w.cfg.FailureBackoff)
			}
		}
	}
}

// ingest decodes entries into the buffer. Entries that cannot be decoded
// are poison: dead-lettered first, acknowledged second, so a crash
// between the two redelivers into the DLQ's idempotent write rather than
// losing the record.
func (w *Worker) ingest(ctx context.Context, entries []stream.Entry) {
	for _, entry := range entries {
		e, err := event.FromStreamFields(entry.Values)
		if err != nil {
			w.deadLetter(ctx, entry, store.DLQReasonPoison, err.Error())
			continue
		}
		if w.bufferSince.IsZero() || len(w.buffer) == 0 {
			w.bufferSince = time.Now()
		}
		w.setBuffer(append(w.buffer, buffered{entryID: entry.ID, event: e}))
	}
}

// shouldFlush reports whether the buffer is due: full, or non-empty and
// older than the batch timeout.
func (w *Worker) shouldFlush() bool {
	if len(w.buffer) == 0 {
		return false
	}
	if len(w.buffer) >= w.cfg.BatchSize {
		return true
	}
	return time.Since(w.bufferSince) >= w.cfg.BatchTimeout
}

// flush stores the buffered batch, acknowledges its entries, and clears
// the buffer. A batch that exhausts its insert retries is converted to
// dead-letter records instead; only when the DLQ write fails too does
// flush return an error, leaving the buffer intact for the caller to
// drop back to the pending list.
func (w *Worker) flush(ctx context.Context) error {
	batch := w.buffer
	events := make([]*event.Event, len(batch))
	ids := make([]string, len(batch))
	types := make([]string, len(batch))
	for i, b := range batch {
		events[i] = b.event
		ids[i] = b.entryID
		types[i] = b.event.EventType
	}

	start := time.Now()
	var inserted int64
	attempts := 0
	err := retry.Do(ctx, w.cfg.Retry, func(ctx context.Context) error {
		attempts++
		n, ierr := w.sink.BulkInsert(ctx, events)
		if ierr != nil {
			// An open circuit will not close within the retry budget;
			// fail fast and let the failure backoff pace the loop.
			if errors.Is(ierr, gobreaker.ErrOpenState) {
				return retry.Permanent(ierr)
			}
			return ierr
		}
		inserted = n
		return nil
	})
	if err != nil {
		w.flushErrors.Add(1)
		w.counters.AddFailed(ctx, int64(len(batch)))
		metrics.RecordBatchFlush(len(batch), 0, err)
		logging.Error().Err(err).
			Str("consumer", w.cfg.Consumer).
			Int("batch_size", len(batch)).
			Int("attempts", attempts).
			Msg("bulk insert exhausted retries, dead-lettering batch")
		if derr := w.deadLetterBatch(ctx, batch, attempts, err); derr != nil {
			return fmt.Errorf("store batch of %d: %w", len(batch), err)
		}
		w.setBuffer(nil)
		return nil
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.AckTimeout)
	defer cancel()
	if err := w.stream.Acknowledge(ackCtx, ids...); err != nil {
		// The batch is stored; a failed ack only means redelivery, which
		// the idempotent insert absorbs. Log and move on.
		logging.Warn().Err(err).
			Int("entries", len(ids)).
			Msg("failed to acknowledge stored batch")
	}

	w.processed.Add(int64(len(batch)))
	w.lastFlushNS.Store(time.Now().UnixNano())
	w.counters.AddProcessed(ctx, int64(len(batch)), types)
	metrics.RecordBatchFlush(len(batch), time.Since(start), nil)

	logging.Debug().
		Str("consumer", w.cfg.Consumer).
		Int("batch", len(batch)).
		Int64("new_rows", inserted).
		Dur("took", time.Since(start)).
		Msg("batch flushed")

	w.setBuffer(nil)
	return nil
}

// claimStale reclaims pending entries idle past the stale age and feeds
// them through the normal decode-and-buffer path.
func (w *Worker) claimStale(ctx context.Context) {
	entries, err := w.stream.ClaimIdle(ctx, w.cfg.Consumer, w.cfg.StaleAge,
		int64(w.cfg.ReadCount))
	if err != nil {
		logging.Warn().Err(err).
			Str("consumer", w.cfg.Consumer).
			Msg("failed to claim stale entries")
		return
	}
	if len(entries) == 0 {
		return
	}

	w.claimed.Add(int64(len(entries)))
	metrics.RecordClaimedEntries(len(entries))
	logging.Info().
		Str("consumer", w.cfg.Consumer).
		Int("claimed", len(entries)).
		Msg("reclaimed stale pending entries")
	w.ingest(ctx, entries)

	if info, err := w.stream.Info(ctx); err == nil {
		metrics.UpdateStreamGauges(info.Length, info.PendingCount)
	}
}

// deadLetterBatch converts a batch that exhausted its insert retries into
// dead-letter records, one per event, each written with its own retry.
// Entries whose DLQ write succeeded are acknowledged so they never
// redeliver; the rest stay pending and come back via claim. Returns an
// error when any record could not be written.
func (w *Worker) deadLetterBatch(ctx context.Context, batch []buffered, attempts int, cause error) error {
	reason := store.DLQReasonMaxRetries
	if errors.Is(cause, gobreaker.ErrOpenState) {
		reason = store.DLQReasonInsertFailed
	}

	acked := make([]string, 0, len(batch))
	var firstErr error
	for _, b := range batch {
		fields, ferr := b.event.StreamFields()
		if ferr != nil {
			fields = map[string]interface{}{event.FieldEventID: b.event.EventID}
		}
		rec := store.DLQEntry{
			OriginalEventID: b.event.EventID,
			StreamEntryID:   b.entryID,
			UserID:          b.event.UserID,
			Reason:          reason,
			Detail:          cause.Error(),
			RawFields:       fields,
			RetryCount:      attempts,
			FailedAt:        time.Now().UTC(),
		}
		werr := retry.Do(ctx, w.cfg.Retry, func(ctx context.Context) error {
			return w.dlq.Write(ctx, rec)
		})
		if werr != nil {
			if firstErr == nil {
				firstErr = werr
			}
			continue
		}
		acked = append(acked, b.entryID)
		w.deadLettered.Add(1)
		metrics.RecordDLQEntry(reason)
	}

	if len(acked) > 0 {
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.AckTimeout)
		defer cancel()
		if err := w.stream.Acknowledge(ackCtx, acked...); err != nil {
			logging.Warn().Err(err).
				Int("entries", len(acked)).
				Msg("failed to acknowledge dead-lettered batch")
		}
		w.counters.AddDeadLettered(ctx, int64(len(acked)))
		logging.Warn().
			Str("consumer", w.cfg.Consumer).
			Int("dead_lettered", len(acked)).
			Str("reason", reason).
			Str("error", cause.Error()).
			Msg("failed batch dead-lettered")
	}

	if firstErr != nil {
		return fmt.Errorf("dead-letter %d of %d entries: %w",
			len(batch)-len(acked), len(batch), firstErr)
	}
	return nil
}

// deadLetter writes the raw entry to the DLQ and acknowledges it. An
// entry that cannot be dead-lettered stays pending and will be retried
// after the stale age.
func (w *Worker) deadLetter(ctx context.Context, entry stream.Entry, reason, detail string) {
	eventID, _ := entry.Values[event.FieldEventID].(string)
	if eventID == "" {
		// Poison entries may lack an event_id; key the DLQ record by the
		// stream entry instead so idempotency still holds.
		eventID = "entry:" + entry.ID
	}
	userID, _ := entry.Values[event.FieldUserID].(string)

	err := w.dlq.Write(ctx, store.DLQEntry{
		OriginalEventID: eventID,
		StreamEntryID:   entry.ID,
		UserID:          userID,
		Reason:          reason,
		Detail:          detail,
		RawFields:       entry.Values,
		FailedAt:        time.Now().UTC(),
	})
	if err != nil {
		logging.Error().Err(err).
			Str("entry_id", entry.ID).
			Str("reason", reason).
			Msg("failed to dead-letter entry, leaving pending")
		return
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.AckTimeout)
	defer cancel()
	if err := w.stream.Acknowledge(ackCtx, entry.ID); err != nil {
		logging.Warn().Err(err).
			Str("entry_id", entry.ID).
			Msg("failed to acknowledge dead-lettered entry")
	}

	w.deadLettered.Add(1)
	w.counters.AddDeadLettered(ctx, 1)
	metrics.RecordDLQEntry(reason)
	logging.Warn().
		Str("entry_id", entry.ID).
		Str("event_id", eventID).
		Str("reason", reason).
		Str("detail", detail).
		Msg("entry dead-lettered")
}

// shutdown makes a last attempt to flush the buffer so a clean stop
// leaves nothing behind for redelivery.
func (w *Worker) shutdown() {
	if len(w.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()

	if err := w.flush(ctx); err != nil {
		logging.Warn().Err(err).
			Str("consumer", w.cfg.Consumer).
			Int("remaining", len(w.buffer)).
			Msg("final flush failed, entries stay pending for redelivery")
		return
	}
	logging.Info().
		Str("consumer", w.cfg.Consumer).
		Msg("worker drained and stopped")
}

func (w *Worker) setBuffer(b []buffered) {
	w.buffer = b
	w.bufferLen.Store(int64(len(b)))
	if len(b) == 0 {
		w.bufferSince = time.Time{}
	}
}

// sleep waits for d or until ctx is cancelled.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
