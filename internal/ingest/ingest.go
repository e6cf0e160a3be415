// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package ingest implements the accept path: validate, claim the event ID
// in the dedup index, append to the event stream. An event is either
// accepted (durably in the stream), a duplicate, or rejected; the three
// outcomes are mutually exclusive.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/lausan029/event-processor/internal/counters"
	"github.com/lausan029/event-processor/internal/dedup"
	"github.com/lausan029/event-processor/internal/event"
	"github.com/lausan029/event-processor/internal/logging"
	"github.com/lausan029/event-processor/internal/metrics"
	"github.com/lausan029/event-processor/internal/stream"
	"github.com/lausan029/event-processor/internal/validation"
)

// Request is a single event submission. Field names follow the public
// API's camelCase convention.
type Request struct {
	EventID   string                 `json:"eventId" validate:"omitempty,min=4,max=128"`
	EventType string                 `json:"eventType" validate:"required,max=100,event_type"`
	UserID    string                 `json:"userId" validate:"required,min=1,max=128"`
	SessionID string                 `json:"sessionId" validate:"required,min=1,max=128"`
	Timestamp string                 `json:"timestamp" validate:"required,rfc3339"`
	Priority  *int                   `json:"priority" validate:"omitempty,gte=0,lte=3"`
	Metadata  map[string]interface{} `json:"metadata"`
	Payload   map[string]interface{} `json:"payload"`
}

// Result is the per-event outcome of an ingest.
type Result struct {
	EventID   string `json:"event_id"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	Error     string `json:"error,omitempty"`
}

// Service accepts events into the pipeline.
type Service struct {
	dedup    *dedup.Index
	stream   *stream.Stream
	counters *counters.Counters
}

// New creates a Service.
func New(d *dedup.Index, s *stream.Stream, c *counters.Counters) *Service {
	return &Service{dedup: d, stream: s, counters: c}
}

// toEvent validates the request and builds the canonical event, stamping
// sourceUserID as the audit identity of the submitting API key. A
// client-supplied eventId is honored; otherwise a server-side ID is
// assigned, which makes the submission non-idempotent by choice.
func (s *Service) toEvent(req *Request, now time.Time, sourceUserID string) (*event.Event, *validation.RequestValidationError) {
	if verr := validation.ValidateStruct(req); verr != nil {
		return nil, verr
	}

	// Timestamp already validated as RFC 3339.
	ts, _ := time.Parse(time.RFC3339, req.Timestamp)

	e := &event.Event{
		EventID:      req.EventID,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		EventType:    req.EventType,
		Timestamp:    ts,
		Priority:     event.PriorityDefault,
		Metadata:     req.Metadata,
		Payload:      req.Payload,
		IngestedAt:   now.UTC(),
		SourceUserID: sourceUserID,
	}
	if req.Priority != nil {
		e.Priority = *req.Priority
	}
	if e.EventID == "" {
		e.EventID = event.NewID()
	}
	return e, nil
}

// Ingest accepts a single event submitted by sourceUserID, the identity
// behind the authenticated API key (empty when auth is disabled). A
// validation failure returns the RequestValidationError for the API
// layer to translate; a backend failure returns a plain error and the
// client may safely retry with the same eventId.
func (s *Service) Ingest(ctx context.Context, req *Request, sourceUserID string) (Result, error) {
	e, verr := s.toEvent(req, time.Now(), sourceUserID)
	if verr != nil {
		metrics.RecordIngestRejection("validation")
		return Result{EventID: req.EventID, Error: verr.Error()}, verr
	}

	first, err := s.dedup.TryClaim(ctx, e.EventID)
	if err != nil {
		metrics.RecordIngestRejection("dedup_error")
		return Result{EventID: e.EventID}, fmt.Errorf("dedup check: %w", err)
	}
	if !first {
		s.counters.AddIngested(ctx, 0, 1)
		metrics.RecordIngest(false, true)
		return Result{EventID: e.EventID, Duplicate: true}, nil
	}

	if _, err := s.stream.Append(ctx, e); err != nil {
		// Release the claim so the client's retry is not misread as a
		// duplicate of an event that never reached the stream.
		s.dedup.Release(ctx, e.EventID)
		metrics.RecordIngestRejection("stream_error")
		return Result{EventID: e.EventID}, fmt.Errorf("append event: %w", err)
	}

	s.counters.AddIngested(ctx, 1, 0)
	metrics.RecordIngest(true, false)
	return Result{EventID: e.EventID, Accepted: true}, nil
}

// IngestBatch accepts many events in one call, all submitted by the same
// sourceUserID. Invalid events are rejected individually; the valid
// remainder is claimed in one pipelined dedup round-trip and appended in
// order. Results are index-aligned with the input.
func (s *Service) IngestBatch(ctx context.Context, reqs []*Request, sourceUserID string) ([]Result, error) {
	now := time.Now()
	results := make([]Result, len(reqs))
	events := make([]*event.Event, len(reqs))

	var ids []string
	var idxs []int
	for i, req := range reqs {
		e, verr := s.toEvent(req, now, sourceUserID)
		if verr != nil {
			metrics.RecordIngestRejection("validation")
			results[i] = Result{EventID: req.EventID, Error: verr.Error()}
			continue
		}
		events[i] = e
		ids = append(ids, e.EventID)
		idxs = append(idxs, i)
	}

	if len(ids) == 0 {
		return results, nil
	}

	claims, err := s.dedup.TryClaimBatch(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("batch dedup check: %w", err)
	}

	var accepted, duplicates int64
	for pos, i := range idxs {
		e := events[i]
		if !claims[pos] {
			duplicates++
			metrics.RecordIngest(false, true)
			results[i] = Result{EventID: e.EventID, Duplicate: true}
			continue
		}

		if _, err := s.stream.Append(ctx, e); err != nil {
			s.dedup.Release(ctx, e.EventID)
			metrics.RecordIngestRejection("stream_error")
			logging.Ctx(ctx).Error().Err(err).
				Str("event_id", e.EventID).
				Msg("failed to append event from batch")
			results[i] = Result{EventID: e.EventID, Error: "failed to enqueue event"}
			continue
		}

		accepted++
		metrics.RecordIngest(true, false)
		results[i] = Result{EventID: e.EventID, Accepted: true}
	}

	if accepted > 0 || duplicates > 0 {
		s.counters.AddIngested(ctx, accepted, duplicates)
	}
	metrics.IngestBatchSize.Observe(float64(len(reqs)))
	return results, nil
}
