// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/lausan029/event-processor/internal/counters"
	"github.com/lausan029/event-processor/internal/ingest"
	"github.com/lausan029/event-processor/internal/logging"
	"github.com/lausan029/event-processor/internal/middleware"
	"github.com/lausan029/event-processor/internal/store"
	"github.com/lausan029/event-processor/internal/stream"
	"github.com/lausan029/event-processor/internal/validation"
)

// maxBodyBytes bounds a single request body. Batches of 1000 small events
// fit comfortably; anything larger is suspect.
const maxBodyBytes = 5 << 20

// DLQReader exposes the dead letter queue to the API. Implemented by
// store.DLQ.
type DLQReader interface {
	Count(ctx context.Context) (int64, error)
	List(ctx context.Context, limit int) ([]store.DLQEntry, error)
}

// StorePinger reports event store health. Implemented by store.EventStore.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	ingest    *ingest.Service
	counters  *counters.Counters
	stream    *stream.Stream
	dlq       DLQReader
	storePing StorePinger
	maxBatch  int
}

// NewHandler creates a Handler. maxBatch bounds events per batch request.
func NewHandler(svc *ingest.Service, c *counters.Counters, s *stream.Stream,
	dlq DLQReader, storePing StorePinger, maxBatch int) *Handler {
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	return &Handler{
		ingest:    svc,
		counters:  c,
		stream:    s,
		dlq:       dlq,
		storePing: storePing,
		maxBatch:  maxBatch,
	}
}

// Top-level request fields, exact case. The JSON decoder matches keys
// case-insensitively, so unknown-field rejection needs its own check:
// a typo like "eventtype" must fail loudly, not bind to eventType.
var eventRequestFields = map[string]struct{}{
	"eventId": {}, "eventType": {}, "userId": {}, "sessionId": {},
	"timestamp": {}, "priority": {}, "metadata": {}, "payload": {},
}

var batchRequestFields = map[string]struct{}{"events": {}}

var errBodyTooLarge = errors.New("request body exceeds the size limit")

// readJSONObject reads the body and returns it along with its raw
// top-level object. Non-object bodies and trailing garbage are rejected
// by the single-document unmarshal.
func readJSONObject(r *http.Request) ([]byte, map[string]json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, nil, err
	}
	if len(data) > maxBodyBytes {
		return nil, nil, errBodyTooLarge
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}
	return data, raw, nil
}

func unknownField(raw map[string]json.RawMessage, allowed map[string]struct{}) error {
	for k := range raw {
		if _, ok := allowed[k]; !ok {
			return fmt.Errorf("unknown field %q", k)
		}
	}
	return nil
}

// decodeRequest reads the body, rejects unknown top-level fields, and
// unmarshals into v. It writes the error response itself and reports
// whether decoding succeeded.
func decodeRequest(rw *ResponseWriter, r *http.Request, allowed map[string]struct{}, v interface{}) (map[string]json.RawMessage, bool) {
	data, raw, err := readJSONObject(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			rw.Error(http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, err.Error())
		} else {
			rw.BadRequest("malformed JSON body: " + err.Error())
		}
		return nil, false
	}
	if err := unknownField(raw, allowed); err != nil {
		rw.ValidationError(err.Error(), nil)
		return nil, false
	}
	if err := json.Unmarshal(data, v); err != nil {
		rw.BadRequest("malformed JSON body: " + err.Error())
		return nil, false
	}
	return raw, true
}

// sourceUser returns the audit identity of the authenticated API key, or
// empty when auth is disabled.
func sourceUser(r *http.Request) string {
	if cred := middleware.CredentialFromContext(r.Context()); cred != nil {
		return cred.UserID
	}
	return ""
}

// IngestEvent handles POST /v1/events.
//
// 202 accepted, 200 duplicate, 400 invalid, 500 backend failure.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req ingest.Request
	if _, ok := decodeRequest(rw, r, eventRequestFields, &req); !ok {
		return
	}

	res, err := h.ingest.Ingest(r.Context(), &req, sourceUser(r))
	if err != nil {
		var verr *validation.RequestValidationError
		if errors.As(err, &verr) {
			rw.ValidationError(verr.First().Error(), verr.Errors())
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("ingest failed")
		rw.Error(http.StatusInternalServerError, ErrCodeIngestionError,
			"event could not be accepted, retry with the same eventId")
		return
	}

	if res.Duplicate {
		rw.Success(res)
		return
	}
	rw.Accepted(res)
}

// batchRequest is the POST /v1/events/batch body.
type batchRequest struct {
	Events []*ingest.Request `json:"events"`
}

// batchResponse summarizes a batch ingest.
type batchResponse struct {
	Accepted   int             `json:"accepted"`
	Duplicates int             `json:"duplicates"`
	Rejected   int             `json:"rejected"`
	Results    []ingest.Result `json:"results"`
}

// IngestBatch handles POST /v1/events/batch. Events succeed or fail
// individually; the call fails as a whole only when the batch itself is
// malformed or a shared backend round-trip fails.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req batchRequest
	raw, ok := decodeRequest(rw, r, batchRequestFields, &req)
	if !ok {
		return
	}
	if len(req.Events) == 0 {
		rw.BadRequest("events array must not be empty")
		return
	}
	if len(req.Events) > h.maxBatch {
		rw.ValidationError(
			"batch exceeds the maximum of "+strconv.Itoa(h.maxBatch)+" events", nil)
		return
	}

	// Unknown-field rejection per event, same exact-case rule as the
	// single-event endpoint.
	var rawEvents []map[string]json.RawMessage
	if err := json.Unmarshal(raw["events"], &rawEvents); err == nil {
		for i, re := range rawEvents {
			if err := unknownField(re, eventRequestFields); err != nil {
				rw.ValidationError(fmt.Sprintf("events[%d]: %s", i, err), nil)
				return
			}
		}
	}

	results, err := h.ingest.IngestBatch(r.Context(), req.Events, sourceUser(r))
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("batch ingest failed")
		rw.Error(http.StatusInternalServerError, ErrCodeIngestionError,
			"batch could not be accepted, retry the batch")
		return
	}

	resp := batchResponse{Results: results}
	for _, res := range results {
		switch {
		case res.Accepted:
			resp.Accepted++
		case res.Duplicate:
			resp.Duplicates++
		default:
			resp.Rejected++
		}
	}
	rw.Accepted(resp)
}

// statsResponse is the GET /v1/events/stats payload.
type statsResponse struct {
	counters.Snapshot
	Stream    stream.Info `json:"stream"`
	DLQ       int64       `json:"dlq_depth"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stats handles GET /v1/events/stats: fleet-wide counters plus stream and
// DLQ depth.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()

	snap, err := h.counters.Snapshot(ctx)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("failed to read counters")
		rw.ServiceUnavailable("stats backend unavailable")
		return
	}

	info, err := h.stream.Info(ctx)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("failed to read stream info")
		rw.ServiceUnavailable("stats backend unavailable")
		return
	}

	resp := statsResponse{Snapshot: snap, Stream: info, Timestamp: time.Now().UTC()}
	if h.dlq != nil {
		if depth, err := h.dlq.Count(ctx); err == nil {
			resp.DLQ = depth
		} else {
			logging.Ctx(ctx).Warn().Err(err).Msg("failed to read dlq depth")
		}
	}
	rw.Success(resp)
}

// DLQList handles GET /v1/dlq: most recent dead-lettered events for
// operator inspection.
func (h *Handler) DLQList(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			rw.BadRequest("limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := h.dlq.List(r.Context(), limit)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("failed to list dlq")
		rw.ServiceUnavailable("dead letter queue unavailable")
		return
	}
	if entries == nil {
		entries = []store.DLQEntry{}
	}
	rw.Success(map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

// HealthLive handles GET /healthz: process liveness only.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

// HealthReady handles GET /readyz: the service is ready when both the
// stream backend and the event store answer.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()

	if _, err := h.stream.Info(ctx); err != nil {
		rw.ServiceUnavailable("stream backend unavailable")
		return
	}
	if h.storePing != nil {
		if err := h.storePing.Ping(ctx); err != nil {
			rw.ServiceUnavailable("event store unavailable")
			return
		}
	}
	rw.Success(map[string]string{"status": "ready"})
}
