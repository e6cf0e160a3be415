// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package event defines the canonical event envelope shared by the
// ingestion service, the stream worker, and the event store.
//
// An Event has a typed header (identity, routing, timing) plus two opaque
// JSON blobs (Metadata, Payload). Workers never look inside the blobs; the
// store persists them verbatim.
package event

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Priority bounds for the event priority field.
const (
	PriorityMin     = 0
	PriorityMax     = 3
	PriorityDefault = 1
)

// Event is the canonical domain entity moving through the pipeline.
//
// EventID is the unit of idempotency: two events carrying the same EventID
// accepted within the dedup window produce exactly one stored record.
type Event struct {
	EventID      string                 `json:"event_id"`
	UserID       string                 `json:"user_id"`
	SessionID    string                 `json:"session_id"`
	EventType    string                 `json:"event_type"`
	Timestamp    time.Time              `json:"timestamp"`
	Priority     int                    `json:"priority"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	IngestedAt   time.Time              `json:"ingested_at"`
	SourceUserID string                 `json:"source_user_id,omitempty"`
}

// Stream field names for the flat key/value encoding used on the wire.
const (
	FieldEventID      = "event_id"
	FieldUserID       = "user_id"
	FieldSessionID    = "session_id"
	FieldEventType    = "event_type"
	FieldTimestamp    = "timestamp"
	FieldPriority     = "priority"
	FieldMetadata     = "metadata"
	FieldPayload      = "payload"
	FieldIngestedAt   = "ingested_at"
	FieldSourceUserID = "source_user_id"
)

// StreamFields encodes the event as the flat map appended to the stream.
// Metadata and Payload are serialized to JSON strings; empty maps are
// omitted to keep entries small.
func (e *Event) StreamFields() (map[string]interface{}, error) {
	fields := map[string]interface{}{
		FieldEventID:    e.EventID,
		FieldUserID:     e.UserID,
		FieldSessionID:  e.SessionID,
		FieldEventType:  e.EventType,
		FieldTimestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		FieldPriority:   strconv.Itoa(e.Priority),
		FieldIngestedAt: e.IngestedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.SourceUserID != "" {
		fields[FieldSourceUserID] = e.SourceUserID
	}
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		fields[FieldMetadata] = string(raw)
	}
	if len(e.Payload) > 0 {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		fields[FieldPayload] = string(raw)
	}
	return fields, nil
}

// FromStreamFields decodes an event from the flat map read off the stream.
// The required header fields must be present and well-formed; a decode
// failure means the entry is poison and should be dead-lettered, not
// retried.
func FromStreamFields(values map[string]interface{}) (*Event, error) {
	e := &Event{}

	var err error
	if e.EventID, err = requireString(values, FieldEventID); err != nil {
		return nil, err
	}
	if e.UserID, err = requireString(values, FieldUserID); err != nil {
		return nil, err
	}
	if e.SessionID, err = requireString(values, FieldSessionID); err != nil {
		return nil, err
	}
	if e.EventType, err = requireString(values, FieldEventType); err != nil {
		return nil, err
	}

	ts, err := requireString(values, FieldTimestamp)
	if err != nil {
		return nil, err
	}
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FieldTimestamp, err)
	}

	e.Priority = PriorityDefault
	if raw, ok := optionalString(values, FieldPriority); ok {
		p, perr := strconv.Atoi(raw)
		if perr != nil || p < PriorityMin || p > PriorityMax {
			return nil, fmt.Errorf("invalid %s: %q", FieldPriority, raw)
		}
		e.Priority = p
	}

	if raw, ok := optionalString(values, FieldIngestedAt); ok {
		if e.IngestedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", FieldIngestedAt, err)
		}
	}

	if raw, ok := optionalString(values, FieldSourceUserID); ok {
		e.SourceUserID = raw
	}
	if raw, ok := optionalString(values, FieldMetadata); ok {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if raw, ok := optionalString(values, FieldPayload); ok {
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	return e, nil
}

func requireString(values map[string]interface{}, key string) (string, error) {
	s, ok := optionalString(values, key)
	if !ok || s == "" {
		return "", fmt.Errorf("missing stream field %q", key)
	}
	return s, nil
}

func optionalString(values map[string]interface{}, key string) (string, bool) {
	v, ok := values[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
