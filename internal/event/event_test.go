// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package event

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() *Event {
	return &Event{
		EventID:    "evt_abc123",
		UserID:     "user-1",
		SessionID:  "sess-1",
		EventType:  "cart.checkout",
		Timestamp:  time.Date(2026, 8, 24, 12, 0, 0, 123456789, time.UTC),
		Priority:   2,
		Metadata:   map[string]interface{}{"source": "web"},
		Payload:    map[string]interface{}{"total": 42.5},
		IngestedAt: time.Date(2026, 8, 24, 12, 0, 1, 0, time.UTC),
	}
}

func TestStreamFieldsRoundTrip(t *testing.T) {
	e := sampleEvent()

	fields, err := e.StreamFields()
	require.NoError(t, err)

	got, err := FromStreamFields(fields)
	require.NoError(t, err)

	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, e.UserID, got.UserID)
	assert.Equal(t, e.SessionID, got.SessionID)
	assert.Equal(t, e.EventType, got.EventType)
	assert.True(t, e.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, e.Priority, got.Priority)
	assert.Equal(t, "web", got.Metadata["source"])
	assert.Equal(t, 42.5, got.Payload["total"])
	assert.True(t, e.IngestedAt.Equal(got.IngestedAt))
}

func TestStreamFieldsOmitsEmptyBlobs(t *testing.T) {
	e := sampleEvent()
	e.Metadata = nil
	e.Payload = map[string]interface{}{}

	fields, err := e.StreamFields()
	require.NoError(t, err)

	_, hasMeta := fields[FieldMetadata]
	_, hasPayload := fields[FieldPayload]
	assert.False(t, hasMeta)
	assert.False(t, hasPayload)
}

func TestFromStreamFieldsMissingRequired(t *testing.T) {
	for _, field := range []string{FieldEventID, FieldUserID, FieldSessionID, FieldEventType, FieldTimestamp} {
		t.Run(field, func(t *testing.T) {
			fields, err := sampleEvent().StreamFields()
			require.NoError(t, err)
			delete(fields, field)

			_, err = FromStreamFields(fields)
			require.Error(t, err)
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestFromStreamFieldsBadPriority(t *testing.T) {
	for _, raw := range []string{"x", "-1", "4"} {
		fields, err := sampleEvent().StreamFields()
		require.NoError(t, err)
		fields[FieldPriority] = raw

		_, err = FromStreamFields(fields)
		assert.Error(t, err, raw)
	}
}

func TestFromStreamFieldsDefaultsPriority(t *testing.T) {
	fields, err := sampleEvent().StreamFields()
	require.NoError(t, err)
	delete(fields, FieldPriority)

	got, err := FromStreamFields(fields)
	require.NoError(t, err)
	assert.Equal(t, PriorityDefault, got.Priority)
}

func TestFromStreamFieldsBadBlobJSON(t *testing.T) {
	fields, err := sampleEvent().StreamFields()
	require.NoError(t, err)
	fields[FieldPayload] = "{not json"

	_, err = FromStreamFields(fields)
	assert.Error(t, err)
}

func TestNewIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.True(t, strings.HasPrefix(id, IDPrefix))
		parts := strings.Split(id, "_")
		require.Len(t, parts, 3)
		assert.Len(t, parts[2], 16, "64-bit hex suffix")
		assert.False(t, seen[id], "ids must be unique")
		seen[id] = true
	}
}

func TestNewConsumerIDFormat(t *testing.T) {
	id := NewConsumerID()
	assert.True(t, strings.HasPrefix(id, "worker-"))
	assert.NotContains(t, id, ".")

	other := NewConsumerID()
	assert.NotEqual(t, id, other, "random suffix must differ")
}
