// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submission struct {
	EventType string `validate:"required,max=100,event_type"`
	UserID    string `validate:"required,min=1,max=128"`
	Timestamp string `validate:"required,rfc3339"`
	Priority  int    `validate:"gte=0,lte=3"`
}

func valid() submission {
	return submission{
		EventType: "page.view",
		UserID:    "user-1",
		Timestamp: "2026-08-24T12:00:00Z",
		Priority:  1,
	}
}

func TestValidateStructPasses(t *testing.T) {
	assert.Nil(t, ValidateStruct(valid()))
}

func TestEventTypeValidator(t *testing.T) {
	good := []string{"a", "page.view", "cart_checkout", "A-b.c_d", "Signup2"}
	for _, et := range good {
		s := valid()
		s.EventType = et
		assert.Nil(t, ValidateStruct(s), et)
	}

	bad := []string{"", "9starts", "_leading", ".dot", "has space", "emoji🎉"}
	for _, et := range bad {
		s := valid()
		s.EventType = et
		assert.NotNil(t, ValidateStruct(s), et)
	}
}

func TestRFC3339Validator(t *testing.T) {
	good := []string{"2026-08-24T12:00:00Z", "2026-08-24T12:00:00+02:00"}
	for _, ts := range good {
		s := valid()
		s.Timestamp = ts
		assert.Nil(t, ValidateStruct(s), ts)
	}

	bad := []string{"2026-08-24", "yesterday", "1692878400"}
	for _, ts := range bad {
		s := valid()
		s.Timestamp = ts
		assert.NotNil(t, ValidateStruct(s), ts)
	}
}

func TestErrorTranslation(t *testing.T) {
	s := valid()
	s.EventType = ""
	s.Priority = 9

	verr := ValidateStruct(s)
	require.NotNil(t, verr)
	require.Len(t, verr.Errors(), 2)

	first := verr.First()
	require.NotNil(t, first)
	assert.Equal(t, "EventType", first.Field())
	assert.Equal(t, "required", first.Tag())
	assert.Contains(t, first.Error(), "required")

	assert.Contains(t, verr.Error(), "Priority")
	assert.Contains(t, verr.Error(), "; ")
}

func TestMinMaxMessages(t *testing.T) {
	s := valid()
	s.UserID = ""
	verr := ValidateStruct(s)
	require.NotNil(t, verr)
	assert.Contains(t, verr.Error(), "required")

	type capped struct {
		Name string `validate:"max=3"`
	}
	verr = ValidateStruct(capped{Name: "toolong"})
	require.NotNil(t, verr)
	assert.Contains(t, verr.Error(), "at most 3 characters")
}
