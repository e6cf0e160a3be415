// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lausan029/event-processor/internal/store"
)

type fakeCreds struct {
	byHash map[string]*store.Credential
	err    error
}

func (f *fakeCreds) LookupByHash(ctx context.Context, keyHash string) (*store.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	if cred, ok := f.byHash[keyHash]; ok {
		return cred, nil
	}
	return nil, store.ErrCredentialNotFound
}

func authedHandler(t *testing.T, creds CredentialLookup) http.Handler {
	t.Helper()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return APIKeyAuth(creds)(inner)
}

func doAuth(t *testing.T, handler http.Handler, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestAPIKeyAuthMissingKey(t *testing.T) {
	handler := authedHandler(t, &fakeCreds{})

	rec := doAuth(t, handler, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "MISSING_API_KEY", errorCode(t, rec))
}

func TestAPIKeyAuthBadPrefix(t *testing.T) {
	handler := authedHandler(t, &fakeCreds{})

	rec := doAuth(t, handler, "sk_live_wrongprefix")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_API_KEY", errorCode(t, rec))
}

func TestAPIKeyAuthUnknownKey(t *testing.T) {
	handler := authedHandler(t, &fakeCreds{byHash: map[string]*store.Credential{}})

	rec := doAuth(t, handler, "evp_unknown")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_API_KEY", errorCode(t, rec))
}

func TestAPIKeyAuthValidKey(t *testing.T) {
	key := "evp_live_good"
	creds := &fakeCreds{byHash: map[string]*store.Credential{
		store.HashAPIKey(key): {ID: 1, Name: "ingest-client", Active: true},
	}}

	var seen *store.Credential
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CredentialFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := APIKeyAuth(creds)(inner)

	rec := doAuth(t, handler, key)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "ingest-client", seen.Name)
}

func TestAPIKeyAuthRevokedKey(t *testing.T) {
	key := "evp_live_revoked"
	revokedAt := time.Now().Add(-time.Hour)
	handler := authedHandler(t, &fakeCreds{byHash: map[string]*store.Credential{
		store.HashAPIKey(key): {ID: 2, Active: true, RevokedAt: &revokedAt},
	}})

	rec := doAuth(t, handler, key)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_API_KEY", errorCode(t, rec))
}

func TestAPIKeyAuthExpiredKey(t *testing.T) {
	key := "evp_live_expired"
	expiredAt := time.Now().Add(-time.Minute)
	handler := authedHandler(t, &fakeCreds{byHash: map[string]*store.Credential{
		store.HashAPIKey(key): {ID: 3, Active: true, ExpiresAt: &expiredAt},
	}})

	rec := doAuth(t, handler, key)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_API_KEY", errorCode(t, rec))
}

func TestAPIKeyAuthLookupFailure(t *testing.T) {
	handler := authedHandler(t, &fakeCreds{err: errors.New("db down")})

	rec := doAuth(t, handler, "evp_live_good")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", errorCode(t, rec))
}
