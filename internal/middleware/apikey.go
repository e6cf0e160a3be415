// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/lausan029/event-processor/internal/logging"
	"github.com/lausan029/event-processor/internal/store"
)

// APIKeyHeader is the header carrying the client's API key.
const APIKeyHeader = "x-api-key"

// apiKeyPrefix is the required prefix of issued key material. Checking it
// before the credential lookup rejects obviously malformed keys without a
// database round-trip.
const apiKeyPrefix = "evp_"

const credentialKey contextKey = "credential"

// CredentialLookup resolves a key hash to an active credential.
// Implemented by store.CredentialStore.
type CredentialLookup interface {
	LookupByHash(ctx context.Context, keyHash string) (*store.Credential, error)
}

// APIKeyAuth authenticates requests by the x-api-key header. Only the
// SHA-256 hash of the presented key ever leaves this middleware.
func APIKeyAuth(creds CredentialLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				writeAuthError(w, r, "MISSING_API_KEY", "x-api-key header is required")
				return
			}
			if !strings.HasPrefix(key, apiKeyPrefix) {
				writeAuthError(w, r, "INVALID_API_KEY", "invalid API key")
				return
			}

			cred, err := creds.LookupByHash(r.Context(), store.HashAPIKey(key))
			if err != nil {
				if errors.Is(err, store.ErrCredentialNotFound) {
					writeAuthError(w, r, "INVALID_API_KEY", "invalid API key")
					return
				}
				logging.Ctx(r.Context()).Error().Err(err).Msg("credential lookup failed")
				writeJSONError(w, http.StatusServiceUnavailable,
					"SERVICE_UNAVAILABLE", "authentication temporarily unavailable",
					logging.RequestIDFromContext(r.Context()))
				return
			}
			if !cred.Usable(time.Now()) {
				// Revoked and expired keys read the same as unknown ones.
				writeAuthError(w, r, "INVALID_API_KEY", "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), credentialKey, cred)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CredentialFromContext returns the authenticated credential, if any.
func CredentialFromContext(ctx context.Context) *store.Credential {
	if cred, ok := ctx.Value(credentialKey).(*store.Credential); ok {
		return cred
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, r *http.Request, code, message string) {
	writeJSONError(w, http.StatusUnauthorized, code, message,
		logging.RequestIDFromContext(r.Context()))
}

// writeJSONError emits the standard response envelope. Duplicated from
// the api package to keep the middleware free of a dependency on it.
func writeJSONError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":       code,
			"message":    message,
			"request_id": requestID,
		},
	})
}
