// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCredentialNotFound is returned when no active credential matches.
var ErrCredentialNotFound = errors.New("credential not found")

// Credential is the master record behind an API key. Only the SHA-256
// hash of the key material is stored. UserID is the audit identity
// stamped onto every event the key submits.
type Credential struct {
	ID        int64
	Name      string
	UserID    string
	Role      string
	KeyHash   string
	Active    bool
	RevokedAt *time.Time
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Usable reports whether the credential may authenticate at t: active,
// not revoked, not expired.
func (c *Credential) Usable(t time.Time) bool {
	if !c.Active {
		return false
	}
	if c.RevokedAt != nil && !c.RevokedAt.After(t) {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(t) {
		return false
	}
	return true
}

// CredentialStore looks up API-key master data.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a CredentialStore on the given pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

// HashAPIKey returns the hex SHA-256 digest of raw key material. The same
// function is used at provisioning time and lookup time.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// LookupByHash returns the credential with the given key hash, or
// ErrCredentialNotFound. Revocation and expiry are the caller's check,
// via Usable, so an expired key can still be distinguished from an
// unknown one in logs.
func (c *CredentialStore) LookupByHash(ctx context.Context, keyHash string) (*Credential, error) {
	const q = `
		SELECT id, name, user_id, role, key_hash, active,
		       revoked_at, expires_at, created_at
		FROM api_keys
		WHERE key_hash = $1 AND active`

	var cred Credential
	err := c.pool.QueryRow(ctx, q, keyHash).Scan(
		&cred.ID, &cred.Name, &cred.UserID, &cred.Role, &cred.KeyHash,
		&cred.Active, &cred.RevokedAt, &cred.ExpiresAt, &cred.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	return &cred, nil
}

// Create provisions a credential for the given raw key material and
// returns its record. A zero expiresAt means the key never expires.
func (c *CredentialStore) Create(ctx context.Context, name, userID, role, rawKey string, expiresAt time.Time) (*Credential, error) {
	const q = `
		INSERT INTO api_keys (name, user_id, role, key_hash, active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, true, $5, now())
		RETURNING id, name, user_id, role, key_hash, active,
		          revoked_at, expires_at, created_at`

	var expiresArg interface{}
	if !expiresAt.IsZero() {
		expiresArg = expiresAt
	}

	var cred Credential
	err := c.pool.QueryRow(ctx, q, name, userID, role, HashAPIKey(rawKey), expiresArg).Scan(
		&cred.ID, &cred.Name, &cred.UserID, &cred.Role, &cred.KeyHash,
		&cred.Active, &cred.RevokedAt, &cred.ExpiresAt, &cred.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create credential %s: %w", name, err)
	}
	return &cred, nil
}

// Deactivate revokes a credential. Lookups stop matching immediately.
func (c *CredentialStore) Deactivate(ctx context.Context, id int64) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE api_keys SET active = false, revoked_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate credential %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
