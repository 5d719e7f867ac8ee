// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

// Package tokens persists and verifies the gateway's opaque bearer tokens.
// Token secrets are never stored; a record carries the PBKDF2 hash, the
// per-token salt, and a fixed-key HMAC prefix used to index lookups.
package tokens

import (
	"errors"
	"time"
)

var (
	// ErrTokenNotFound is returned when a requested token record does not exist.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenInvalid is returned when a presented secret matches no active token.
	ErrTokenInvalid = errors.New("invalid or expired token")
)

// TokenRecord is a persisted API token.
type TokenRecord struct {
	ID          int64
	Username    string
	TokenHash   []byte
	TokenSalt   []byte
	TokenPrefix []byte
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	LastUsedAt  *time.Time

	// AllowedScopes is a CSV of endpoint names, trailing-* globs, or *.
	// Empty means unrestricted; records written before scoping existed
	// carry no scopes and keep their full access.
	AllowedScopes string

	// AllowedEnvironments is a CSV over environment names with the same
	// matching rules and the same empty-means-unrestricted reading.
	AllowedEnvironments string

	Description string
}

// Active reports whether the record may authenticate requests at now.
func (r *TokenRecord) Active(now time.Time) bool {
	if r.RevokedAt != nil && !now.Before(*r.RevokedAt) {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}
