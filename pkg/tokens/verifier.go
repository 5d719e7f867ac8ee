// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/datagate-io/datagate/pkg/logger"
)

// DefaultIndexKey keys the lookup-prefix HMAC when the operator supplies
// none. The prefix is an index, not a secret; overriding the key via
// TOKEN_INDEX_KEY simply partitions token databases between deployments.
var DefaultIndexKey = []byte("datagate/token-index/v1")

// IndexKeyEnv optionally overrides the lookup-prefix HMAC key.
const IndexKeyEnv = "TOKEN_INDEX_KEY"

// lastUsedResolution bounds how often last_used_at is rewritten per token.
const lastUsedResolution = time.Minute

// Verifier authenticates presented bearer secrets against the store.
type Verifier struct {
	store    *Store
	indexKey []byte
	clock    func() time.Time
}

// NewVerifier builds a Verifier. A nil clock means time.Now; an empty
// indexKey falls back to DefaultIndexKey.
func NewVerifier(store *Store, indexKey []byte, clock func() time.Time) *Verifier {
	if len(indexKey) == 0 {
		indexKey = DefaultIndexKey
	}
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{store: store, indexKey: indexKey, clock: clock}
}

// dummyRecord burns one hash derivation on lookups with no candidates so
// response timing does not reveal prefix hits.
var dummyRecord = TokenRecord{
	TokenSalt: make([]byte, saltLength),
	TokenHash: make([]byte, hashLength),
}

// Verify resolves secret to its active token record, or ErrTokenInvalid.
// Store failures are returned as-is so callers fail closed.
func (v *Verifier) Verify(ctx context.Context, secret string) (*TokenRecord, error) {
	if secret == "" {
		return nil, ErrTokenInvalid
	}

	prefix := LookupPrefix(v.indexKey, secret)
	candidates, err := v.store.FindByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}

	now := v.clock()

	// Every candidate is verified; no short-circuit on the first match.
	var matched *TokenRecord
	for i := range candidates {
		candidate := &candidates[i]
		if VerifySecret(candidate, secret) && candidate.Active(now) && matched == nil {
			matched = candidate
		}
	}

	if matched == nil {
		if len(candidates) == 0 {
			VerifySecret(&dummyRecord, secret)
		}
		return nil, ErrTokenInvalid
	}

	v.noteUse(matched, now)
	return matched, nil
}

// noteUse records last_used_at out of band, at most once per
// lastUsedResolution per token. A failure only loses bookkeeping.
func (v *Verifier) noteUse(record *TokenRecord, now time.Time) {
	if record.LastUsedAt != nil && now.Sub(*record.LastUsedAt) < lastUsedResolution {
		return
	}
	id := record.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := v.store.TouchLastUsed(ctx, id, now); err != nil {
			logger.Debugf("Failed to record use of token %d: %v", id, err)
		}
	}()
}

// MintParams describes a token to create.
type MintParams struct {
	Username            string
	AllowedScopes       string
	AllowedEnvironments string
	Description         string
	ExpiresAt           *time.Time
}

// Mint creates a token record and returns the plaintext secret. The secret
// is shown exactly once; only the hash, salt, and lookup prefix persist.
func (v *Verifier) Mint(ctx context.Context, params MintParams) (string, *TokenRecord, error) {
	if params.Username == "" {
		return "", nil, fmt.Errorf("username is required")
	}

	secret, err := NewSecret()
	if err != nil {
		return "", nil, err
	}
	salt, err := NewSalt()
	if err != nil {
		return "", nil, err
	}

	record := &TokenRecord{
		Username:            params.Username,
		TokenHash:           HashSecret(secret, salt),
		TokenSalt:           salt,
		TokenPrefix:         LookupPrefix(v.indexKey, secret),
		CreatedAt:           v.clock().UTC(),
		ExpiresAt:           params.ExpiresAt,
		AllowedScopes:       params.AllowedScopes,
		AllowedEnvironments: params.AllowedEnvironments,
		Description:         params.Description,
	}

	if err := v.store.Create(ctx, record); err != nil {
		return "", nil, err
	}

	return secret, record, nil
}
