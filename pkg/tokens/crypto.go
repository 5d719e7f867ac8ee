// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the work factor for stored token hashes.
	pbkdf2Iterations = 10_000

	// hashLength is the derived key size in bytes.
	hashLength = 32

	// saltLength is the per-token salt size in bytes.
	saltLength = 16

	// prefixLength is the size of the HMAC lookup prefix in bytes.
	prefixLength = 8

	// secretLength is the random byte count behind a newly minted secret.
	secretLength = 32
)

// HashSecret derives the stored hash for a token secret under salt.
func HashSecret(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, hashLength, sha256.New)
}

// LookupPrefix derives the fixed-key HMAC prefix indexing a secret. The
// prefix only narrows the candidate set; possession is always proven by the
// full hash comparison.
func LookupPrefix(indexKey []byte, secret string) []byte {
	mac := hmac.New(sha256.New, indexKey)
	mac.Write([]byte(secret))
	return mac.Sum(nil)[:prefixLength]
}

// VerifySecret reports whether secret matches the record's stored hash.
// The comparison does not short-circuit on partial equality.
func VerifySecret(record *TokenRecord, secret string) bool {
	computed := HashSecret(secret, record.TokenSalt)
	return subtle.ConstantTimeCompare(computed, record.TokenHash) == 1
}

// NewSalt returns a fresh per-token salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate token salt: %w", err)
	}
	return salt, nil
}

// NewSecret mints a random token secret in URL-safe base64.
func NewSecret() (string, error) {
	raw := make([]byte, secretLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
