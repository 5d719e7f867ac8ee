// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the gateway's bearer-token authentication and
// scope-based authorization gate.
package auth

import "context"

// Principal is the authenticated caller of a request.
type Principal struct {
	TokenID  int64
	Username string

	// AllowedScopes and AllowedEnvironments are the grant CSVs copied from
	// the token record. Empty means unrestricted.
	AllowedScopes       string
	AllowedEnvironments string
}

// PrincipalContextKey is the key used to store the Principal in the request
// context. Using an empty struct as the key prevents collisions with context
// keys from other packages.
type PrincipalContextKey struct{}

// WithPrincipal stores a Principal in the context.
// If p is nil, the original context is returned unchanged.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, PrincipalContextKey{}, p)
}

// PrincipalFromContext retrieves the Principal set by the auth middleware.
// Returns the principal and true if present, nil and false otherwise.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey{}).(*Principal)
	return p, ok
}

// Username returns the principal's username, or "anonymous" for requests
// that reached the handler through an auth bypass path.
func Username(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok && p.Username != "" {
		return p.Username
	}
	return "anonymous"
}

// usernameRecorder is a context slot filled by the gate on successful
// verification. Logging middleware that runs outside the gate arms the slot
// before the gate executes and reads it after the handler returns.
type usernameRecorder struct {
	name string
}

type usernameRecorderKey struct{}

// WithUsernameRecorder arms ctx with a slot for the verified username.
func WithUsernameRecorder(ctx context.Context) context.Context {
	return context.WithValue(ctx, usernameRecorderKey{}, &usernameRecorder{})
}

// recordUsername fills the slot, if armed.
func recordUsername(ctx context.Context, name string) {
	if rec, ok := ctx.Value(usernameRecorderKey{}).(*usernameRecorder); ok {
		rec.name = name
	}
}

// RecordedUsername returns the username captured by the slot, or "anonymous"
// when the request never passed verification.
func RecordedUsername(ctx context.Context) string {
	if rec, ok := ctx.Value(usernameRecorderKey{}).(*usernameRecorder); ok && rec.name != "" {
		return rec.name
	}
	return "anonymous"
}
