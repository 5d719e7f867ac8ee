// Package secrets contains the secret resolution logic for the gateway.
// The only production implementation is the remote secret store reached
// over HTTP; callers needing local fallback compose it themselves.
package secrets

import (
	"context"
	"errors"
)

// Provider describes a type which can resolve named secrets.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// ErrSecretNotFound indicates the store has no secret under the requested name.
var ErrSecretNotFound = errors.New("secret not found")

// ErrPermissionDenied indicates the store rejected the caller's credentials.
var ErrPermissionDenied = errors.New("permission denied by secret store")

// IsNotFoundError checks if an error indicates a secret was not found.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrSecretNotFound)
}

// IsPermissionError checks if an error indicates an authentication or
// authorization failure against the store.
func IsPermissionError(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// Fallthrough reports whether a resolution error should cause the caller to
// try its next source instead of failing outright.
func Fallthrough(err error) bool {
	return IsNotFoundError(err) || IsPermissionError(err)
}
