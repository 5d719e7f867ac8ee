// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/datagate-io/datagate/pkg/httperr"
	"github.com/datagate-io/datagate/pkg/logger"
	"github.com/datagate-io/datagate/pkg/tokens"
)

// TokenVerifier resolves a bearer secret to its token record.
// *tokens.Verifier is the production implementation.
type TokenVerifier interface {
	Verify(ctx context.Context, secret string) (*tokens.TokenRecord, error)
}

// Gate authenticates requests and enforces environment and endpoint grants
// before they reach the dispatcher.
type Gate struct {
	verifier TokenVerifier
}

// NewGate creates an authentication gate backed by the given verifier.
func NewGate(verifier TokenVerifier) *Gate {
	return &Gate{verifier: verifier}
}

// BypassPath reports whether the path is served without authentication.
// These are the documentation, liveness, and browser-noise surfaces.
func BypassPath(path string) bool {
	switch {
	case path == "/":
		return true
	case strings.HasPrefix(path, "/swagger"):
		return true
	case path == "/index.html":
		return true
	case strings.HasPrefix(path, "/health/live"):
		return true
	case path == "/favicon.ico":
		return true
	case path == "/metrics":
		return true
	}
	return false
}

// Middleware authenticates the request, checks the principal's grants
// against the routed environment and endpoint, and stores the Principal in
// the request context for downstream handlers.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if BypassPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		secret, ok := bearerSecret(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="datagate"`)
			httperr.WriteError(w, http.StatusUnauthorized, "Authentication required", nil)
			return
		}

		record, err := g.verifier.Verify(r.Context(), secret)
		if err != nil {
			if errors.Is(err, tokens.ErrTokenInvalid) || errors.Is(err, tokens.ErrTokenNotFound) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="datagate", error="invalid_token"`)
				httperr.WriteError(w, http.StatusUnauthorized, "Invalid or expired token", nil)
				return
			}
			logger.Errorf("Token verification failed: %v", err)
			httperr.WriteError(w, http.StatusInternalServerError, "Authentication unavailable", nil)
			return
		}

		target := routeTarget(r.URL.Path)
		if target.env != "" && !MatchEnvironment(record.AllowedEnvironments, target.env) {
			httperr.WriteError(w, http.StatusForbidden, "Environment access denied", map[string]any{
				"allowedEnvironments":  record.AllowedEnvironments,
				"requestedEnvironment": target.env,
			})
			return
		}
		if target.endpoint != "" && !MatchScope(record.AllowedScopes, target.endpoint) {
			httperr.WriteError(w, http.StatusForbidden, "Endpoint access denied", map[string]any{
				"availableScopes":   record.AllowedScopes,
				"requestedEndpoint": target.endpoint,
			})
			return
		}

		principal := &Principal{
			TokenID:             record.ID,
			Username:            record.Username,
			AllowedScopes:       record.AllowedScopes,
			AllowedEnvironments: record.AllowedEnvironments,
		}
		recordUsername(r.Context(), record.Username)
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// bearerSecret extracts the opaque secret from the Authorization header.
func bearerSecret(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	secret := strings.TrimSpace(header[len(prefix):])
	return secret, secret != ""
}

// target is the environment and namespaced endpoint a request addresses,
// as the dispatcher will route it.
type target struct {
	env      string
	endpoint string
}

// routeTarget mirrors the dispatcher's path parsing so grants are checked
// against exactly what will be executed. Paths outside the API and webhook
// trees carry no target and only require a valid token.
func routeTarget(path string) target {
	segs := splitPath(path)
	if len(segs) < 2 {
		return target{}
	}
	switch segs[0] {
	case "api":
		t := target{env: segs[1]}
		switch {
		case len(segs) >= 4 && segs[2] == "composite":
			t.endpoint = "composite/" + segs[3]
		case len(segs) >= 3:
			t.endpoint = segs[2]
		}
		return t
	case "webhook":
		if len(segs) >= 3 {
			return target{env: segs[1], endpoint: "webhook/" + segs[2]}
		}
		return target{env: segs[1]}
	}
	return target{}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
