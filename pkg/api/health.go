// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"sort"
)

// handleLiveness answers as soon as the process serves traffic. No
// dependencies are consulted, so orchestrators can probe it without a token.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports the aggregate state of every active database pool.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.pools.HealthCheck(r.Context())
	for _, err := range checks {
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// dependencyHealth is one entry in the detailed report.
type dependencyHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// handleHealthDetails reports each pool individually plus the resolver and
// registry state, for operators chasing a failing environment.
func (s *Server) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	checks := s.pools.HealthCheck(r.Context())

	pools := make([]dependencyHealth, 0, len(checks))
	healthy := true
	for key, err := range checks {
		entry := dependencyHealth{Name: key, Healthy: err == nil}
		if err != nil {
			entry.Error = err.Error()
			healthy = false
		}
		pools = append(pools, entry)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"pools":        pools,
		"environments": s.resolver.CachedEnvironments(),
		"endpoints":    s.registry.Counts(),
	})
}
