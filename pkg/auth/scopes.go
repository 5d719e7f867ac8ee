// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package auth

import "strings"

// MatchScope reports whether the grant CSV covers the named endpoint.
//
// An empty CSV grants everything. Each entry matches when it is "*", equals
// the name case-insensitively, or ends with "*" and the remaining prefix
// matches case-insensitively. Composite endpoints are namespaced as
// "composite/<name>" and webhook endpoints as "webhook/<name>", so a grant
// of "composite/*" covers every composite but no plain endpoint.
func MatchScope(grantCSV, name string) bool {
	entries := splitCSV(grantCSV)
	if len(entries) == 0 {
		return true
	}
	for _, entry := range entries {
		if matchEntry(entry, name) {
			return true
		}
	}
	return false
}

// MatchEnvironment reports whether the grant CSV covers the environment.
// Environment grants use the same entry syntax as endpoint scopes.
func MatchEnvironment(grantCSV, env string) bool {
	return MatchScope(grantCSV, env)
}

func matchEntry(entry, name string) bool {
	if entry == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(entry, "*"); ok {
		return len(name) >= len(prefix) && strings.EqualFold(name[:len(prefix)], prefix)
	}
	return strings.EqualFold(entry, name)
}

func splitCSV(csv string) []string {
	var entries []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			entries = append(entries, part)
		}
	}
	return entries
}
