// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/datagate-io/datagate/pkg/endpoints"
	"github.com/datagate-io/datagate/pkg/httperr"
)

// handleEndpoint routes /api/{environment}/{endpoint}[/{tail}] to the SQL or
// proxy executor. SQL endpoints shadow proxy endpoints of the same name.
// Endpoints hidden from the environment look identical to unknown ones.
func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	environment := chi.URLParam(r, "environment")
	name := chi.URLParam(r, "endpoint")
	tail := chi.URLParam(r, "*")

	if def, ok := s.registry.Lookup(endpoints.KindSQL, name); ok && def.VisibleIn(environment) {
		s.sql.Handle(w, r, def, environment, tail)
		return
	}
	if def, ok := s.registry.Lookup(endpoints.KindProxy, name); ok && def.VisibleIn(environment) {
		s.proxies.Handle(w, r, def, environment, tail)
		return
	}

	httperr.WriteError(w, http.StatusNotFound, "Endpoint not found", map[string]any{
		"endpoint": name,
	})
}

// listedEndpoint is one catalogue entry of the listing response.
type listedEndpoint struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// listedKinds are the kinds shown by the listing endpoint, in display order.
var listedKinds = []endpoints.Kind{
	endpoints.KindSQL,
	endpoints.KindProxy,
	endpoints.KindComposite,
	endpoints.KindWebhooks,
	endpoints.KindFiles,
}

// handleList serves GET /api/{environment}: the endpoints visible in that
// environment, excluding private ones.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	environment := chi.URLParam(r, "environment")

	items := make([]listedEndpoint, 0)
	for _, kind := range listedKinds {
		for _, def := range s.registry.List(kind) {
			if def.IsPrivate() || !def.VisibleIn(environment) {
				continue
			}
			items = append(items, listedEndpoint{Name: def.Name, Kind: string(def.Kind)})
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].Kind < items[j].Kind
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"environment": environment,
		"endpoints":   items,
	})
}
