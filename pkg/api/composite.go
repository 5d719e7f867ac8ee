// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/datagate-io/datagate/pkg/composer"
	"github.com/datagate-io/datagate/pkg/endpoints"
	"github.com/datagate-io/datagate/pkg/httperr"
	"github.com/datagate-io/datagate/pkg/logger"
)

// handleComposite runs a multi-step flow and returns every step's captured
// result keyed by step name.
func (s *Server) handleComposite(w http.ResponseWriter, r *http.Request) {
	environment := chi.URLParam(r, "environment")
	name := chi.URLParam(r, "endpoint")

	def, ok := s.registry.Lookup(endpoints.KindComposite, name)
	if !ok || !def.VisibleIn(environment) {
		httperr.WriteError(w, http.StatusNotFound, "Endpoint not found", map[string]any{
			"endpoint": name,
		})
		return
	}
	if !def.AllowsMethod(r.Method) {
		httperr.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed", map[string]any{
			"endpoint": name,
			"method":   r.Method,
		})
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		httperr.WriteError(w, http.StatusBadRequest, "Invalid JSON body", nil)
		return
	}

	result, err := s.composite.Execute(r.Context(), environment, def.Composite, body)
	if err != nil {
		writeCompositeError(w, name, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": result.Results,
	})
}

// writeCompositeError maps engine failures onto the response envelope.
// Caller mistakes answer 400, upstream failures answer 502 with the
// upstream's status and body excerpt relayed.
func writeCompositeError(w http.ResponseWriter, name string, err error) {
	var exprErr *composer.ExpressionError
	if errors.As(err, &exprErr) {
		httperr.WriteError(w, http.StatusBadRequest, "Unresolvable template expression", map[string]any{
			"step":       exprErr.Step,
			"field":      exprErr.Field,
			"expression": exprErr.Expression,
		})
		return
	}

	var reqErr *composer.RequestError
	if errors.As(err, &reqErr) {
		httperr.WriteError(w, http.StatusBadRequest, "Invalid composite request", map[string]any{
			"step":   reqErr.Step,
			"reason": reqErr.Reason,
		})
		return
	}

	var stepErr *composer.StepError
	if errors.As(err, &stepErr) {
		httperr.WriteError(w, http.StatusBadGateway, "Composite step failed", map[string]any{
			"step":           stepErr.Name,
			"stepIndex":      stepErr.Index,
			"upstreamStatus": stepErr.Status,
			"upstreamBody":   stepErr.Body,
		})
		return
	}

	if errors.Is(err, context.Canceled) {
		// The client went away; nothing useful to write.
		return
	}

	logger.Errorf("Composite %s failed: %v", name, err)
	httperr.WriteError(w, http.StatusBadGateway, "Upstream request failed", map[string]any{
		"endpoint": name,
	})
}
