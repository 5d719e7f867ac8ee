// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/datagate-io/datagate/pkg/database"
	"github.com/datagate-io/datagate/pkg/endpoints"
	"github.com/datagate-io/datagate/pkg/environments"
	"github.com/datagate-io/datagate/pkg/httperr"
	"github.com/datagate-io/datagate/pkg/logger"
)

// WebhookExecutor persists inbound webhook deliveries into the
// environment's database.
type WebhookExecutor struct {
	pools    *database.Manager
	resolver *environments.Resolver
	now      func() time.Time
}

// NewWebhookExecutor creates an executor over the shared pool manager and
// environment resolver.
func NewWebhookExecutor(pools *database.Manager, resolver *environments.Resolver) *WebhookExecutor {
	return &WebhookExecutor{pools: pools, resolver: resolver, now: time.Now}
}

// Persist stores one delivery. The payload travels verbatim so downstream
// consumers see exactly what the sender posted.
func (e *WebhookExecutor) Persist(ctx context.Context, environment string, def *endpoints.WebhookEndpoint, webhookID string, payload []byte) error {
	record, err := e.resolver.Resolve(ctx, environment)
	if err != nil {
		return err
	}

	pool, err := e.pools.Pool(ctx, record.ConnectionString)
	if err != nil {
		return fmt.Errorf("acquiring pool: %w", err)
	}

	stmt := fmt.Sprintf(
		"INSERT INTO [%s].[%s] ([WebhookId], [Environment], [Payload], [ReceivedAt]) VALUES (@p0, @p1, @p2, @p3)",
		def.Schema, def.Table,
	)
	_, err = pool.ExecContext(ctx, stmt,
		sql.Named("p0", webhookID),
		sql.Named("p1", environment),
		sql.Named("p2", string(payload)),
		sql.Named("p3", e.now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// handleWebhook accepts a delivery addressed to a registered webhook id.
// Unknown ids and ids hidden from the environment answer the same way, so
// senders cannot probe the catalogue.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	environment := chi.URLParam(r, "environment")
	webhookID := chi.URLParam(r, "id")

	def, ok := s.registry.FindWebhook(webhookID)
	if !ok || !def.VisibleIn(environment) {
		httperr.WriteError(w, http.StatusBadRequest, "Unknown webhook id", map[string]any{
			"webhookId": webhookID,
		})
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		httperr.WriteError(w, http.StatusBadRequest, "Invalid JSON body", nil)
		return
	}

	if err := s.webhooks.Persist(r.Context(), environment, def.Webhook, webhookID, body); err != nil {
		if errors.Is(err, environments.ErrEnvironmentUnknown) {
			httperr.WriteError(w, http.StatusBadRequest, "Unknown environment", map[string]any{
				"environment": environment,
			})
			return
		}
		logger.Errorf("Webhook %s persistence failed: %v", webhookID, err)
		httperr.WriteError(w, http.StatusInternalServerError, "Failed to persist webhook", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
