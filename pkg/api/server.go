// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

// Package api contains the gateway's HTTP surface: the middleware chain,
// the dispatch routes, and the executors behind them.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/datagate-io/datagate/pkg/auth"
	"github.com/datagate-io/datagate/pkg/composer"
	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/database"
	"github.com/datagate-io/datagate/pkg/endpoints"
	"github.com/datagate-io/datagate/pkg/environments"
	"github.com/datagate-io/datagate/pkg/logger"
	"github.com/datagate-io/datagate/pkg/networking"
	"github.com/datagate-io/datagate/pkg/proxy"
	"github.com/datagate-io/datagate/pkg/ratelimit"
	"github.com/datagate-io/datagate/pkg/telemetry"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readHeaderTimeout     = 10 * time.Second

	// maxBodyBytes caps webhook, SQL write, and composite request bodies.
	// Proxied bodies stream through untouched.
	maxBodyBytes = 1 << 20
)

// Config carries the server's listen address and request policy.
type Config struct {
	Host string
	Port int

	// RequestTimeout bounds each request end to end. Zero means the
	// default.
	RequestTimeout time.Duration
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Server wires the middleware chain and the executors over the shared
// collaborators.
type Server struct {
	cfg      *Config
	settings *config.Settings
	registry *endpoints.Registry
	resolver *environments.Resolver
	pools    *database.Manager

	gate      *auth.Gate
	limiter   *ratelimit.Limiter
	metrics   *telemetry.Metrics
	sql       *SQLExecutor
	proxies   *proxy.Executor
	webhooks  *WebhookExecutor
	composite *composer.Engine
}

// New assembles a Server from its collaborators. The verifier authenticates
// bearer tokens; pools and resolver serve the SQL and webhook executors.
func New(
	cfg *Config,
	settings *config.Settings,
	registry *endpoints.Registry,
	resolver *environments.Resolver,
	verifier auth.TokenVerifier,
	pools *database.Manager,
) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	client, err := networking.NewHttpClientBuilder().Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream HTTP client: %w", err)
	}

	metrics := telemetry.NewMetrics()
	metrics.RegisterPoolStats(pools)

	return &Server{
		cfg:      cfg,
		settings: settings,
		registry: registry,
		resolver: resolver,
		pools:    pools,

		gate:      auth.NewGate(verifier),
		limiter:   ratelimit.New(settings.RateLimiting, ratelimit.WithNotify(metrics.RecordRateLimited)),
		metrics:   metrics,
		sql:       NewSQLExecutor(pools, resolver),
		proxies:   proxy.NewExecutor(client.Transport),
		webhooks:  NewWebhookExecutor(pools, resolver),
		composite: composer.NewEngine(registry, client),
	}, nil
}

// Router builds the complete handler chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		requestIDHeader,
		s.hostFilter,
		s.metrics.Middleware,
	)
	if s.settings.RequestTrafficLogging {
		r.Use(trafficLogging)
	}
	r.Use(
		middleware.Timeout(s.cfg.RequestTimeout),
		s.limiter.Middleware,
		s.gate.Middleware,
	)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w, r.Method)
	})

	r.Get("/", s.handleRoot)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health", s.handleHealth)
	r.Get("/health/details", s.handleHealthDetails)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api/{environment}", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.HandleFunc("/composite/{endpoint}", s.handleComposite)
		r.HandleFunc("/{endpoint}", s.handleEndpoint)
		r.HandleFunc("/{endpoint}/*", s.handleEndpoint)
	})

	r.Post("/webhook/{environment}/{id}", s.handleWebhook)

	return r
}

// Serve runs the server until ctx is cancelled, then drains in-flight
// requests. The caller sets up signal handling.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              s.cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}

	logger.Infof("Starting gateway on %s", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infof("Gateway stopped")
	return nil
}

// handleRoot serves the unauthenticated banner at /.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   "datagate",
		"status": "ok",
	})
}
