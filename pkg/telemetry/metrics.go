// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes gateway metrics in Prometheus format.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datagate-io/datagate/pkg/database"
)

const namespace = "datagate"

// Metrics holds the gateway's collectors on a dedicated registry so tests
// and embedders never clash with the global one.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
}

// NewMetrics creates the registry and registers the gateway collectors
// alongside the standard Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency, by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by budget.",
		}, []string{"budget"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Gatherer returns the metrics registry for scraping.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRateLimited counts one rejected request against the named budget.
func (m *Metrics) RecordRateLimited(budget string) {
	m.rateLimited.WithLabelValues(budget).Inc()
}

// PoolStatser reports connection pool counters. *database.Manager satisfies
// it.
type PoolStatser interface {
	Status() []database.PoolStatus
}

// RegisterPoolStats exposes per-pool gauges drawn from stats on each scrape.
func (m *Metrics) RegisterPoolStats(stats PoolStatser) {
	m.registry.MustRegister(newPoolCollector(stats))
}

// Middleware records a request counter and a latency sample for every
// request. Routes are labelled by chi pattern so cardinality stays bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// poolCollector translates pool status snapshots into gauges at scrape time.
type poolCollector struct {
	stats PoolStatser

	open      *prometheus.Desc
	inUse     *prometheus.Desc
	idle      *prometheus.Desc
	waitCount *prometheus.Desc
}

func newPoolCollector(stats PoolStatser) *poolCollector {
	labels := []string{"pool"}
	return &poolCollector{
		stats: stats,
		open: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "pool_open_connections"),
			"Open connections in the pool.", labels, nil),
		inUse: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "pool_in_use_connections"),
			"Connections currently in use.", labels, nil),
		idle: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "pool_idle_connections"),
			"Idle connections in the pool.", labels, nil),
		waitCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db", "pool_wait_total"),
			"Total number of connection waits.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.inUse
	ch <- c.idle
	ch <- c.waitCount
}

// Collect implements prometheus.Collector.
func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.stats.Status() {
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(s.Open), s.Key)
		ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse), s.Key)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle), s.Key)
		ch <- prometheus.MustNewConstMetric(c.waitCount, prometheus.CounterValue, float64(s.WaitCount), s.Key)
	}
}
