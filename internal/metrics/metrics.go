// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

// Package metrics provides Prometheus collectors for the sync service,
// exposed at /metrics in Prometheus text format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocket connection metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Current number of connected WebSocket clients",
		},
	)

	WSMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_messages_sent_total",
			Help: "Total WebSocket messages sent to clients",
		},
		[]string{"type"},
	)

	WSMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_messages_dropped_total",
			Help: "Messages dropped because a client send buffer was full",
		},
	)

	WSClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_clients_evicted_total",
			Help: "Clients disconnected by the hub after a failed send",
		},
	)

	// Change feed metrics
	FeedEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "changefeed_events_published_total",
			Help: "Change events published to the in-process feed",
		},
	)

	HubEventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_broadcast_total",
			Help: "Change events fanned out by the hub",
		},
		[]string{"entity_type"},
	)

	HubEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_events_dropped_total",
			Help: "Change events dropped because the hub broadcast buffer was full",
		},
	)

	// Backfill metrics
	BackfillRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_backfill_requests_total",
			Help: "sync-request backfills served over WebSocket",
		},
	)

	BackfillEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_backfill_events_total",
			Help: "Change events delivered via sync-request backfill",
		},
	)

	// Poll endpoint metrics
	PollRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_poll_requests_total",
			Help: "Poll sync requests served",
		},
		[]string{"status"},
	)

	// Client library metrics (exported when the client runs in-process
	// with a Prometheus registry, e.g. desktop agents)
	ClientReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_client_reconnects_total",
			Help: "Reconnect attempts made by the push transport client",
		},
	)

	ClientFailovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_client_failovers_total",
			Help: "Transport failovers from push to poll",
		},
	)

	ClientPollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_client_poll_cycles_total",
			Help: "Poll cycles executed by the fallback transport",
		},
		[]string{"status"},
	)

	// Circuit breaker state: 0=closed, 1=half-open, 2=open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// HTTP server metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, by route pattern and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency, by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_active_requests",
			Help: "HTTP requests currently in flight",
		},
	)
)
