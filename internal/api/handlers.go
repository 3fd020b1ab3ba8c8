// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

// Package api provides the HTTP surface of the sync service: the
// WebSocket upgrade endpoint, the poll fallback endpoint, the mutation
// recording endpoint, and health checks.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/clientdeck/clientdeck/internal/auth"
	"github.com/clientdeck/clientdeck/internal/changefeed"
	"github.com/clientdeck/clientdeck/internal/changelog"
	"github.com/clientdeck/clientdeck/internal/config"
	"github.com/clientdeck/clientdeck/internal/hub"
	"github.com/clientdeck/clientdeck/internal/logging"
	"github.com/clientdeck/clientdeck/internal/metrics"
	"github.com/clientdeck/clientdeck/internal/models"
)

// Handler holds the dependencies of all HTTP handlers.
type Handler struct {
	cfg      *config.Config
	store    changelog.Store
	recorder *changefeed.Recorder
	hub      *hub.Hub
	verifier *auth.Verifier
}

// NewHandler creates the handler set.
func NewHandler(cfg *config.Config, store changelog.Store, recorder *changefeed.Recorder, h *hub.Hub, verifier *auth.Verifier) *Handler {
	return &Handler{cfg: cfg, store: store, recorder: recorder, hub: h, verifier: verifier}
}

// syncResponse is the poll endpoint's response body. ServerTime becomes
// the client's next cursor; Data is ascending by occurred_at and capped
// at the store page size.
type syncResponse struct {
	Success    bool                 `json:"success"`
	Data       []models.ChangeEvent `json:"data"`
	ServerTime string               `json:"server_time"`
}

// Sync serves the poll fallback transport:
//
//	GET /api/v1/sync?action=sync&last_sync=<timestamp>&entity_type=<type>
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("action") != "sync" {
		metrics.PollRequests.WithLabelValues("bad_request").Inc()
		respondError(w, http.StatusBadRequest, "unsupported action")
		return
	}

	if _, err := h.verifier.FromRequest(r); err != nil {
		metrics.PollRequests.WithLabelValues("unauthorized").Inc()
		respondError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	after, err := models.ParseSyncTime(r.URL.Query().Get("last_sync"))
	if err != nil {
		metrics.PollRequests.WithLabelValues("bad_request").Inc()
		respondError(w, http.StatusBadRequest, "invalid last_sync timestamp")
		return
	}
	entityType := r.URL.Query().Get("entity_type")

	// ServerTime is read before the query so a concurrent append between
	// query and response cannot be skipped by the advancing cursor.
	serverTime := h.store.ServerTime()

	events, err := h.store.Query(r.Context(), entityType, after, changelog.DefaultPageSize)
	if err != nil {
		metrics.PollRequests.WithLabelValues("error").Inc()
		logging.Error().Err(err).Msg("poll sync query failed")
		respondError(w, http.StatusInternalServerError, "sync query failed")
		return
	}

	metrics.PollRequests.WithLabelValues("ok").Inc()
	respondJSON(w, http.StatusOK, syncResponse{
		Success:    true,
		Data:       events,
		ServerTime: serverTime.Format(time.RFC3339Nano),
	})
}

// recordEventRequest is the body of POST /api/v1/events, the path
// business-logic mutation handlers use to record and broadcast a change.
type recordEventRequest struct {
	EntityType    string                        `json:"entity_type"`
	EntityID      string                        `json:"entity_id"`
	Action        string                        `json:"action"`
	ChangedFields map[string]models.FieldChange `json:"changed_fields,omitempty"`
	ChangedBy     string                        `json:"changed_by,omitempty"`
}

// RecordEvent appends a change event to the log and publishes it to the
// change feed.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.FromRequest(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	var req recordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event := models.NewChangeEvent(req.EntityType, req.EntityID, req.Action)
	event.ChangedFields = req.ChangedFields
	event.ChangedBy = req.ChangedBy
	if event.ChangedBy == "" {
		event.ChangedBy = identity.Subject
	}

	if err := h.recorder.Record(r.Context(), event); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success":  true,
		"event_id": event.EventID,
	})
}

// WebSocket upgrades the connection and hands it to the broadcast hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.FromRequest(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := hub.NewConn(h.hub, sock, identity.ClientID)
	h.hub.Register <- c
	c.Start()
}

// checkOrigin validates the Origin header against configured origins.
// Requests without an Origin header are allowed: browser WebSockets
// always set one, so its absence means a non-browser client.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("websocket connection rejected from unauthorized origin")
	return false
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports readiness: the store must answer a query.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.Query(r.Context(), "", h.store.ServerTime(), 1); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": h.hub.ClientCount(),
	})
}
