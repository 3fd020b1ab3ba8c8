// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

// Package hub implements the server side of the push transport: live
// WebSocket connections, their per-entity-type subscription sets, and
// best-effort fan-out of change events to matching subscribers.
package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/clientdeck/clientdeck/internal/changelog"
	"github.com/clientdeck/clientdeck/internal/logging"
	"github.com/clientdeck/clientdeck/internal/metrics"
	"github.com/clientdeck/clientdeck/internal/models"
)

// Mutator applies field mutations arriving over the wire. Satisfied by
// *changefeed.Recorder; declared here so the hub does not depend on the
// feed package.
type Mutator interface {
	RecordFieldUpdate(ctx context.Context, p models.UpdateFieldPayload) (*models.ChangeEvent, error)
	RecordFieldCreate(ctx context.Context, p models.CreateFieldPayload) (*models.ChangeEvent, error)
	RecordFieldDelete(ctx context.Context, p models.DeleteFieldPayload) (*models.ChangeEvent, error)
}

// Hub maintains the set of active connections and their subscriptions and
// fans change events out to subscribers. It holds no persistent state: a
// restart loses all subscriptions and clients are expected to resubscribe
// on reconnect.
type Hub struct {
	store   changelog.Store
	mutator Mutator

	Register   chan *Conn
	Unregister chan *Conn
	broadcast  chan *models.ChangeEvent

	mu    sync.RWMutex
	conns map[*Conn]bool
	// subs maps entity type to the set of subscribed connections.
	// Subscribing is idempotent: the set representation makes a repeated
	// subscribe a no-op.
	subs map[string]map[*Conn]struct{}
}

// New creates a Hub. The store serves sync-request backfills; the mutator
// applies inbound field mutations.
func New(store changelog.Store, mutator Mutator) *Hub {
	return &Hub{
		store:      store,
		mutator:    mutator,
		Register:   make(chan *Conn),
		Unregister: make(chan *Conn),
		broadcast:  make(chan *models.ChangeEvent, 256),
		conns:      make(map[*Conn]bool),
		subs:       make(map[string]map[*Conn]struct{}),
	}
}

// RunWithContext runs the hub loop until ctx is canceled, then closes all
// clients and returns ctx.Err(). Designed for suture supervision.
//
// DETERMINISM: priority-based selection keeps behavior predictable when
// multiple channels are ready: shutdown first, then connection lifecycle,
// then broadcasts. Connection state is always consistent before fan-out.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Priority 1: shutdown (non-blocking check)
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: connection lifecycle (non-blocking check)
		select {
		case c := <-h.Register:
			h.register(c)
			continue
		case c := <-h.Unregister:
			h.unregister(c)
			continue
		default:
		}

		// Priority 3: block until anything happens
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case c := <-h.Register:
			h.register(c)
		case c := <-h.Unregister:
			h.unregister(c)
		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// Publish enqueues a change event for fan-out. Invoked by the change feed
// bridge for every appended event. Non-blocking: if the hub's buffer is
// full the event is dropped from the push path (it remains reachable via
// poll and backfill, which read the store directly).
func (h *Hub) Publish(event *models.ChangeEvent) {
	select {
	case h.broadcast <- event:
	default:
		metrics.HubEventsDropped.Inc()
		logging.Warn().
			Str("event_id", event.EventID).
			Str("entity_type", event.EntityType).
			Msg("hub broadcast buffer full, dropping event from push path")
	}
}

// Subscribe adds the connection to the subscription sets of the given
// entity types. Idempotent.
func (h *Hub) Subscribe(c *Conn, entityTypes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, et := range entityTypes {
		if et == "" {
			continue
		}
		set, ok := h.subs[et]
		if !ok {
			set = make(map[*Conn]struct{})
			h.subs[et] = set
		}
		set[c] = struct{}{}
	}
	logging.Debug().Str("client_id", c.clientID).Strs("entity_types", entityTypes).Msg("client subscribed")
}

// Unsubscribe removes the connection from the given entity types.
func (h *Hub) Unsubscribe(c *Conn, entityTypes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, et := range entityTypes {
		if set, ok := h.subs[et]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, et)
			}
		}
	}
}

// register adds a freshly upgraded connection.
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = true
	total := len(h.conns)
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(total))
	logging.Info().Str("client_id", c.clientID).Int("total_clients", total).Msg("websocket client connected")
}

// unregister removes a connection and its subscriptions.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.removeSubscriptionsLocked(c)
		c.closeSend()
	}
	total := len(h.conns)
	h.mu.Unlock()

	metrics.WSConnections.Set(float64(total))
	logging.Info().Str("client_id", c.clientID).Int("total_clients", total).Msg("websocket client disconnected")
}

// removeSubscriptionsLocked strips c from every subscription set.
// Caller holds h.mu.
func (h *Hub) removeSubscriptionsLocked(c *Conn) {
	for et, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, et)
		}
	}
}

// broadcastEvent delivers one event to every subscriber of its entity type.
// Delivery is best-effort and non-blocking per connection: a connection
// whose send buffer is full is closed and removed without delaying the
// others.
//
// DETERMINISM: subscribers are visited in connection-ID order so delivery
// order is reproducible within a single process run.
func (h *Hub) broadcastEvent(event *models.ChangeEvent) {
	env, err := models.NewEnvelope(event.MessageType(), event)
	if err != nil {
		logging.Error().Err(err).Str("event_id", event.EventID).Msg("failed to encode broadcast envelope")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[event.EntityType]
	if len(set) == 0 {
		return
	}

	targets := make([]*Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	var toRemove []*Conn
	for _, c := range targets {
		select {
		case c.send <- env:
			metrics.WSMessagesSent.WithLabelValues(env.Type).Inc()
		default:
			toRemove = append(toRemove, c)
		}
	}

	for _, c := range toRemove {
		c.closeSend()
		// Stop the read pump too. An evicted connection otherwise keeps
		// reading and would keep trying to enqueue replies.
		if c.sock != nil {
			_ = c.sock.Close()
		}
		delete(h.conns, c)
		h.removeSubscriptionsLocked(c)
		metrics.WSClientsEvicted.Inc()
		logging.Warn().Str("client_id", c.clientID).Msg("evicting slow websocket client")
	}

	metrics.HubEventsBroadcast.WithLabelValues(event.EntityType).Inc()
}

// handleSyncRequest backfills one connection from the change log, covering
// the gap since the client's cursor. The batch goes only to the requesting
// connection.
func (h *Hub) handleSyncRequest(ctx context.Context, c *Conn, p models.SyncRequestPayload) {
	after, err := models.ParseSyncTime(p.LastSync)
	if err != nil {
		c.sendError("invalid lastSync timestamp: " + p.LastSync)
		return
	}

	events, err := h.store.Query(ctx, p.EntityType, after, changelog.DefaultPageSize)
	if err != nil {
		logging.Error().Err(err).Str("client_id", c.clientID).Msg("sync-request query failed")
		c.sendError("sync query failed")
		return
	}

	env, err := models.NewEnvelope(models.MessageTypeSyncResponse, models.SyncResponsePayload{Updates: events})
	if err != nil {
		logging.Error().Err(err).Msg("failed to encode sync-response")
		return
	}
	c.enqueue(env)

	metrics.BackfillRequests.Inc()
	metrics.BackfillEvents.Add(float64(len(events)))
	logging.Debug().
		Str("client_id", c.clientID).
		Str("entity_type", p.EntityType).
		Int("events", len(events)).
		Msg("served sync-request backfill")
}

// shutdown closes all clients and logs the reason.
func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, c := range clients {
		c.closeSend()
		delete(h.conns, c)
	}
	h.subs = make(map[string]map[*Conn]struct{})
	h.mu.Unlock()

	metrics.WSConnections.Set(0)

	reason := "context_canceled"
	if ctx.Err() == context.DeadlineExceeded {
		reason = "context_deadline"
	}
	logging.Info().
		Str("component", "hub").
		Str("reason", reason).
		Int("clients_closed", len(clients)).
		Msg("broadcast hub stopped")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberCount returns how many connections are subscribed to the
// entity type.
func (h *Hub) SubscriberCount(entityType string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[entityType])
}
