// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clientdeck/clientdeck/internal/logging"
	"github.com/clientdeck/clientdeck/internal/metrics"
	"github.com/clientdeck/clientdeck/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

// connIDCounter generates unique, monotonically increasing IDs.
// DETERMINISM: lets the hub sort connections into a stable fan-out order.
var connIDCounter atomic.Uint64

// Conn is the middleman between one websocket connection and the hub.
type Conn struct {
	// id orders connections deterministically within a process run.
	id       uint64
	clientID string
	hub      *Hub
	sock     *websocket.Conn
	send     chan models.Envelope

	// mu guards closed. The hub closes send from its own goroutine while
	// the read pump keeps enqueueing replies, so every close and every
	// enqueue must agree on whether the channel is still open.
	mu     sync.Mutex
	closed bool
}

// NewConn wraps an upgraded websocket connection. clientID is the opaque
// identity acknowledged to the client in the connected message.
func NewConn(h *Hub, sock *websocket.Conn, clientID string) *Conn {
	return &Conn{
		id:       connIDCounter.Add(1),
		clientID: clientID,
		hub:      h,
		sock:     sock,
		send:     make(chan models.Envelope, 256),
	}
}

// ClientID returns the connection's assigned identity.
func (c *Conn) ClientID() string {
	return c.clientID
}

// Start acknowledges the connection and begins reading and writing.
// Call after registering with the hub.
func (c *Conn) Start() {
	ack, err := models.NewEnvelope(models.MessageTypeConnected, models.ConnectedPayload{ClientID: c.clientID})
	if err == nil {
		c.enqueue(ack)
	}
	go c.writePump()
	go c.readPump()
}

// enqueue attempts a non-blocking send to the client's buffer. A full
// buffer drops the message; the hub's fan-out path handles eviction.
// Enqueues after the hub has closed the connection are silently dropped.
func (c *Conn) enqueue(env models.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- env:
	default:
		metrics.WSMessagesDropped.Inc()
		logging.Warn().Str("client_id", c.clientID).Str("type", env.Type).Msg("client send buffer full, dropping message")
	}
}

// closeSend closes the send channel exactly once and marks the connection
// so later enqueues from the read pump become no-ops.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// sendError reports an application error to this connection only.
func (c *Conn) sendError(msg string) {
	env, err := models.NewEnvelope(models.MessageTypeError, models.ErrorPayload{Error: msg})
	if err != nil {
		return
	}
	c.enqueue(env)
}

// readPump reads envelopes from the socket and dispatches them until the
// connection errors or closes.
func (c *Conn) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.sock.Close()
	}()

	c.sock.SetReadLimit(maxMessageSize)
	if err := c.sock.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env models.Envelope
		if err := c.sock.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Str("client_id", c.clientID).Msg("unexpected websocket close")
			}
			return
		}
		c.dispatch(env)
	}
}

// dispatch routes one inbound envelope by type. Unknown types are logged
// and ignored so newer clients never take down older servers.
func (c *Conn) dispatch(env models.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case models.MessageTypeSubscribe:
		var p models.SubscribePayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.Subscribe(c, p.EntityTypes)

	case models.MessageTypeUnsubscribe:
		var p models.SubscribePayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.Unsubscribe(c, p.EntityTypes)

	case models.MessageTypeSyncRequest:
		var p models.SyncRequestPayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.handleSyncRequest(ctx, c, p)

	case models.MessageTypePing:
		pong, err := models.NewEnvelope(models.MessageTypePong, nil)
		if err == nil {
			c.enqueue(pong)
		}

	case models.MessageTypeUpdateField:
		var p models.UpdateFieldPayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(err.Error())
			return
		}
		c.applyMutation(func() error {
			_, err := c.hub.mutator.RecordFieldUpdate(ctx, p)
			return err
		})

	case models.MessageTypeCreateField:
		var p models.CreateFieldPayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(err.Error())
			return
		}
		c.applyMutation(func() error {
			_, err := c.hub.mutator.RecordFieldCreate(ctx, p)
			return err
		})

	case models.MessageTypeDeleteField:
		var p models.DeleteFieldPayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(err.Error())
			return
		}
		c.applyMutation(func() error {
			_, err := c.hub.mutator.RecordFieldDelete(ctx, p)
			return err
		})

	default:
		logging.Debug().Str("client_id", c.clientID).Str("type", env.Type).Msg("ignoring unknown message type")
	}
}

// applyMutation runs a recorder call and reports failure to this
// connection only. Successful mutations reach subscribers (including this
// one) through the change feed, not through a direct reply.
func (c *Conn) applyMutation(record func() error) {
	if c.hub.mutator == nil {
		c.sendError("mutations are not enabled on this server")
		return
	}
	if err := record(); err != nil {
		c.sendError(err.Error())
	}
}

// writePump writes queued envelopes to the socket and keeps the
// connection alive with periodic pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				// The hub closed the channel.
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteJSON(env); err != nil {
				logging.Error().Err(err).Str("client_id", c.clientID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
