// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clientdeck/clientdeck/internal/logging"
	"github.com/clientdeck/clientdeck/internal/metrics"
	"github.com/clientdeck/clientdeck/internal/models"
)

var (
	// ErrReconnectExhausted is reported to OnTerminal once the reconnect
	// budget is spent. The manager makes no further attempts after this.
	ErrReconnectExhausted = errors.New("syncclient: reconnect attempts exhausted")

	// ErrNotConnected is returned by send operations while no connection
	// is established.
	ErrNotConnected = errors.New("syncclient: not connected")

	// ErrClosed is returned once Disconnect has been called.
	ErrClosed = errors.New("syncclient: connection manager closed")
)

// State is the connection manager lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Socket is the minimal websocket surface the manager needs. Production
// code uses the gorilla-backed implementation from Dial; tests substitute
// an in-memory fake.
type Socket interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer establishes a Socket to the given websocket URL.
type Dialer interface {
	DialContext(ctx context.Context, rawURL string) (Socket, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WebSocketDialer) DialContext(ctx context.Context, rawURL string) (Socket, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout:  timeout,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSocket) ReadJSON(v interface{}) error {
	return s.conn.ReadJSON(v)
}

func (s *wsSocket) WriteJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// WebSocketURL converts an HTTP base URL into the sync websocket endpoint,
// converting the scheme and attaching the token as a query parameter.
func WebSocketURL(baseURL, token string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	scheme := "ws"
	if parsed.Scheme == "https" || parsed.Scheme == "wss" {
		scheme = "wss"
	}

	wsURL := &url.URL{Scheme: scheme, Host: parsed.Host, Path: "/api/v1/ws"}
	if token != "" {
		q := wsURL.Query()
		q.Set("access_token", token)
		wsURL.RawQuery = q.Encode()
	}
	return wsURL.String(), nil
}

// ConnConfig configures a ConnManager. Zero-value durations and counts get
// the documented defaults.
type ConnConfig struct {
	// URL is the full websocket endpoint, see WebSocketURL.
	URL string

	Dialer Dialer
	Clock  Clock

	// ConnectTimeout bounds a single dial attempt. Default 10s.
	ConnectTimeout time.Duration

	// HeartbeatInterval is the application-level ping cadence. Default 30s.
	HeartbeatInterval time.Duration

	// BaseDelay is the first reconnect delay; each further attempt doubles
	// it. Default 1s.
	BaseDelay time.Duration

	// MaxReconnectAttempts bounds the reconnect loop before OnTerminal
	// fires. Default 10.
	MaxReconnectAttempts int

	// OnMessage receives change events and sync-response batches. Lifecycle
	// messages (connected, pong, error) are consumed by the manager.
	OnMessage func(models.Envelope)

	// OnError receives transient failures: dropped connections, failed
	// reconnect attempts, server-reported errors.
	OnError func(error)

	// OnTerminal fires once when the reconnect budget is exhausted.
	OnTerminal func(error)
}

func (c *ConnConfig) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = &WebSocketDialer{HandshakeTimeout: c.ConnectTimeout}
	}
	if c.Clock == nil {
		c.Clock = NewClock()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
}

// ConnManager owns one logical websocket connection to the sync server:
// dialing, the read and heartbeat loops, exponential-backoff reconnection,
// and replay of the subscription set after a reconnect. All callbacks are
// invoked from the manager's goroutines; they must not call Disconnect.
type ConnManager struct {
	cfg ConnConfig

	mu           sync.Mutex
	state        State
	closed       bool
	sock         Socket
	gen          chan struct{} // closed when the current connection ends
	attempts     int
	reconnecting bool
	clientID     string
	subscribed   map[string]struct{}
	lastActivity time.Time

	done chan struct{} // closed by Disconnect
	wg   sync.WaitGroup
}

// NewConnManager creates a manager in the disconnected state.
func NewConnManager(cfg ConnConfig) *ConnManager {
	cfg.applyDefaults()
	return &ConnManager{
		cfg:        cfg,
		state:      StateDisconnected,
		subscribed: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *ConnManager) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the server-assigned identity from the connected ack,
// empty until the ack arrives.
func (c *ConnManager) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Connect dials the server and starts the read and heartbeat loops.
// Returns nil immediately when already connected or connecting. A dial
// failure leaves the manager disconnected; it does not start the
// reconnect loop, that only runs when an established connection drops.
func (c *ConnManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.state == StateClosing {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	sock, err := c.cfg.Dialer.DialContext(dctx, c.cfg.URL)

	c.mu.Lock()
	if c.closed || c.state == StateClosing {
		c.mu.Unlock()
		if err == nil {
			_ = sock.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial sync server: %w", err)
	}

	stop := make(chan struct{})
	c.sock = sock
	c.gen = stop
	c.state = StateConnected
	c.attempts = 0
	c.lastActivity = c.cfg.Clock.Now()
	types := c.subscribedLocked()
	c.mu.Unlock()

	c.replaySubscriptions(sock, types)

	c.wg.Add(2)
	go c.readLoop(sock)
	go c.heartbeatLoop(sock, stop)

	logging.Info().Msg("Sync websocket connected")
	return nil
}

// subscribedLocked returns the subscription set in sorted order. Caller
// holds c.mu.
func (c *ConnManager) subscribedLocked() []string {
	if len(c.subscribed) == 0 {
		return nil
	}
	types := make([]string, 0, len(c.subscribed))
	for et := range c.subscribed {
		types = append(types, et)
	}
	sort.Strings(types)
	return types
}

// replaySubscriptions re-sends the accumulated subscription set on a fresh
// connection so a reconnect resumes the same event stream. Runs without the
// manager lock held; the socket serializes concurrent writers itself.
func (c *ConnManager) replaySubscriptions(sock Socket, types []string) {
	if len(types) == 0 {
		return
	}
	env, err := models.NewEnvelope(models.MessageTypeSubscribe, models.SubscribePayload{EntityTypes: types})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to encode subscription replay")
		return
	}
	if err := sock.WriteJSON(env); err != nil {
		logging.Warn().Err(err).Msg("Subscription replay write failed")
	}
}

// Subscribe records the entity types and, when connected, sends a subscribe
// message. The set survives reconnects.
func (c *ConnManager) Subscribe(entityTypes ...string) error {
	if len(entityTypes) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, et := range entityTypes {
		c.subscribed[et] = struct{}{}
	}
	sock, connected := c.sock, c.state == StateConnected
	c.mu.Unlock()
	if !connected || sock == nil {
		return nil
	}
	return writeEnvelope(sock, models.MessageTypeSubscribe, models.SubscribePayload{EntityTypes: entityTypes})
}

// Unsubscribe removes the entity types from the set and notifies the server
// when connected.
func (c *ConnManager) Unsubscribe(entityTypes ...string) error {
	if len(entityTypes) == 0 {
		return nil
	}
	c.mu.Lock()
	for _, et := range entityTypes {
		delete(c.subscribed, et)
	}
	sock, connected := c.sock, c.state == StateConnected
	c.mu.Unlock()
	if !connected || sock == nil {
		return nil
	}
	return writeEnvelope(sock, models.MessageTypeUnsubscribe, models.SubscribePayload{EntityTypes: entityTypes})
}

// SendSyncRequest asks the server to backfill events after lastSync for one
// entity type. A zero lastSync requests the full log.
func (c *ConnManager) SendSyncRequest(entityType string, lastSync time.Time) error {
	p := models.SyncRequestPayload{EntityType: entityType}
	if !lastSync.IsZero() {
		p.LastSync = lastSync.Format(time.RFC3339Nano)
	}
	return c.Send(models.MessageTypeSyncRequest, p)
}

// Send writes an arbitrary message to the server. The socket is snapshotted
// under the manager lock but written outside it, so a peer that stops
// reading stalls only the caller, never the read loop or Disconnect.
func (c *ConnManager) Send(msgType string, payload interface{}) error {
	c.mu.Lock()
	sock, connected := c.sock, c.state == StateConnected
	c.mu.Unlock()
	if !connected || sock == nil {
		return ErrNotConnected
	}
	return writeEnvelope(sock, msgType, payload)
}

func writeEnvelope(sock Socket, msgType string, payload interface{}) error {
	env, err := models.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return sock.WriteJSON(env)
}

func (c *ConnManager) readLoop(sock Socket) {
	defer c.wg.Done()
	for {
		var env models.Envelope
		if err := sock.ReadJSON(&env); err != nil {
			c.handleDisconnect(sock, err)
			return
		}
		c.touch()
		c.dispatch(env)
	}
}

func (c *ConnManager) touch() {
	c.mu.Lock()
	c.lastActivity = c.cfg.Clock.Now()
	c.mu.Unlock()
}

// dispatch routes an inbound message. Unknown types are logged and ignored
// so older clients keep working against newer servers.
func (c *ConnManager) dispatch(env models.Envelope) {
	switch env.Type {
	case models.MessageTypeConnected:
		var p models.ConnectedPayload
		if err := env.DecodePayload(&p); err != nil {
			logging.Warn().Err(err).Msg("Malformed connected ack")
			return
		}
		c.mu.Lock()
		c.clientID = p.ClientID
		c.mu.Unlock()
		logging.Debug().Str("client_id", p.ClientID).Msg("Connection acknowledged")

	case models.MessageTypePong:
		// Activity already recorded by the read loop.

	case models.MessageTypeError:
		var p models.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			logging.Warn().Err(err).Msg("Malformed error message")
			return
		}
		logging.Warn().Str("server_error", p.Error).Msg("Server reported error")
		if c.cfg.OnError != nil {
			c.cfg.OnError(fmt.Errorf("server error: %s", p.Error))
		}

	case models.MessageTypeFieldUpdated,
		models.MessageTypeFieldCreated,
		models.MessageTypeFieldDeleted,
		models.MessageTypeSyncResponse:
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(env)
		}

	default:
		logging.Debug().Str("type", env.Type).Msg("Ignoring unknown message type")
	}
}

func (c *ConnManager) heartbeatLoop(sock Socket, stop chan struct{}) {
	defer c.wg.Done()
	ticker := c.cfg.Clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C():
		}

		c.mu.Lock()
		current := c.sock == sock && c.state == StateConnected
		stale := c.cfg.Clock.Now().Sub(c.lastActivity) > 3*c.cfg.HeartbeatInterval
		c.mu.Unlock()
		if !current {
			return
		}

		if stale {
			// The read loop will observe the close and drive reconnection.
			logging.Warn().Msg("No server activity across three heartbeats, forcing reconnect")
			_ = sock.Close()
			return
		}

		env, err := models.NewEnvelope(models.MessageTypePing, nil)
		if err != nil {
			continue
		}
		if err := sock.WriteJSON(env); err != nil {
			logging.Warn().Err(err).Msg("Heartbeat write failed")
			_ = sock.Close()
			return
		}
	}
}

// handleDisconnect runs when the read loop for sock exits. It tears down
// the connection and, unless the manager is closing, starts the reconnect
// loop.
func (c *ConnManager) handleDisconnect(sock Socket, cause error) {
	c.mu.Lock()
	if c.sock != sock {
		// A newer connection already replaced this one, or Disconnect
		// already tore it down.
		c.mu.Unlock()
		return
	}
	closing := c.state == StateClosing
	c.closeCurrentLocked()
	if !closing {
		c.state = StateDisconnected
	}
	spawn := !closing && !c.reconnecting
	if spawn {
		c.reconnecting = true
	}
	c.mu.Unlock()

	if closing {
		return
	}

	logging.Warn().Err(cause).Msg("Sync websocket connection lost")
	if c.cfg.OnError != nil {
		c.cfg.OnError(cause)
	}
	if spawn {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

func (c *ConnManager) closeCurrentLocked() {
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	if c.gen != nil {
		close(c.gen)
		c.gen = nil
	}
}

// reconnectLoop retries Connect with exponential backoff: BaseDelay doubled
// per attempt, up to MaxReconnectAttempts, then OnTerminal.
func (c *ConnManager) reconnectLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if c.closed || c.state == StateClosing {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.cfg.MaxReconnectAttempts {
			c.reconnecting = false
			c.mu.Unlock()
			logging.Error().
				Int("attempts", c.cfg.MaxReconnectAttempts).
				Msg("Reconnect budget exhausted, giving up on websocket transport")
			if c.cfg.OnTerminal != nil {
				c.cfg.OnTerminal(ErrReconnectExhausted)
			}
			return
		}
		delay := c.cfg.BaseDelay << uint(c.attempts)
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		logging.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Scheduling websocket reconnect")

		select {
		case <-c.cfg.Clock.After(delay):
		case <-c.done:
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		}

		metrics.ClientReconnects.Inc()
		err := c.Connect(context.Background())
		if err == nil {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		if errors.Is(err, ErrClosed) {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		logging.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
		if c.cfg.OnError != nil {
			c.cfg.OnError(err)
		}
	}
}

// Disconnect closes the connection with a clean close frame and suppresses
// reconnection. It blocks until the manager's goroutines have exited, so it
// must not be called from a callback.
func (c *ConnManager) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosing
	c.closeCurrentLocked()
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	logging.Info().Msg("Sync websocket disconnected")
}
