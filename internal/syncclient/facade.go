// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

// Package syncclient is the Go client for the ClientDeck realtime sync
// server. The Facade hides transport selection behind a small callback
// API: it prefers the websocket push path and fails over to interval
// polling when the push path cannot be established or gives up, without
// the caller having to care which one is active. Delivery is at least
// once: reconnect backfills can repeat events or surface older ones after
// newer live pushes, so consumers deduplicate by event ID and apply
// updates idempotently.
package syncclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/clientdeck/clientdeck/internal/logging"
	"github.com/clientdeck/clientdeck/internal/metrics"
	"github.com/clientdeck/clientdeck/internal/models"
)

var (
	// ErrAlreadyStarted is returned by Start after a successful Start.
	ErrAlreadyStarted = errors.New("syncclient: facade already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("syncclient: facade stopped")
)

// Transport is one delivery path for change events. The Facade selects and
// swaps implementations; callers never see which one is running.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Start begins delivery of events for the entity type. Delivery and
	// errors flow through the facade's callbacks, not return values.
	Start(entityType string) error

	// Stop halts delivery. It blocks until the transport's goroutines have
	// exited; no callbacks fire after it returns.
	Stop()
}

// Options configures a Facade. ServerURL is required; everything else has
// defaults matching the server's expectations.
type Options struct {
	// ServerURL is the sync server base URL, e.g. "http://localhost:8374".
	ServerURL string

	// Token is an optional bearer token sent on both transports.
	Token string

	// HTTPClient overrides the poll transport's client. Optional.
	HTTPClient *http.Client

	// Dialer overrides the websocket dialer. Optional, for tests.
	Dialer Dialer

	// Clock overrides the time source. Optional, for tests.
	Clock Clock

	// PollInterval is the fallback poll cadence. Default 3s.
	PollInterval time.Duration

	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = NewClock()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
}

// Facade is the single entry point for consuming the sync stream. Register
// callbacks, call Start with an entity type, and change events arrive on
// OnUpdate regardless of which transport carries them.
type Facade struct {
	opts  Options
	clock Clock
	conn  *ConnManager
	poll  *PollClient

	mu         sync.Mutex
	started    bool
	stopped    bool
	entityType string
	cursor     time.Time
	active     Transport
	updateCbs  []func(models.ChangeEvent)
	errorCbs   []func(error)
}

// NewFacade builds a facade. It does not connect; call Start.
func NewFacade(opts Options) (*Facade, error) {
	opts.applyDefaults()

	wsURL, err := WebSocketURL(opts.ServerURL, opts.Token)
	if err != nil {
		return nil, err
	}

	f := &Facade{
		opts:  opts,
		clock: opts.Clock,
		poll:  NewPollClient(opts.ServerURL, opts.Token, opts.HTTPClient),
	}

	f.conn = NewConnManager(ConnConfig{
		URL:                  wsURL,
		Dialer:               opts.Dialer,
		Clock:                opts.Clock,
		ConnectTimeout:       opts.ConnectTimeout,
		HeartbeatInterval:    opts.HeartbeatInterval,
		BaseDelay:            opts.ReconnectBaseDelay,
		MaxReconnectAttempts: opts.MaxReconnectAttempts,
		OnMessage:            f.handleEnvelope,
		OnError:              f.fireError,
		OnTerminal:           f.handleTerminal,
	})

	return f, nil
}

// OnUpdate registers a callback for delivered change events. Callbacks run
// sequentially in registration order on a transport goroutine and should
// return quickly.
func (f *Facade) OnUpdate(cb func(models.ChangeEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCbs = append(f.updateCbs, cb)
}

// OnError registers a callback for transport errors. Errors are advisory;
// the facade keeps the stream alive on its own.
func (f *Facade) OnError(cb func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorCbs = append(f.errorCbs, cb)
}

// Start begins syncing the given entity type. The push transport is tried
// first; if it cannot be established the facade falls over to polling and
// still returns nil. The caller learns about degraded transport only
// through OnError.
func (f *Facade) Start(entityType string) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return ErrStopped
	}
	if f.started {
		f.mu.Unlock()
		return ErrAlreadyStarted
	}
	f.started = true
	f.entityType = entityType
	f.mu.Unlock()

	push := &pushTransport{f: f}
	if err := push.Start(entityType); err != nil {
		logging.Warn().Err(err).Msg("Push transport unavailable, falling back to polling")
		f.failover(push)
		return nil
	}

	f.mu.Lock()
	f.active = push
	f.mu.Unlock()
	return nil
}

// Stop halts delivery on whichever transport is active. No callbacks fire
// after Stop returns; responses already in flight are discarded.
func (f *Facade) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	active := f.active
	f.active = nil
	f.mu.Unlock()

	if active != nil {
		active.Stop()
	}
	// Idempotent when the push transport already closed it; covers the
	// poll transport and the never-started cases.
	f.conn.Disconnect()
	logging.Info().Msg("Sync facade stopped")
}

// ActiveTransport reports the running transport name, or "none".
func (f *Facade) ActiveTransport() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return "none"
	}
	return f.active.Name()
}

// Cursor returns the current sync position.
func (f *Facade) Cursor() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// handleTerminal runs when the connection manager exhausts its reconnect
// budget. The push transport is done; swap in polling.
func (f *Facade) handleTerminal(err error) {
	f.fireError(err)
	f.mu.Lock()
	active := f.active
	f.mu.Unlock()
	f.failover(active)
}

// failover swaps the active transport for polling. The old transport is
// not stopped here, callers hand over only transports that are already
// dead or were never established.
func (f *Facade) failover(old Transport) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	if _, already := f.active.(*pollTransport); already {
		f.mu.Unlock()
		return
	}
	poll := newPollTransport(f)
	f.active = poll
	entityType := f.entityType
	f.mu.Unlock()

	metrics.ClientFailovers.Inc()
	oldName := "none"
	if old != nil {
		oldName = old.Name()
	}
	logging.Info().
		Str("from", oldName).
		Str("to", poll.Name()).
		Msg("Sync transport failover")

	if err := poll.Start(entityType); err != nil {
		f.fireError(err)
	}
}

// handleEnvelope receives data messages from the connection manager.
func (f *Facade) handleEnvelope(env models.Envelope) {
	switch env.Type {
	case models.MessageTypeSyncResponse:
		var p models.SyncResponsePayload
		if err := env.DecodePayload(&p); err != nil {
			logging.Warn().Err(err).Msg("Malformed sync-response payload")
			return
		}
		f.deliver(p.Updates)
	default:
		var ev models.ChangeEvent
		if err := env.DecodePayload(&ev); err != nil {
			logging.Warn().Err(err).Str("type", env.Type).Msg("Malformed change event payload")
			return
		}
		f.deliver([]models.ChangeEvent{ev})
	}
}

// deliver fires update callbacks in order and advances the cursor forward
// to the newest occurred-at time seen. Every event is delivered, including
// ones older than the cursor: a backfill can carry events that a live push
// raced past, and filtering them here would lose them for good. The
// contract is at least once; deduplication belongs to the consumer.
func (f *Facade) deliver(events []models.ChangeEvent) {
	for _, ev := range events {
		f.mu.Lock()
		if f.stopped {
			f.mu.Unlock()
			return
		}
		if ev.OccurredAt.After(f.cursor) {
			f.cursor = ev.OccurredAt
		}
		cbs := f.updateCbs
		f.mu.Unlock()

		for _, cb := range cbs {
			cb(ev)
		}
	}
}

// advanceCursor moves the cursor forward to t. Used by the poll transport
// with the server-reported time; never moves backwards.
func (f *Facade) advanceCursor(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.After(f.cursor) {
		f.cursor = t
	}
}

func (f *Facade) fireError(err error) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	cbs := f.errorCbs
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(err)
	}
}

// pushTransport delivers events over the managed websocket connection.
type pushTransport struct {
	f *Facade
}

func (t *pushTransport) Name() string { return "push" }

// Start connects, subscribes, and requests one backfill covering the gap
// since the facade's cursor.
func (t *pushTransport) Start(entityType string) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.f.opts.ConnectTimeout)
	defer cancel()

	if err := t.f.conn.Connect(ctx); err != nil {
		return err
	}
	if err := t.f.conn.Subscribe(entityType); err != nil {
		return err
	}
	if err := t.f.conn.SendSyncRequest(entityType, t.f.Cursor()); err != nil {
		// Subscribed but the backfill request failed; live events still
		// flow and the next reconnect replays the request path.
		logging.Warn().Err(err).Msg("Initial backfill request failed")
	}
	return nil
}

func (t *pushTransport) Stop() {
	t.f.conn.Disconnect()
}

// pollTransport delivers events by polling the sync endpoint on a fixed
// interval. A cycle that outlives the interval causes later ticks to be
// skipped rather than queued, so slow servers never face overlapping
// requests from the same client.
type pollTransport struct {
	f    *Facade
	stop chan struct{}
	done chan struct{}
}

func newPollTransport(f *Facade) *pollTransport {
	return &pollTransport{
		f:    f,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (t *pollTransport) Name() string { return "poll" }

func (t *pollTransport) Start(entityType string) error {
	go t.loop(entityType)
	return nil
}

func (t *pollTransport) Stop() {
	close(t.stop)
	<-t.done
}

func (t *pollTransport) loop(entityType string) {
	defer close(t.done)

	ticker := t.f.clock.NewTicker(t.f.opts.PollInterval)
	defer ticker.Stop()

	// First cycle immediately so failover does not wait a full interval.
	t.cycle(entityType)

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C():
			t.cycle(entityType)
			// Drop ticks that fired while the cycle ran.
			drained := false
			for !drained {
				select {
				case <-ticker.C():
				default:
					drained = true
				}
			}
		}
	}
}

func (t *pollTransport) cycle(entityType string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.f.opts.PollInterval*2)
	defer cancel()

	cursor := Cursor{EntityType: entityType, LastSync: t.f.Cursor()}
	events, next, err := t.f.poll.Poll(ctx, cursor)
	if err != nil {
		t.f.fireError(err)
		return
	}

	t.f.deliver(events)
	t.f.advanceCursor(next.LastSync)
}
