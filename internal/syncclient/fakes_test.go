// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package syncclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/clientdeck/clientdeck/internal/logging"
	"github.com/clientdeck/clientdeck/internal/models"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

// fakeClock is a manually advanced Clock. Goroutines blocked in After or on
// a ticker only proceed when the test calls Advance.
type fakeClock struct {
	mu      sync.Mutex
	current time.Time
	afters  []*fakeAfter
	tickers []*fakeTicker
}

type fakeAfter struct {
	deadline time.Time
	ch       chan time.Time
}

type fakeTicker struct {
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &fakeAfter{deadline: c.current.Add(d), ch: make(chan time.Time, 1)}
	c.afters = append(c.afters, a)
	return a.ch
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{interval: d, next: c.current.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return &fakeTickerHandle{clock: c, t: t}
}

type fakeTickerHandle struct {
	clock *fakeClock
	t     *fakeTicker
}

func (h *fakeTickerHandle) C() <-chan time.Time {
	return h.t.ch
}

func (h *fakeTickerHandle) Stop() {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	h.t.stopped = true
}

// Advance moves time forward and fires every timer whose deadline passed.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	remaining := c.afters[:0]
	var fire []chan time.Time
	for _, a := range c.afters {
		if !a.deadline.After(now) {
			fire = append(fire, a.ch)
		} else {
			remaining = append(remaining, a)
		}
	}
	c.afters = remaining

	for _, t := range c.tickers {
		for !t.stopped && !t.next.After(now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.interval)
		}
	}
	c.mu.Unlock()

	for _, ch := range fire {
		ch <- now
	}
}

// pendingAfters reports how many goroutines are parked in After.
func (c *fakeClock) pendingAfters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.afters)
}

// tickerCount reports how many tickers have been created.
func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

var errSocketClosed = errors.New("fake socket closed")

// fakeSocket is an in-memory Socket. The test plays the server: push
// envelopes through serve, inspect client writes through sent.
type fakeSocket struct {
	in     chan models.Envelope
	mu     sync.Mutex
	writes []models.Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan models.Envelope, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadJSON(v interface{}) error {
	select {
	case env := <-s.in:
		if target, ok := v.(*models.Envelope); ok {
			*target = env
			return nil
		}
		return errors.New("fake socket: unexpected read target")
	case <-s.closed:
		return errSocketClosed
	}
}

func (s *fakeSocket) WriteJSON(v interface{}) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	env, ok := v.(models.Envelope)
	if !ok {
		return errors.New("fake socket: unexpected write type")
	}
	s.mu.Lock()
	s.writes = append(s.writes, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// serve pushes a server-originated envelope to the client.
func (s *fakeSocket) serve(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	env, err := models.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	s.in <- env
}

// sentTypes returns the message types written by the client so far.
func (s *fakeSocket) sentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.writes))
	for i, env := range s.writes {
		types[i] = env.Type
	}
	return types
}

func (s *fakeSocket) sentOfType(msgType string) []models.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Envelope
	for _, env := range s.writes {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer hands out fakeSockets, optionally failing some dials first.
type fakeDialer struct {
	mu        sync.Mutex
	failures  int // dials to fail before succeeding; -1 fails forever
	sockets   []*fakeSocket
	dialTimes []time.Time
	clock     *fakeClock
}

func newFakeDialer(clock *fakeClock) *fakeDialer {
	return &fakeDialer{clock: clock}
}

func (d *fakeDialer) DialContext(_ context.Context, _ string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialTimes = append(d.dialTimes, d.clock.Now())
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, errors.New("dial refused")
	}
	s := newFakeSocket()
	d.sockets = append(d.sockets, s)
	return s, nil
}

// failAll makes every further dial fail.
func (d *fakeDialer) failAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = -1
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialTimes)
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

// waitUntil polls cond until it holds or the deadline expires.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
