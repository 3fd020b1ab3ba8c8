// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package changelog

import (
	"context"
	"sync"
	"time"

	"github.com/clientdeck/clientdeck/internal/models"
)

// MemoryStore is an in-memory Store used for tests and ephemeral dev runs.
// Events are held in insertion order, which by the monotonic clamp is also
// occurred_at order.
type MemoryStore struct {
	mu     sync.RWMutex
	events []models.ChangeEvent
	closed bool

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// SetNowFunc overrides the store's clock. Test helper.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Append records one event, clamping occurred_at forward if it would
// violate monotonic insertion order.
func (s *MemoryStore) Append(_ context.Context, event *models.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if n := len(s.events); n > 0 {
		if last := s.events[n-1].OccurredAt; event.OccurredAt.Before(last) {
			event.OccurredAt = last
		}
	}

	s.events = append(s.events, *event)
	return nil
}

// Query returns up to limit events strictly after the given time, ascending
// by occurred_at. An empty entityType matches all entity types.
func (s *MemoryStore) Query(_ context.Context, entityType string, after time.Time, limit int) ([]models.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	limit = clampLimit(limit)
	out := make([]models.ChangeEvent, 0, limit)
	for _, ev := range s.events {
		if !ev.OccurredAt.After(after) {
			continue
		}
		if entityType != "" && ev.EntityType != entityType {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ServerTime returns the store's current time.
func (s *MemoryStore) ServerTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().UTC()
}

// Close marks the store closed; further operations return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
