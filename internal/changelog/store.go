// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

// Package changelog implements the append-only, time-ordered log of change
// events that both sync transports read from. Every mutation in the
// business-logic layer appends here; the change feed and the poll endpoint
// are the two readers.
package changelog

import (
	"context"
	"errors"
	"time"

	"github.com/clientdeck/clientdeck/internal/models"
)

// DefaultPageSize caps the number of events one query returns. Callers
// asking for more (or zero) get this cap instead.
const DefaultPageSize = 100

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("changelog: store is closed")

// Store is the contract the sync layer consumes. Append records one event;
// Query returns events strictly after the given time in ascending
// occurred_at order; ServerTime reports the authoritative current time that
// poll clients adopt as their next cursor.
//
// Implementations must keep occurred_at monotonically non-decreasing in
// insertion order: an event carrying a timestamp earlier than the last
// appended one is clamped forward.
type Store interface {
	Append(ctx context.Context, event *models.ChangeEvent) error
	Query(ctx context.Context, entityType string, after time.Time, limit int) ([]models.ChangeEvent, error)
	ServerTime() time.Time
	Close() error
}

// clampLimit applies the page cap.
func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultPageSize {
		return DefaultPageSize
	}
	return limit
}
