// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package changelog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clientdeck/clientdeck/internal/models"
)

func openTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := models.NewChangeEvent(models.EntityProject, "p1", models.ActionValueUpdated)
	ev.OccurredAt = base
	ev.ChangedBy = "alice"
	ev.ChangedFields = map[string]models.FieldChange{
		"budget": {Old: 1000.0, New: 1500.0},
	}
	if err := store.Append(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.Query(ctx, models.EntityProject, time.Time{}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	got := events[0]
	if got.EventID != ev.EventID {
		t.Errorf("event_id: expected %s, got %s", ev.EventID, got.EventID)
	}
	if got.ChangedBy != "alice" {
		t.Errorf("changed_by: expected alice, got %s", got.ChangedBy)
	}
	if !got.OccurredAt.Equal(base) {
		t.Errorf("occurred_at: expected %v, got %v", base, got.OccurredAt)
	}
	change, ok := got.ChangedFields["budget"]
	if !ok {
		t.Fatal("changed_fields missing budget entry")
	}
	if change.New != 1500.0 {
		t.Errorf("budget new value: expected 1500, got %v", change.New)
	}
}

func TestSQLiteStore_QueryWindowAndFilter(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fixtures := []struct {
		entityType string
		entityID   string
		offset     time.Duration
	}{
		{models.EntityProject, "p1", 1 * time.Second},
		{models.EntityTask, "t1", 2 * time.Second},
		{models.EntityProject, "p2", 3 * time.Second},
		{models.EntityProject, "p3", 4 * time.Second},
	}
	for _, f := range fixtures {
		ev := models.NewChangeEvent(f.entityType, f.entityID, models.ActionValueUpdated)
		ev.OccurredAt = base.Add(f.offset)
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", f.entityID, err)
		}
	}

	// Strictly after base+1s, projects only.
	events, err := store.Query(ctx, models.EntityProject, base.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 project events, got %d", len(events))
	}
	if events[0].EntityID != "p2" || events[1].EntityID != "p3" {
		t.Errorf("unexpected order: %s, %s", events[0].EntityID, events[1].EntityID)
	}

	// Limit applies after the filter.
	events, _ = store.Query(ctx, models.EntityProject, time.Time{}, 2)
	if len(events) != 2 || events[0].EntityID != "p1" {
		t.Errorf("limited query wrong: %+v", events)
	}
}

func TestSQLiteStore_MonotonicClampSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ev := models.NewChangeEvent(models.EntityProject, "p1", models.ActionCreated)
	ev.OccurredAt = base.Add(time.Hour)
	if err := store.Append(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A fresh handle primes the clamp from the existing rows: an event
	// predating the newest row is pushed past it.
	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	stale := models.NewChangeEvent(models.EntityProject, "p2", models.ActionCreated)
	stale.OccurredAt = base
	if err := reopened.Append(ctx, stale); err != nil {
		t.Fatalf("append stale: %v", err)
	}
	if stale.OccurredAt.Before(base.Add(time.Hour)) {
		t.Errorf("expected clamp past %v, got %v", base.Add(time.Hour), stale.OccurredAt)
	}

	events, err := reopened.Query(ctx, "", time.Time{}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].OccurredAt.Before(events[i-1].OccurredAt) {
			t.Fatal("log not monotonic across reopen")
		}
	}
}

func TestSQLiteStore_EmptyChangedFields(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	ev := models.NewChangeEvent(models.EntityClient, "c1", models.ActionDeleted)
	if err := store.Append(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := store.Query(ctx, models.EntityClient, time.Time{}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ChangedFields != nil {
		t.Errorf("expected nil changed_fields, got %+v", events[0].ChangedFields)
	}
}
