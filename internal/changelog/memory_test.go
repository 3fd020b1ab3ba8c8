// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/clientdeck/clientdeck/internal/models"
)

func mkEvent(entityType, entityID string, at time.Time) *models.ChangeEvent {
	ev := models.NewChangeEvent(entityType, entityID, models.ActionValueUpdated)
	ev.OccurredAt = at
	return ev
}

func TestMemoryStore_AppendAndQuery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ev := mkEvent(models.EntityProject, "p1", base.Add(time.Duration(i)*time.Second))
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := store.Query(ctx, models.EntityProject, base.Add(time.Second), 100)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// Strictly after: base+1s itself is excluded.
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].OccurredAt.Before(events[i-1].OccurredAt) {
			t.Errorf("events out of order at %d", i)
		}
	}
}

func TestMemoryStore_EntityTypeFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = store.Append(ctx, mkEvent(models.EntityProject, "p1", base.Add(1*time.Second)))
	_ = store.Append(ctx, mkEvent(models.EntityTask, "t1", base.Add(2*time.Second)))
	_ = store.Append(ctx, mkEvent(models.EntityProject, "p2", base.Add(3*time.Second)))

	events, err := store.Query(ctx, models.EntityTask, time.Time{}, 100)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].EntityID != "t1" {
		t.Fatalf("expected only t1, got %+v", events)
	}

	// Empty entity type matches everything.
	all, err := store.Query(ctx, "", time.Time{}, 100)
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 events for empty filter, got %d", len(all))
	}
}

func TestMemoryStore_MonotonicClamp(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = store.Append(ctx, mkEvent(models.EntityProject, "p1", base.Add(10*time.Second)))

	// An event claiming an earlier time is clamped forward so the log
	// never runs backwards.
	stale := mkEvent(models.EntityProject, "p2", base.Add(5*time.Second))
	if err := store.Append(ctx, stale); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !stale.OccurredAt.Equal(base.Add(10 * time.Second)) {
		t.Errorf("expected clamp to %v, got %v", base.Add(10*time.Second), stale.OccurredAt)
	}

	events, _ := store.Query(ctx, "", time.Time{}, 100)
	for i := 1; i < len(events); i++ {
		if events[i].OccurredAt.Before(events[i-1].OccurredAt) {
			t.Fatal("log not monotonic after clamp")
		}
	}
}

func TestMemoryStore_ZeroOccurredAtGetsStoreClock(t *testing.T) {
	store := NewMemoryStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })

	ev := &models.ChangeEvent{EventID: "e1", EntityType: models.EntityProject, EntityID: "p1", Action: models.ActionCreated}
	if err := store.Append(context.Background(), ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !ev.OccurredAt.Equal(fixed) {
		t.Errorf("expected %v, got %v", fixed, ev.OccurredAt)
	}
}

func TestMemoryStore_PageCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < DefaultPageSize+50; i++ {
		_ = store.Append(ctx, mkEvent(models.EntityProject, "p", base.Add(time.Duration(i)*time.Millisecond)))
	}

	// Requests above the cap are clamped to one page.
	events, err := store.Query(ctx, "", time.Time{}, 10_000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != DefaultPageSize {
		t.Errorf("expected %d events, got %d", DefaultPageSize, len(events))
	}

	// Zero and negative limits also fall back to the default page.
	events, _ = store.Query(ctx, "", time.Time{}, 0)
	if len(events) != DefaultPageSize {
		t.Errorf("zero limit: expected %d events, got %d", DefaultPageSize, len(events))
	}
}

// TestMemoryStore_PollWindow walks the cursor protocol a poll client uses:
// query, advance the cursor to server time, query again.
func TestMemoryStore_PollWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	current := base
	store.SetNowFunc(func() time.Time { return current })

	_ = store.Append(ctx, mkEvent(models.EntityTask, "t1", base.Add(1*time.Second)))
	_ = store.Append(ctx, mkEvent(models.EntityTask, "t2", base.Add(2*time.Second)))

	current = base.Add(3 * time.Second)
	serverTime := store.ServerTime()
	events, _ := store.Query(ctx, models.EntityTask, time.Time{}, 100)
	if len(events) != 2 {
		t.Fatalf("first window: expected 2 events, got %d", len(events))
	}

	// Nothing new: the advanced cursor yields an empty window.
	events, _ = store.Query(ctx, models.EntityTask, serverTime, 100)
	if len(events) != 0 {
		t.Fatalf("expected empty window, got %d", len(events))
	}

	// A later write lands in the next window.
	current = base.Add(5 * time.Second)
	_ = store.Append(ctx, mkEvent(models.EntityTask, "t3", base.Add(4*time.Second)))
	events, _ = store.Query(ctx, models.EntityTask, serverTime, 100)
	if len(events) != 1 || events[0].EntityID != "t3" {
		t.Fatalf("second window: expected t3, got %+v", events)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Append(context.Background(), mkEvent(models.EntityProject, "p1", time.Now())); err != ErrClosed {
		t.Errorf("expected ErrClosed from Append, got %v", err)
	}
	if _, err := store.Query(context.Background(), "", time.Time{}, 10); err != ErrClosed {
		t.Errorf("expected ErrClosed from Query, got %v", err)
	}
}
