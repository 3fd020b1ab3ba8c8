// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package changefeed

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/clientdeck/clientdeck/internal/changelog"
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

// fakeBroadcaster collects events handed to it by the bridge.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []*models.ChangeEvent
}

func (b *fakeBroadcaster) Publish(event *models.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *fakeBroadcaster) at(i int) *models.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[i]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestFeed_PublishSubscribeRoundTrip(t *testing.T) {
	feed := New(16)
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := models.NewChangeEvent(models.EntityProject, "p1", models.ActionValueUpdated)
	want.ChangedBy = "alice"
	if err := feed.Publish(want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-messages:
		got, err := decodeEvent(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.EventID != want.EventID || got.ChangedBy != "alice" {
			t.Errorf("round trip mismatch: %+v", got)
		}
		if msg.Metadata.Get(metadataEntityType) != models.EntityProject {
			t.Errorf("entity_type metadata missing, got %q", msg.Metadata.Get(metadataEntityType))
		}
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestRecorder_RecordValidates(t *testing.T) {
	feed := New(16)
	defer feed.Close()
	rec := NewRecorder(changelog.NewMemoryStore(), feed)
	ctx := context.Background()

	cases := []struct {
		name  string
		event *models.ChangeEvent
		want  error
	}{
		{"missing entity type", &models.ChangeEvent{EntityID: "1", Action: models.ActionCreated}, ErrMissingEntityType},
		{"missing entity id", &models.ChangeEvent{EntityType: models.EntityTask, Action: models.ActionCreated}, ErrMissingEntityID},
		{"missing action", &models.ChangeEvent{EntityType: models.EntityTask, EntityID: "1"}, ErrMissingAction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := rec.Record(ctx, tc.event); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRecorder_FieldMutations(t *testing.T) {
	store := changelog.NewMemoryStore()
	feed := New(16)
	defer feed.Close()
	rec := NewRecorder(store, feed)
	ctx := context.Background()

	update, err := rec.RecordFieldUpdate(ctx, models.UpdateFieldPayload{
		FieldID: "budget", EntityID: "p1", Value: 2500, ChangedBy: "alice",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if update.Action != models.ActionValueUpdated {
		t.Errorf("expected value_updated, got %s", update.Action)
	}
	if change := update.ChangedFields["budget"]; change.New != 2500 {
		t.Errorf("expected new value 2500, got %v", change.New)
	}

	create, err := rec.RecordFieldCreate(ctx, models.CreateFieldPayload{
		EntityType: models.EntityProject,
		FieldData:  map[string]interface{}{"id": "field-9", "label": "Priority"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if create.EntityID != "field-9" {
		t.Errorf("expected caller-supplied field id, got %s", create.EntityID)
	}

	del, err := rec.RecordFieldDelete(ctx, models.DeleteFieldPayload{FieldID: "field-9"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if del.Action != models.ActionFieldDeleted {
		t.Errorf("expected field_deleted, got %s", del.Action)
	}

	// Every mutation landed in the store.
	events, err := store.Query(ctx, "", time.Time{}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 stored events, got %d", len(events))
	}

	// Validation errors for the payload helpers.
	if _, err := rec.RecordFieldUpdate(ctx, models.UpdateFieldPayload{EntityID: "p1"}); !errors.Is(err, ErrMissingFieldID) {
		t.Errorf("expected ErrMissingFieldID, got %v", err)
	}
	if _, err := rec.RecordFieldDelete(ctx, models.DeleteFieldPayload{}); !errors.Is(err, ErrMissingFieldID) {
		t.Errorf("expected ErrMissingFieldID, got %v", err)
	}
}

func TestBridge_DeliversToHub(t *testing.T) {
	store := changelog.NewMemoryStore()
	feed := New(16)
	defer feed.Close()
	rec := NewRecorder(store, feed)

	sink := &fakeBroadcaster{}
	bridge := NewBridge(feed, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridge.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	first, err := rec.RecordFieldUpdate(ctx, models.UpdateFieldPayload{
		FieldID: "status", EntityID: "t1", Value: "done",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
	if got := sink.at(0); got.EventID != first.EventID {
		t.Errorf("bridge delivered wrong event: %s", got.EventID)
	}
}

func TestBridge_StopsOnContextCancel(t *testing.T) {
	feed := New(16)
	defer feed.Close()
	bridge := NewBridge(feed, &fakeBroadcaster{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
}
