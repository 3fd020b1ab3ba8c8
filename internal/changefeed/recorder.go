// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package changefeed

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clientdeck/clientdeck/internal/changelog"
	"github.com/clientdeck/clientdeck/internal/logging"
	"github.com/clientdeck/clientdeck/internal/models"
)

// Validation errors surfaced verbatim to the mutating client.
var (
	ErrMissingFieldID    = errors.New("fieldId is required")
	ErrMissingEntityID   = errors.New("entityId is required")
	ErrMissingEntityType = errors.New("entityType is required")
	ErrMissingAction     = errors.New("action is required")
)

// Recorder is the single write path for change events: it appends to the
// change-log store and, only after a successful append, publishes to the
// feed. Mutation handlers (HTTP and WebSocket) both go through it.
type Recorder struct {
	store changelog.Store
	feed  *Feed
}

// NewRecorder creates a recorder over the given store and feed.
func NewRecorder(store changelog.Store, feed *Feed) *Recorder {
	return &Recorder{store: store, feed: feed}
}

// Record appends an arbitrary change event and publishes it. The event's
// OccurredAt may be adjusted by the store's monotonic clamp; the published
// copy carries the adjusted value.
func (r *Recorder) Record(ctx context.Context, event *models.ChangeEvent) error {
	if event.EntityType == "" {
		return ErrMissingEntityType
	}
	if event.EntityID == "" {
		return ErrMissingEntityID
	}
	if event.Action == "" {
		return ErrMissingAction
	}

	if err := r.store.Append(ctx, event); err != nil {
		return fmt.Errorf("append to change log: %w", err)
	}

	// A feed failure after a successful append is not an error for the
	// mutator: the event is durable and poll clients will pick it up.
	if err := r.feed.Publish(event); err != nil {
		logging.Warn().Err(err).Str("event_id", event.EventID).Msg("change feed publish failed, event reachable via poll only")
	}
	return nil
}

// RecordFieldUpdate records a cell value change requested over the wire.
func (r *Recorder) RecordFieldUpdate(ctx context.Context, p models.UpdateFieldPayload) (*models.ChangeEvent, error) {
	if p.FieldID == "" {
		return nil, ErrMissingFieldID
	}
	if p.EntityID == "" {
		return nil, ErrMissingEntityID
	}

	event := models.NewChangeEvent(models.EntityField, p.EntityID, models.ActionValueUpdated)
	event.ChangedBy = p.ChangedBy
	event.ChangedFields = map[string]models.FieldChange{
		p.FieldID: {New: p.Value},
	}
	if err := r.Record(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// RecordFieldCreate records a new user-defined field (column) definition.
func (r *Recorder) RecordFieldCreate(ctx context.Context, p models.CreateFieldPayload) (*models.ChangeEvent, error) {
	if p.EntityType == "" {
		return nil, ErrMissingEntityType
	}

	event := models.NewChangeEvent(p.EntityType, newFieldID(p), models.ActionFieldCreated)
	event.ChangedBy = p.ChangedBy
	event.ChangedFields = make(map[string]models.FieldChange, len(p.FieldData))
	for name, value := range p.FieldData {
		event.ChangedFields[name] = models.FieldChange{New: value}
	}
	if err := r.Record(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// RecordFieldDelete records removal of a user-defined field.
func (r *Recorder) RecordFieldDelete(ctx context.Context, p models.DeleteFieldPayload) (*models.ChangeEvent, error) {
	if p.FieldID == "" {
		return nil, ErrMissingFieldID
	}

	event := models.NewChangeEvent(models.EntityField, p.FieldID, models.ActionFieldDeleted)
	event.ChangedBy = p.ChangedBy
	if err := r.Record(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// newFieldID assigns the identity of a created field. Field definitions
// live in the business-logic store; a fresh UUID is minted when the caller
// did not name one.
func newFieldID(p models.CreateFieldPayload) string {
	if id, ok := p.FieldData["id"].(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}
