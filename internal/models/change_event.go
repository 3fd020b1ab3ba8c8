// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

// Package models defines the canonical data types shared between the
// change-log store, the broadcast hub, and the sync client library.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity type tags tracked by the sync layer. The set is open-ended:
// the sync layer treats entity types as opaque strings, these constants
// only name the ones ClientDeck ships with.
const (
	EntityProject   = "project"
	EntityPhase     = "phase"
	EntityTask      = "task"
	EntityTimeEntry = "time_entry"
	EntityClient    = "client"
	EntityField     = "field"
)

// Actions recorded on a ChangeEvent. The base actions are qualified per
// entity where the distinction matters to consumers (a column definition
// changing is not the same as a cell value changing).
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"

	ActionFieldCreated = "field_created"
	ActionFieldUpdated = "field_updated"
	ActionFieldDeleted = "field_deleted"
	ActionValueUpdated = "value_updated"
)

// FieldChange captures the before/after pair for one changed field.
type FieldChange struct {
	Old interface{} `json:"old,omitempty"`
	New interface{} `json:"new,omitempty"`
}

// ChangeEvent represents one recorded mutation to a tracked entity, the
// unit of synchronization. Events are immutable once appended to the
// change log.
//
// OccurredAt is the authoritative ordering key: it is monotonically
// non-decreasing in insertion order at the store, and consumers must
// order by it rather than by wall-clock receipt time.
type ChangeEvent struct {
	EventID       string                 `json:"event_id"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	Action        string                 `json:"action"`
	ChangedFields map[string]FieldChange `json:"changed_fields,omitempty"`
	ChangedBy     string                 `json:"changed_by,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
}

// NewChangeEvent creates an event with a unique ID and the current UTC time.
func NewChangeEvent(entityType, entityID, action string) *ChangeEvent {
	return &ChangeEvent{
		EventID:    uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		OccurredAt: time.Now().UTC(),
	}
}

// MessageType returns the wire message type used to broadcast this event.
// Events are classed by their base action: creations map to field-created,
// deletions to field-deleted, and everything else to field-updated.
func (e *ChangeEvent) MessageType() string {
	switch e.Action {
	case ActionCreated, ActionFieldCreated:
		return MessageTypeFieldCreated
	case ActionDeleted, ActionFieldDeleted:
		return MessageTypeFieldDeleted
	default:
		return MessageTypeFieldUpdated
	}
}
