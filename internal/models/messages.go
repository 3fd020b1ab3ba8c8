// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Message types sent client to server.
const (
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypeUpdateField = "update-field"
	MessageTypeCreateField = "create-field"
	MessageTypeDeleteField = "delete-field"
	MessageTypeSyncRequest = "sync-request"
	MessageTypePing        = "ping"
)

// Message types sent server to client.
const (
	MessageTypeConnected    = "connected"
	MessageTypeFieldUpdated = "field-updated"
	MessageTypeFieldCreated = "field-created"
	MessageTypeFieldDeleted = "field-deleted"
	MessageTypeSyncResponse = "sync-response"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// Envelope is the wire format for every WebSocket message in both
// directions. Payload is left raw so the receiver can decode it based on
// Type; unknown types must be ignored, not rejected.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it in an Envelope of the given type.
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = b
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// SubscribePayload carries subscribe and unsubscribe requests.
type SubscribePayload struct {
	EntityTypes []string `json:"entityTypes"`
}

// UpdateFieldPayload carries an update-field mutation request.
type UpdateFieldPayload struct {
	FieldID   string      `json:"fieldId"`
	EntityID  string      `json:"entityId"`
	Value     interface{} `json:"value"`
	ChangedBy string      `json:"changedBy,omitempty"`
}

// CreateFieldPayload carries a create-field mutation request.
type CreateFieldPayload struct {
	EntityType string                 `json:"entityType"`
	FieldData  map[string]interface{} `json:"fieldData"`
	ChangedBy  string                 `json:"changedBy,omitempty"`
}

// DeleteFieldPayload carries a delete-field mutation request.
type DeleteFieldPayload struct {
	FieldID   string `json:"fieldId"`
	ChangedBy string `json:"changedBy,omitempty"`
}

// SyncRequestPayload asks the server to backfill events after LastSync
// for one entity type, used to cover the gap after a reconnect.
type SyncRequestPayload struct {
	EntityType string `json:"entityType"`
	LastSync   string `json:"lastSync"`
}

// ConnectedPayload acknowledges a new connection with its assigned identity.
type ConnectedPayload struct {
	ClientID string `json:"clientId"`
}

// SyncResponsePayload returns a backfill batch in ascending occurred_at order.
type SyncResponsePayload struct {
	Updates []ChangeEvent `json:"updates"`
}

// ErrorPayload carries a server-reported application error.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ParseSyncTime parses cursor timestamps as they appear on the wire. RFC 3339
// is the canonical format; the legacy space-separated form is accepted for
// compatibility with older clients. An empty string is a zero cursor, meaning
// the full log.
func ParseSyncTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
