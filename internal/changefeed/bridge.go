// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

package changefeed

import (
	"context"

	"github.com/clientdeck/clientdeck/internal/logging"
	"github.com/clientdeck/clientdeck/internal/models"
)

// Broadcaster is the hub-facing half of the bridge. Satisfied by
// *hub.Hub; declared here so the feed does not import the hub package.
type Broadcaster interface {
	Publish(event *models.ChangeEvent)
}

// Bridge consumes the change feed and hands each event to the broadcast
// hub. It runs as a supervised service: Serve returns when ctx is
// canceled, and a supervisor restart re-subscribes from scratch (the feed
// holds no replay state, matching the hub's own restart semantics).
type Bridge struct {
	feed *Feed
	hub  Broadcaster
}

// NewBridge creates a bridge from feed to hub.
func NewBridge(feed *Feed, hub Broadcaster) *Bridge {
	return &Bridge{feed: feed, hub: hub}
}

// Serve implements suture.Service.
func (b *Bridge) Serve(ctx context.Context) error {
	messages, err := b.feed.Subscribe(ctx)
	if err != nil {
		return err
	}

	logging.Info().Str("component", "changefeed-bridge").Msg("change feed bridge started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Str("component", "changefeed-bridge").Msg("change feed bridge stopped")
			return ctx.Err()

		case msg, ok := <-messages:
			if !ok {
				logging.Info().Str("component", "changefeed-bridge").Msg("change feed closed")
				return ctx.Err()
			}

			event, err := decodeEvent(msg)
			if err != nil {
				// Malformed feed payloads are logged and acked, never
				// redelivered: a payload that failed to decode once will
				// fail forever.
				logging.Error().Err(err).Msg("dropping undecodable change feed message")
				msg.Ack()
				continue
			}

			b.hub.Publish(event)
			msg.Ack()
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (b *Bridge) String() string {
	return "changefeed-bridge"
}
