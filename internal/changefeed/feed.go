// ClientDeck - Client Management and Realtime Sync
// Copyright 2026 ClientDeck contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clientdeck/clientdeck

// Package changefeed connects mutation handlers to the broadcast hub
// through an in-process Watermill Pub/Sub. Mutations publish appended
// change events to the feed; the bridge consumes them and hands them to
// the hub for fan-out. The bounded buffer keeps slow fan-out from
// blocking mutation handlers.
package changefeed

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/clientdeck/clientdeck/internal/metrics"
	"github.com/clientdeck/clientdeck/internal/models"
)

// Topic carries every change event. Entity-type filtering happens at the
// hub's subscription registry, not at the feed.
const Topic = "changelog.events"

// metadataEntityType is the message metadata key carrying the entity type.
const metadataEntityType = "entity_type"

// Feed is the in-process change event queue.
type Feed struct {
	pubsub *gochannel.GoChannel
}

// New creates a feed with the given output channel buffer.
func New(buffer int64) *Feed {
	return &Feed{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: buffer},
			newWatermillLogger(),
		),
	}
}

// Publish enqueues one change event for broadcast.
func (f *Feed) Publish(event *models.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event %s: %w", event.EventID, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataEntityType, event.EntityType)

	if err := f.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish change event %s: %w", event.EventID, err)
	}
	metrics.FeedEventsPublished.Inc()
	return nil
}

// Subscribe returns the stream of change event messages. The subscription
// ends when ctx is canceled.
func (f *Feed) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := f.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to change feed: %w", err)
	}
	return ch, nil
}

// Close shuts the feed down; pending messages are dropped.
func (f *Feed) Close() error {
	return f.pubsub.Close()
}

// decodeEvent unmarshals a feed message back into a ChangeEvent.
func decodeEvent(msg *message.Message) (*models.ChangeEvent, error) {
	var event models.ChangeEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("decode change event message %s: %w", msg.UUID, err)
	}
	return &event, nil
}
