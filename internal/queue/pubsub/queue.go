// Package pubsub implements a downstream queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Queue publishes item handoff messages to one Pub/Sub topic.
type Queue struct {
	topic *pubsub.Topic
}

// New wraps an existing topic handle.
func New(topic *pubsub.Topic) (*Queue, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Queue{topic: topic}, nil
}

// message is the JSON envelope downstream consumers receive. Attributes
// carry routing metadata; the body carries only the item reference so
// consumers load content from blob storage.
type message struct {
	ItemID string `json:"item_id"`
}

// Publish sends the item reference and blocks until the server acks.
func (q *Queue) Publish(ctx context.Context, itemID string, attrs map[string]string) (string, error) {
	data, err := json.Marshal(message{ItemID: itemID})
	if err != nil {
		return "", fmt.Errorf("marshal handoff message: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish handoff message: %w", err)
	}
	return id, nil
}

// Stop flushes pending publishes. Call it during shutdown.
func (q *Queue) Stop() {
	q.topic.Stop()
}
