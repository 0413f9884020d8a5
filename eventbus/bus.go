// Package eventbus abstracts the partitioned publish/subscribe substrate the
// saga core runs on.
//
// The contract is deliberately weak: delivery is at-least-once, and ordering
// is guaranteed only among envelopes sharing a partition key. Consumers must
// tolerate duplicates and out-of-order delivery across keys. The saga
// orchestrator uses the correlation id as partition key for every event
// belonging to one saga, so results for a single saga arrive in send order.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the unit of transport. Payload is opaque JSON; IdempotencyKey
// lets receivers recognize redeliveries of the same logical message.
type Envelope struct {
	Topic          string          `json:"topic"`
	PartitionKey   string          `json:"partition_key"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	PublishedAt    time.Time       `json:"published_at"`
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Topic, err)
	}
	return nil
}

// Handler consumes a single envelope. Returning an error signals the bus that
// delivery failed; whether that triggers redelivery is implementation
// specific.
type Handler func(ctx context.Context, env Envelope) error

// Bus is the publish/subscribe adapter used by the orchestrator and its
// collaborators.
type Bus interface {
	// Publish sends payload (marshaled to JSON) on topic. Envelopes sharing
	// partitionKey are delivered in publish order.
	Publish(ctx context.Context, topic, partitionKey, idempotencyKey string, payload any) error

	// Subscribe registers handler for topic. Multiple handlers per topic are
	// allowed; each receives every envelope.
	Subscribe(topic string, handler Handler) error

	// Close stops delivery and releases resources.
	Close() error
}

// NewEnvelope marshals payload and stamps the envelope.
func NewEnvelope(topic, partitionKey, idempotencyKey string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Envelope{
		Topic:          topic,
		PartitionKey:   partitionKey,
		IdempotencyKey: idempotencyKey,
		Payload:        data,
		PublishedAt:    time.Now().UTC(),
	}, nil
}
