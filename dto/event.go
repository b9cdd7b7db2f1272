// Package dto holds the value types that cross the event bus and the chat-send
// boundary: bus events, typed notification payloads and outbound messages.
package dto

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Topic names a Kafka topic carrying one kind of business event.
// Names must match exactly between producer and consumer deployments.
type Topic string

const (
	// TopicShareCreated carries share creation facts.
	TopicShareCreated Topic = "share_created"
	// TopicUserUpdated carries user profile creations and updates.
	TopicUserUpdated Topic = "user_updated"
	// TopicSendMessage carries ready-made chat messages to deliver.
	TopicSendMessage Topic = "send_message"
)

// Topics returns every topic in a fixed order.
func Topics() []Topic {
	return []Topic{TopicShareCreated, TopicUserUpdated, TopicSendMessage}
}

// IsValid reports whether t is one of the fixed topics.
func (t Topic) IsValid() bool {
	switch t {
	case TopicShareCreated, TopicUserUpdated, TopicSendMessage:
		return true
	default:
		return false
	}
}

func (t Topic) String() string {
	return string(t)
}

// CounterName is the observability counter bumped for each publish on t.
func (t Topic) CounterName() string {
	return string(t)
}

// Payload is an event body decoded into its loosely typed JSON form.
type Payload map[string]interface{}

// Event represents one business event as published to the bus. Events are
// never mutated after creation and may be consumed more than once.
type Event struct {
	ID           string          `json:"id"`
	Topic        Topic           `json:"topic"`
	PartitionKey string          `json:"partition_key,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	ProducedAt   time.Time       `json:"produced_at"`
}

// NewEvent creates a new Event with a fresh ID and marshaled payload.
func NewEvent(topic Topic, partitionKey string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:           uuid.NewString(),
		Topic:        topic,
		PartitionKey: partitionKey,
		Payload:      payloadBytes,
		ProducedAt:   time.Now().UTC(),
	}, nil
}

// UnmarshalPayload unmarshals the payload into the provided value.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}
