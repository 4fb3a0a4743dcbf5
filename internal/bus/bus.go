// Package bus publishes run progress events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type, usually the topic.
	Type string `json:"type"`

	// Source is the component that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// CorrelationID links the events of one run.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(topic, source, runID string, payload any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          topic,
		Source:        source,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: runID,
		Payload:       payload,
	}
}

// Topics for run events.
const (
	TopicBatchCompleted = "eval.batch.completed"
	TopicRunCompleted   = "eval.run.completed"
	TopicEpochCompleted = "weights.epoch.completed"
)

// BatchCompleted is the payload of TopicBatchCompleted.
type BatchCompleted struct {
	Relation string `json:"relation"`
	Batch    int    `json:"batch"`
	Batches  int    `json:"batches"`
	Samples  int    `json:"samples"`
}

// RunCompleted is the payload of TopicRunCompleted.
type RunCompleted struct {
	Relation   string   `json:"relation"`
	Mode       string   `json:"mode"`
	Samples    int      `json:"samples"`
	Excluded   int      `json:"excluded"`
	MRR        *float64 `json:"mrr,omitempty"`
	Precision1 *float64 `json:"precision_at_1,omitempty"`
	Loss       *float64 `json:"loss,omitempty"`
}

// EpochCompleted is the payload of TopicEpochCompleted.
type EpochCompleted struct {
	Relation string  `json:"relation"`
	Epoch    int     `json:"epoch"`
	Loss     float64 `json:"loss"`
}
