// Package streaming fans out persisted lifecycle events to live subscribers.
package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/hitl/internal/store"
)

// StreamEvent is a lifecycle event as seen by subscribers.
type StreamEvent struct {
	ExecutionID string          `json:"execution_id"`
	Node        string          `json:"node,omitempty"`
	EventType   string          `json:"event_type"`
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// FromEvent converts a persisted event.
func FromEvent(e *store.Event) StreamEvent {
	return StreamEvent{
		ExecutionID: e.ExecutionID,
		Node:        e.Node,
		EventType:   e.Type,
		Sequence:    e.Sequence,
		Timestamp:   e.Timestamp,
		Payload:     e.Payload,
	}
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for lifecycle events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
