package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/hitl/pkg/schema"
)

// EventLog provides typed append and replay on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Emit marshals payload and appends an event for the execution.
func (el *EventLog) Emit(ctx context.Context, executionID, node, eventType string, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	ev := &Event{ExecutionID: executionID, Node: node, Type: eventType, Payload: raw}
	if err := el.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// GetEvents returns events for an execution with sequence > since.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// Timeline is the state of an execution reconstructed from its events.
type Timeline struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Tokens      []string               `json:"tokens,omitempty"`
	Waits       int                    `json:"waits"`
	Rejections  int                    `json:"rejections"`
	TimedOut    bool                   `json:"timed_out"`
	LastEvent   string                 `json:"last_event,omitempty"`
}

// ReplayEvents folds an execution's events into a Timeline.
// Returns a STORE error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (*Timeline, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	tl := &Timeline{ExecutionID: executionID}
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
		tl.LastEvent = e.Type

		switch e.Type {
		case schema.EventExecutionStarted, schema.EventExecutionResumed:
			tl.Status = schema.ExecutionStatusRunning
		case schema.EventExecutionWaiting:
			tl.Status = schema.ExecutionStatusWaiting
			tl.Waits++
		case schema.EventExecutionCompleted:
			tl.Status = schema.ExecutionStatusCompleted
		case schema.EventExecutionFailed:
			tl.Status = schema.ExecutionStatusFailed
		case schema.EventExecutionCancelled:
			tl.Status = schema.ExecutionStatusCancelled
		case schema.EventRequestRegistered:
			var p struct {
				Token string `json:"correlation_token"`
			}
			if json.Unmarshal(e.Payload, &p) == nil && p.Token != "" {
				tl.Tokens = append(tl.Tokens, p.Token)
			}
		case schema.EventResponseRejected:
			tl.Rejections++
		case schema.EventDeadlineExpired:
			tl.TimedOut = true
		}
	}
	return tl, nil
}
