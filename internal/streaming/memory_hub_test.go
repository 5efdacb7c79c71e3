package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hitl/internal/store"
	"github.com/rendis/hitl/pkg/schema"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertSilent(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		ExecutionID: "E1",
		Node:        "Human Approval",
		EventType:   schema.EventRequestDispatched,
		Payload:     json.RawMessage(`{"correlation_token":"T"}`),
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event, got)
}

func TestFilterByExecution(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "E1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "E1", EventType: schema.EventExecutionWaiting}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "E2", EventType: schema.EventExecutionWaiting}))

	assert.Equal(t, "E1", receive(t, ch).ExecutionID)
	assertSilent(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventResponseReceived, schema.EventDeadlineExpired},
	})
	require.NoError(t, err)
	defer cancel()

	for _, typ := range []string{schema.EventResponseReceived, schema.EventRequestRegistered, schema.EventDeadlineExpired} {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "E1", EventType: typ}))
	}

	assert.Equal(t, schema.EventResponseReceived, receive(t, ch).EventType)
	assert.Equal(t, schema.EventDeadlineExpired, receive(t, ch).EventType)
	assertSilent(t, ch)
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "E1", EventType: schema.EventExecutionCompleted}))
	assertSilent(t, ch)
}

func TestBackpressureDropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range defaultChannelBuffer + 10 {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "E1", EventType: "tick"}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, StreamEvent{ExecutionID: "E", EventType: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			defer cancel()
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{ExecutionID: "E1"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	hub.Close()
	hub.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "E1"}))
	_, _, err = hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, ErrHubClosed)
}

type appendOnlyStore struct {
	store.Store
	err    error
	events []*store.Event
}

func (s *appendOnlyStore) AppendEvent(_ context.Context, e *store.Event) error {
	if s.err != nil {
		return s.err
	}
	e.Sequence = int64(len(s.events) + 1)
	s.events = append(s.events, e)
	return nil
}

func TestPublishingStore(t *testing.T) {
	hub := NewMemoryHub()
	inner := &appendOnlyStore{}
	ps := NewPublishingStore(inner, hub)

	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{ExecutionID: "E1"})
	require.NoError(t, err)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	stop()
	require.NoError(t, ps.AppendEvent(ctx, &store.Event{ExecutionID: "E1", Node: "n", Type: schema.EventExecutionStarted}))

	got := receive(t, ch)
	assert.Equal(t, schema.EventExecutionStarted, got.EventType)
	assert.Equal(t, int64(1), got.Sequence)
	assert.Len(t, inner.events, 1)

	inner.err = errors.New("disk full")
	assert.Error(t, ps.AppendEvent(context.Background(), &store.Event{ExecutionID: "E1", Type: schema.EventExecutionFailed}))
	assertSilent(t, ch)
}
