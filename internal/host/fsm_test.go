package host

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hitl/internal/store"
	"github.com/rendis/hitl/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

type failAppender struct{}

func (failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func TestExecutionFSM_WaitAndResume(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "E", "Approve", StatusNew, schema.ExecutionStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "E", "Approve", schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting))
	require.NoError(t, fsm.Transition(ctx, "E", "Approve", schema.ExecutionStatusWaiting, schema.ExecutionStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "E", "Approve", schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted))

	events := app.Events()
	require.Len(t, events, 4)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
	assert.Equal(t, schema.EventExecutionWaiting, events[1].Type)
	assert.Equal(t, schema.EventExecutionResumed, events[2].Type)
	assert.Equal(t, schema.EventExecutionCompleted, events[3].Type)
	assert.Equal(t, "Approve", events[0].Node)
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)

	err := fsm.Transition(context.Background(), "E", "Approve", StatusNew, schema.ExecutionStatusCompleted)
	require.Error(t, err)

	var he *schema.HITLError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, schema.ErrCodeInvalidTransition, he.Code)
	assert.Contains(t, he.Message, "new")
	assert.Contains(t, he.Message, "completed")
	assert.Empty(t, app.Events())
}

func TestExecutionFSM_TerminalStatesRejectTransitions(t *testing.T) {
	fsm := NewExecutionFSM(&mockAppender{})
	for _, terminal := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	} {
		assert.True(t, terminal.Terminal())
		err := fsm.Transition(context.Background(), "E", "", terminal, schema.ExecutionStatusRunning)
		require.Error(t, err, "should not leave terminal state %s", terminal)
	}
}

func TestExecutionFSM_EventEmitFailure(t *testing.T) {
	fsm := NewExecutionFSM(failAppender{})
	err := fsm.Transition(context.Background(), "E", "", StatusNew, schema.ExecutionStatusRunning)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestExecutionFSM_Hooks(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting, func(_ context.Context, id string, from, to schema.ExecutionStatus) error {
		assert.Equal(t, "E", id)
		order = append(order, "before:"+string(from)+">"+string(to))
		return nil
	})
	fsm.OnAfter(schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting, func(_ context.Context, _ string, _, _ schema.ExecutionStatus) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "E", "", schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting))
	assert.Equal(t, []string{"before:running>waiting", "after"}, order)
	assert.Len(t, app.Events(), 1)
}

func TestExecutionFSM_BeforeHookErrorAborts(t *testing.T) {
	app := &mockAppender{}
	fsm := NewExecutionFSM(app)
	fsm.OnBefore(StatusNew, schema.ExecutionStatusRunning, func(context.Context, string, schema.ExecutionStatus, schema.ExecutionStatus) error {
		return errors.New("hook failed")
	})

	err := fsm.Transition(context.Background(), "E", "", StatusNew, schema.ExecutionStatusRunning)
	require.ErrorContains(t, err, "hook failed")
	assert.Empty(t, app.Events())
}

func TestExecutionFSM_CancelFromLiveStates(t *testing.T) {
	for _, from := range []schema.ExecutionStatus{schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting} {
		assert.True(t, CanTransition(from, schema.ExecutionStatusCancelled), from)
	}
	assert.False(t, CanTransition(StatusNew, schema.ExecutionStatusCancelled))
}

func TestExecutionTransitionTable_AllStatusesPresent(t *testing.T) {
	for _, s := range []schema.ExecutionStatus{
		StatusNew,
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusWaiting,
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	} {
		_, ok := ValidExecutionTransitions[s]
		assert.True(t, ok, "status %q missing from transition table", s)
	}
}
