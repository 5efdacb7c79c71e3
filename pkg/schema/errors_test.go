package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHITLError_Format(t *testing.T) {
	err := NewError(ErrCodeDispatch, "decision service returned 500")
	assert.Equal(t, "[DISPATCH_FAILURE] decision service returned 500", err.Error())

	err.WithNode("Approve Order")
	assert.Equal(t, "[DISPATCH_FAILURE] node Approve Order: decision service returned 500", err.Error())
}

func TestHITLError_UnwrapAndHasCode(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewErrorf(ErrCodeDispatch, "post: %s", cause).WithCause(cause)
	wrapped := fmt.Errorf("execute: %w", err)

	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, HasCode(wrapped, ErrCodeDispatch))
	assert.False(t, HasCode(wrapped, ErrCodeConfiguration))
	assert.False(t, HasCode(cause, ErrCodeDispatch))
}

func TestResponseShapeAndPriority_Valid(t *testing.T) {
	assert.True(t, ShapeStructuredForm.Valid())
	assert.False(t, ResponseShape("yesno").Valid())
	assert.True(t, PriorityUrgent.Valid())
	assert.False(t, Priority("critical").Valid())
}

func TestInboundEnvelope_ResponseAlwaysSerialized(t *testing.T) {
	env := InboundEnvelope{
		CorrelationToken: "tok",
		ResponseValue:    map[string]any{"d": "A"},
		RespondedAt:      "2026-01-01T00:00:00.000Z",
		Data:             map[string]any{},
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	_, hasResponse := m["response"]
	assert.True(t, hasResponse)
	_, hasComment := m["comment"]
	assert.False(t, hasComment)
}

func TestFormatTime_UTCMillis(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	ts := time.Date(2026, 3, 4, 12, 30, 0, 123456789, loc)
	assert.Equal(t, "2026-03-04T10:30:00.123Z", FormatTime(ts))
}

func TestExecutionStatus_Terminal(t *testing.T) {
	assert.False(t, ExecutionStatusWaiting.Terminal())
	assert.True(t, ExecutionStatusCancelled.Terminal())
}
