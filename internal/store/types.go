package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/hitl/pkg/schema"
)

// Execution is the host's persisted record of one HITL step invocation.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	WorkflowName   string                 `json:"workflow_name,omitempty"`
	NodeName       string                 `json:"node_name"`
	CredentialName string                 `json:"credential_name"`
	Params         json.RawMessage        `json:"params"`
	Input          json.RawMessage        `json:"input,omitempty"`
	ContinueOnFail bool                   `json:"continue_on_fail"`
	Status         schema.ExecutionStatus `json:"status"`
	Output         json.RawMessage        `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	WaitUntil      *time.Time             `json:"wait_until,omitempty"`
	TimedOut       bool                   `json:"timed_out,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Node        string          `json:"node,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// PendingRequestFilter specifies criteria for listing pending requests.
type PendingRequestFilter struct {
	ExecutionID   string               `json:"execution_id,omitempty"`
	Status        schema.RequestStatus `json:"status,omitempty"`
	WaitingBefore *time.Time           `json:"waiting_before,omitempty"`
	Limit         int                  `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       *string                 `json:"error,omitempty"`
	WaitUntil   *time.Time              `json:"wait_until,omitempty"`
	ClearWait   bool                    `json:"clear_wait,omitempty"`
	TimedOut    *bool                   `json:"timed_out,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}
