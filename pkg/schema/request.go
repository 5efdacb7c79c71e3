package schema

import (
	"encoding/json"
	"time"
)

// ResponseShape selects how the human is expected to answer.
type ResponseShape string

const (
	ShapeAck            ResponseShape = "ack"
	ShapeBinary         ResponseShape = "binary"
	ShapeFreeText       ResponseShape = "free-text"
	ShapeStructuredForm ResponseShape = "structured-form"
)

// Valid reports whether s is one of the known response shapes.
func (s ResponseShape) Valid() bool {
	switch s {
	case ShapeAck, ShapeBinary, ShapeFreeText, ShapeStructuredForm:
		return true
	}
	return false
}

// Priority is forwarded to the decision service untouched.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of a PendingRequest.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusResolved RequestStatus = "resolved"
)

// Resolution records which path moved a request into the resolved state.
type Resolution string

const (
	ResolvedByWebhook  Resolution = "webhook"
	ResolvedByDeadline Resolution = "deadline"
)

// PendingRequest binds a correlation token to a suspended execution.
type PendingRequest struct {
	CorrelationToken string          `json:"correlationToken"`
	ExecutionHandle  string          `json:"executionHandle"`
	NodeName         string          `json:"nodeName,omitempty"`
	CallbackURL      string          `json:"callbackUrl,omitempty"`
	ResponseShape    ResponseShape   `json:"responseShape"`
	FormSchema       json.RawMessage `json:"formSchema,omitempty"`
	Status           RequestStatus   `json:"status"`
	ResolvedBy       Resolution      `json:"resolvedBy,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	WaitUntil        time.Time       `json:"waitUntil"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
}

// OutboundPayload is the body POSTed to the decision service.
type OutboundPayload struct {
	CorrelationToken string          `json:"correlationToken"`
	Title            string          `json:"title"`
	Message          string          `json:"message"`
	ResponseShape    ResponseShape   `json:"responseShape"`
	FormSchema       json.RawMessage `json:"formSchema,omitempty"`
	CallbackURL      string          `json:"callbackUrl"`
	Priority         Priority        `json:"priority"`
	TimeoutMinutes   int             `json:"timeoutMinutes"`
	Assignee         string          `json:"assignee,omitempty"`
	Tags             []string        `json:"tags"`
	Metadata         map[string]any  `json:"metadata"`
	AdditionalData   map[string]any  `json:"additionalData"`
	InputData        map[string]any  `json:"inputData"`
	WorkflowID       string          `json:"workflowId"`
	WorkflowName     string          `json:"workflowName"`
	ExecutionID      string          `json:"executionId"`
	CreatedAt        string          `json:"createdAt"`
}

// InboundResponse is the body the decision service POSTs back. Every field
// other than CorrelationToken is an opaque pass-through.
type InboundResponse struct {
	CorrelationToken string `json:"correlationToken"`
	Response         any    `json:"response,omitempty"`
	ResponseValue    any    `json:"responseValue,omitempty"`
	RespondedBy      any    `json:"respondedBy,omitempty"`
	RespondedAt      any    `json:"respondedAt,omitempty"`
	Comment          any    `json:"comment,omitempty"`
	Data             any    `json:"data,omitempty"`
}

// InboundEnvelope becomes the step output once the execution resumes.
// Response is always serialized so a resumed item is recognisable even when
// the human answered through responseValue only.
type InboundEnvelope struct {
	CorrelationToken string `json:"correlationToken"`
	Response         any    `json:"response"`
	ResponseValue    any    `json:"responseValue,omitempty"`
	RespondedBy      any    `json:"respondedBy,omitempty"`
	RespondedAt      any    `json:"respondedAt"`
	Comment          any    `json:"comment,omitempty"`
	Data             any    `json:"data"`
}

// RequestSnapshot is the compact record kept in per-node durable storage.
type RequestSnapshot struct {
	CorrelationToken string `json:"correlationToken"`
	Title            string `json:"title"`
	CallbackURL      string `json:"callbackUrl"`
	CreatedAt        string `json:"createdAt"`
	WaitUntil        string `json:"waitTill"`
}

// TimeFormat is the wire format for all coordinator timestamps.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
