// Package hitl implements the suspend/resume protocol of a human-in-the-loop step.
//
// The step is entered twice by the host: once to build, register and dispatch a
// request before parking the execution, and once more with the human's answer as
// its input. Execute tells the two apart by the shape of the first input item.
// Webhook deliveries and host deadlines race through the correlation store; the
// first of Claim and Expire wins.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/hitl/internal/correlation"
	"github.com/rendis/hitl/internal/expressions"
	"github.com/rendis/hitl/internal/logging"
	"github.com/rendis/hitl/internal/request"
	"github.com/rendis/hitl/internal/store"
	"github.com/rendis/hitl/pkg/schema"
)

// SnapshotKey is the node static data key holding the live request snapshot.
const SnapshotKey = "currentRequest"

// MaxHorizon bounds every deadline, including "indefinite" ones.
const MaxHorizon = 365 * 24 * time.Hour

// ErrUnknownExecution is returned by hosts that have no record of an execution.
var ErrUnknownExecution = errors.New("unknown execution")

// NodeData is per-node durable key/value storage provided by the host.
// Get returns nil, nil for absent keys.
type NodeData interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
}

// ExecuteFunctions is the host surface available to a step invocation.
type ExecuteFunctions interface {
	InputItems() []schema.Item
	Params() (schema.StepParams, error)
	Credentials(ctx context.Context) (schema.Credentials, error)
	Workflow() schema.WorkflowIdentity
	ExecutionID() string
	NodeName() string
	PublicBaseURL() string
	WebhookPath() string
	ContinueOnFail() bool
	NodeData() NodeData
	// PutExecutionToWait parks the execution until a webhook or waitUntil.
	PutExecutionToWait(ctx context.Context, waitUntil time.Time) error
}

// IndefiniteWaiter is implemented by hosts that can park an execution
// without a deadline.
type IndefiniteWaiter interface {
	PutExecutionToWaitIndefinitely(ctx context.Context) error
}

// ExecutionState is what the host reports about an execution during webhook recovery.
type ExecutionState struct {
	NodeName string
	Waiting  bool
}

// WebhookFunctions is the host surface available to an inbound delivery.
type WebhookFunctions interface {
	RequestBody() []byte
	// ExecutionHandle is the execution segment of the webhook URL.
	ExecutionHandle() string
	// Execution returns ErrUnknownExecution when the host has no such execution.
	Execution(ctx context.Context) (*ExecutionState, error)
	NodeData() NodeData
}

// Dispatcher sends the outbound payload to the decision service.
type Dispatcher interface {
	Dispatch(ctx context.Context, creds schema.Credentials, payload *schema.OutboundPayload) error
}

// InboundValidator checks a webhook body and returns it decoded.
type InboundValidator interface {
	ValidateInbound(body []byte) (map[string]any, error)
}

// EventEmitter records request lifecycle events. Satisfied by *store.EventLog.
type EventEmitter interface {
	Emit(ctx context.Context, executionID, node, eventType string, payload any) (*store.Event, error)
}

// Coordinator wires the correlation store, request builder and dispatcher.
type Coordinator struct {
	store      correlation.Store
	builder    *request.Builder
	dispatcher Dispatcher
	validator  InboundValidator
	interp     *expressions.Interpolator
	events     EventEmitter
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
	indefinite bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInterpolator resolves `${{ }}` references in step parameters before build.
func WithInterpolator(i *expressions.Interpolator) Option {
	return func(c *Coordinator) { c.interp = i }
}

// WithEvents records lifecycle events.
func WithEvents(e EventEmitter) Option {
	return func(c *Coordinator) { c.events = e }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the coordinator clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIndefiniteWait parks timeoutMinutes=0 executions without a host deadline
// when the host implements IndefiniteWaiter. The stored waitUntil keeps MaxHorizon.
func WithIndefiniteWait(enabled bool) Option {
	return func(c *Coordinator) { c.indefinite = enabled }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(st correlation.Store, b *request.Builder, d Dispatcher, v InboundValidator, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      st,
		builder:    b,
		dispatcher: d,
		validator:  v,
		logger:     logging.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsResumption reports whether items carry a delivered response: the first
// item has a correlationToken and a response key.
func IsResumption(items []schema.Item) bool {
	if len(items) == 0 || items[0].JSON == nil {
		return false
	}
	first := items[0].JSON
	_, hasToken := first["correlationToken"]
	_, hasResponse := first["response"]
	return hasToken && hasResponse
}

// Execute is the step entry point. A resumed invocation returns its input
// unchanged. A fresh one builds and dispatches a request, parks the execution
// and returns a single empty output branch.
func (c *Coordinator) Execute(ctx context.Context, ef ExecuteFunctions) ([][]schema.Item, error) {
	items := ef.InputItems()
	if IsResumption(items) {
		return [][]schema.Item{items}, nil
	}

	ctx = logging.WithExecutionID(ctx, ef.ExecutionID())
	ctx = logging.WithNode(ctx, ef.NodeName())

	out, err := c.execute(ctx, ef, items)
	if err != nil {
		if ef.ContinueOnFail() {
			logging.LogWith(ctx, c.logger).Warn("step failed, continuing", slog.String("error", err.Error()))
			return [][]schema.Item{{{
				JSON:       map[string]any{"error": errorMessage(err)},
				PairedItem: &schema.PairedItem{Item: 0},
			}}}, nil
		}
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) execute(ctx context.Context, ef ExecuteFunctions, items []schema.Item) ([][]schema.Item, error) {
	params, err := ef.Params()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "invalid step parameters").
			WithNode(ef.NodeName()).WithCause(err)
	}
	if params.Operation != "" && params.Operation != schema.OperationHITLRequest {
		logging.LogWith(ctx, c.logger).Debug("unknown operation", slog.String("operation", params.Operation))
		return [][]schema.Item{{}}, nil
	}

	var item map[string]any
	if len(items) > 0 {
		item = items[0].JSON
	}

	if c.interp != nil {
		scope := &expressions.Scope{
			JSON:      item,
			Workflow:  map[string]any{"id": ef.Workflow().ID, "name": ef.Workflow().Name},
			Execution: map[string]any{"id": ef.ExecutionID()},
			Node:      map[string]any{"name": ef.NodeName()},
		}
		params, err = c.interp.ResolveParams(ctx, params, scope)
		if err != nil {
			return nil, err
		}
	}

	if err := checkParams(params); err != nil {
		return nil, err.WithNode(ef.NodeName())
	}

	creds, err := ef.Credentials(ctx)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeConfiguration) {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeConfiguration, "credentials unavailable").
			WithNode(ef.NodeName()).WithCause(err)
	}
	if creds.BaseURL == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "credentials baseUrl is required").WithNode(ef.NodeName())
	}

	payload, err := c.builder.Build(ctx, request.Input{
		Params:        params,
		Credentials:   creds,
		Item:          item,
		Workflow:      ef.Workflow(),
		ExecutionID:   ef.ExecutionID(),
		PublicBaseURL: ef.PublicBaseURL(),
		WebhookPath:   ef.WebhookPath(),
	})
	if err != nil {
		return nil, err
	}

	if err := c.Suspend(ctx, ef, creds, payload); err != nil {
		return nil, err
	}
	return [][]schema.Item{{}}, nil
}

func checkParams(p schema.StepParams) *schema.HITLError {
	switch {
	case p.Title == "":
		return schema.NewError(schema.ErrCodeConfiguration, "title is required")
	case p.Message == "":
		return schema.NewError(schema.ErrCodeConfiguration, "message is required")
	case !p.ResponseShape.Valid():
		return schema.NewErrorf(schema.ErrCodeConfiguration, "unsupported responseShape %q", p.ResponseShape)
	}
	return nil
}

func errorMessage(err error) string {
	var he *schema.HITLError
	if errors.As(err, &he) {
		return he.Message
	}
	return err.Error()
}

func (c *Coordinator) emit(ctx context.Context, executionID, node, eventType string, payload any) {
	if c.events == nil {
		return
	}
	if _, err := c.events.Emit(ctx, executionID, node, eventType, payload); err != nil {
		logging.LogWith(ctx, c.logger).Error("failed to record event",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}
