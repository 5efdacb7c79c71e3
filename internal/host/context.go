package host

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/hitl/internal/hitl"
	"github.com/rendis/hitl/internal/store"
	"github.com/rendis/hitl/pkg/schema"
)

// execContext is the host surface handed to one step invocation.
type execContext struct {
	r      *Runtime
	exec   *store.Execution
	items  []schema.Item
	parked bool
}

func (c *execContext) InputItems() []schema.Item { return c.items }

func (c *execContext) Params() (schema.StepParams, error) {
	var p schema.StepParams
	if err := json.Unmarshal(c.exec.Params, &p); err != nil {
		return p, schema.NewError(schema.ErrCodeConfiguration, "stored params are not valid JSON").WithCause(err)
	}
	return p, nil
}

func (c *execContext) Credentials(ctx context.Context) (schema.Credentials, error) {
	return c.r.creds.Get(ctx, c.exec.CredentialName)
}

func (c *execContext) Workflow() schema.WorkflowIdentity {
	return schema.WorkflowIdentity{ID: c.exec.WorkflowID, Name: c.exec.WorkflowName}
}

func (c *execContext) ExecutionID() string   { return c.exec.ID }
func (c *execContext) NodeName() string      { return c.exec.NodeName }
func (c *execContext) PublicBaseURL() string { return c.r.cfg.PublicBaseURL }
func (c *execContext) WebhookPath() string   { return c.r.cfg.WebhookPath }
func (c *execContext) ContinueOnFail() bool  { return c.exec.ContinueOnFail }
func (c *execContext) NodeData() hitl.NodeData {
	return c.r.nodeData(c.exec)
}

func (c *execContext) PutExecutionToWait(ctx context.Context, waitUntil time.Time) error {
	if err := c.r.park(ctx, c.exec, &waitUntil); err != nil {
		return err
	}
	c.parked = true
	return nil
}

func (c *execContext) PutExecutionToWaitIndefinitely(ctx context.Context) error {
	if err := c.r.park(ctx, c.exec, nil); err != nil {
		return err
	}
	c.parked = true
	return nil
}

// webhookContext is the host surface handed to one inbound delivery. The node
// is learned from Execution, which the coordinator consults before NodeData.
type webhookContext struct {
	r           *Runtime
	executionID string
	body        []byte
	node        string
}

func (w *webhookContext) RequestBody() []byte     { return w.body }
func (w *webhookContext) ExecutionHandle() string { return w.executionID }

func (w *webhookContext) Execution(ctx context.Context) (*hitl.ExecutionState, error) {
	exec, err := w.r.store.GetExecution(ctx, w.executionID)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, hitl.ErrUnknownExecution
	}
	if err != nil {
		return nil, err
	}
	w.node = exec.NodeName
	return &hitl.ExecutionState{
		NodeName: exec.NodeName,
		Waiting:  exec.Status == schema.ExecutionStatusWaiting,
	}, nil
}

func (w *webhookContext) NodeData() hitl.NodeData {
	return &nodeData{store: w.r.store, executionID: w.executionID, node: w.node}
}

// nodeData adapts the store's node static data to hitl.NodeData.
type nodeData struct {
	store       store.Store
	executionID string
	node        string
}

func (n *nodeData) Get(ctx context.Context, key string) (json.RawMessage, error) {
	v, err := n.store.GetNodeData(ctx, n.executionID, n.node, key)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, nil
	}
	return v, err
}

func (n *nodeData) Put(ctx context.Context, key string, value json.RawMessage) error {
	return n.store.PutNodeData(ctx, n.executionID, n.node, key, value)
}
