// Package host is a minimal workflow host for the HITL step: it persists
// executions, parks them while a human decides, owns their deadline timers and
// resumes them when the decision service calls back.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hitl/internal/hitl"
	"github.com/rendis/hitl/internal/logging"
	"github.com/rendis/hitl/internal/store"
	"github.com/rendis/hitl/pkg/schema"
)

// DefaultNodeName names the HITL step when a start request does not.
const DefaultNodeName = "Human Approval"

// CredentialStore resolves and stores decision-service credentials by name.
type CredentialStore interface {
	Get(ctx context.Context, name string) (schema.Credentials, error)
	Put(ctx context.Context, name string, creds schema.Credentials) error
	Names(ctx context.Context) ([]string, error)
}

// HealthChecker tests credentials against the decision service.
type HealthChecker interface {
	HealthCheck(ctx context.Context, creds schema.Credentials) error
}

// InputValidator checks the first input item against a caller-provided schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Config holds host settings.
type Config struct {
	PublicBaseURL string
	WebhookPath   string
	PoolSize      int
}

// Deps holds the collaborators of a Runtime.
type Deps struct {
	Store       store.Store
	Coordinator *hitl.Coordinator
	Credentials CredentialStore
	Health      HealthChecker
	Inputs      InputValidator
	Logger      *slog.Logger
	Now         func() time.Time
}

// StartRequest starts one execution of the HITL step.
type StartRequest struct {
	Workflow       schema.WorkflowIdentity `json:"workflow"`
	NodeName       string                  `json:"node,omitempty"`
	Credential     string                  `json:"credential,omitempty"`
	Params         schema.StepParams       `json:"params"`
	Input          []map[string]any        `json:"input,omitempty"`
	ContinueOnFail bool                    `json:"continueOnFail,omitempty"`
	InputSchema    json.RawMessage         `json:"inputSchema,omitempty"`
}

// ExecutionView is an execution together with its live request and replayed timeline.
type ExecutionView struct {
	*store.Execution
	Request  *schema.RequestSnapshot `json:"request,omitempty"`
	Timeline *store.Timeline         `json:"timeline,omitempty"`
}

const lockStripes = 64

// Runtime runs HITL step executions.
type Runtime struct {
	cfg    Config
	store  store.Store
	coord  *hitl.Coordinator
	creds  CredentialStore
	health HealthChecker
	inputs InputValidator
	fsm    *ExecutionFSM
	events *store.EventLog
	pool   *Pool
	logger *slog.Logger
	now    func() time.Time

	locks [lockStripes]sync.Mutex

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// New creates a Runtime.
func New(cfg Config, deps Deps) *Runtime {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = schema.DefaultWebhookPath
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Runtime{
		cfg:    cfg,
		store:  deps.Store,
		coord:  deps.Coordinator,
		creds:  deps.Credentials,
		health: deps.Health,
		inputs: deps.Inputs,
		fsm:    NewExecutionFSM(deps.Store),
		events: store.NewEventLog(deps.Store),
		pool:   NewPool(cfg.PoolSize, logger),
		logger: logger,
		now:    now,
		timers: make(map[string]*time.Timer),
	}
}

// WebhookPath is the path segment the decision service posts to.
func (r *Runtime) WebhookPath() string { return r.cfg.WebhookPath }

// Pool exposes the resume pool for metrics.
func (r *Runtime) Pool() *Pool { return r.pool }

func (r *Runtime) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &r.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Start creates an execution and runs the step. When the step fails the
// execution is still returned alongside the error.
func (r *Runtime) Start(ctx context.Context, req StartRequest) (*store.Execution, error) {
	if req.NodeName == "" {
		req.NodeName = DefaultNodeName
	}
	if req.Credential == "" {
		req.Credential = schema.DefaultCredentialName
	}
	var first map[string]any
	if len(req.Input) > 0 {
		first = req.Input[0]
	}
	if len(req.InputSchema) > 0 && r.inputs != nil {
		if err := r.inputs.ValidateInput(first, req.InputSchema); err != nil {
			return nil, err
		}
	}

	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	now := r.now()
	exec := &store.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     req.Workflow.ID,
		WorkflowName:   req.Workflow.Name,
		NodeName:       req.NodeName,
		CredentialName: req.Credential,
		Params:         params,
		Input:          input,
		ContinueOnFail: req.ContinueOnFail,
		Status:         schema.ExecutionStatusRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ctx = logging.WithExecutionID(ctx, exec.ID)

	unlock := r.lock(exec.ID)
	defer unlock()

	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := r.fsm.Transition(ctx, exec.ID, exec.NodeName, StatusNew, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}

	runErr := r.run(ctx, exec, toItems(req.Input))
	latest, err := r.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	return latest, runErr
}

// run invokes the step and settles the execution unless the step parked it.
func (r *Runtime) run(ctx context.Context, exec *store.Execution, items []schema.Item) error {
	ec := &execContext{r: r, exec: exec, items: items}
	out, err := r.coord.Execute(ctx, ec)
	if err != nil {
		if ferr := r.finish(ctx, exec, schema.ExecutionStatusFailed, nil, err, false); ferr != nil {
			logging.LogWith(ctx, r.logger).Error("failed to record failure", slog.String("error", ferr.Error()))
		}
		return err
	}
	if ec.parked {
		return nil
	}
	return r.finish(ctx, exec, schema.ExecutionStatusCompleted, out, nil, false)
}

// finish moves a running execution to a terminal status.
func (r *Runtime) finish(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus, out [][]schema.Item, cause error, timedOut bool) error {
	if err := r.fsm.Transition(ctx, exec.ID, exec.NodeName, schema.ExecutionStatusRunning, to); err != nil {
		return err
	}
	now := r.now()
	update := store.ExecutionUpdate{Status: &to, CompletedAt: &now, ClearWait: true}
	if out != nil {
		b, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		update.Output = b
	}
	if cause != nil {
		msg := cause.Error()
		update.Error = &msg
	}
	if timedOut {
		update.TimedOut = &timedOut
	}
	if err := r.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}
	logging.LogWith(ctx, r.logger).Info("execution finished", slog.String("status", string(to)))
	return nil
}

// park moves a running execution to waiting and arms its deadline. A nil
// until waits without a deadline.
func (r *Runtime) park(ctx context.Context, exec *store.Execution, until *time.Time) error {
	if err := r.fsm.Transition(ctx, exec.ID, exec.NodeName, schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting); err != nil {
		return err
	}
	waiting := schema.ExecutionStatusWaiting
	update := store.ExecutionUpdate{Status: &waiting, WaitUntil: until, ClearWait: until == nil}
	if err := r.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}
	if until != nil {
		r.arm(exec.ID, *until)
	}
	return nil
}

// HandleWebhook answers a decision-service callback and, when it wins the
// claim, schedules the resumption. The answer does not wait for it.
func (r *Runtime) HandleWebhook(ctx context.Context, executionID, path string, body []byte) (*hitl.WebhookResult, error) {
	if path != r.cfg.WebhookPath {
		return &hitl.WebhookResult{StatusCode: 404, Body: map[string]any{"error": "Unknown webhook path"}}, nil
	}
	res, err := r.coord.Webhook(ctx, &webhookContext{r: r, executionID: executionID, body: body})
	if err != nil {
		return nil, err
	}
	if res.Accepted() {
		data := res.WorkflowData
		if err := r.pool.Submit(ctx, "resume:"+executionID, func(ctx context.Context) error {
			return r.resume(logging.WithExecutionID(ctx, executionID), executionID, data)
		}); err != nil {
			logging.LogWith(ctx, r.logger).Error("failed to schedule resume",
				slog.String("execution_id", executionID), slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// resume re-enters the step with the delivered envelope.
func (r *Runtime) resume(ctx context.Context, executionID string, data [][]schema.Item) error {
	unlock := r.lock(executionID)
	defer unlock()

	var items []schema.Item
	if len(data) > 0 {
		items = data[0]
	}
	if len(items) > 0 {
		if token, _ := items[0].JSON["correlationToken"].(string); token != "" {
			defer r.release(ctx, token)
		}
	}

	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionStatusWaiting {
		logging.LogWith(ctx, r.logger).Warn("resume skipped", slog.String("status", string(exec.Status)))
		return nil
	}
	r.disarm(executionID)

	if err := r.wake(ctx, exec, false); err != nil {
		return err
	}
	return r.run(ctx, exec, items)
}

// release drops a resolved request from the correlation store.
func (r *Runtime) release(ctx context.Context, token string) {
	if err := r.coord.Release(ctx, token); err != nil {
		logging.LogWith(ctx, r.logger).Warn("failed to release token", slog.String("error", err.Error()))
	}
}

// wake moves a waiting execution back to running.
func (r *Runtime) wake(ctx context.Context, exec *store.Execution, timedOut bool) error {
	if err := r.fsm.Transition(ctx, exec.ID, exec.NodeName, schema.ExecutionStatusWaiting, schema.ExecutionStatusRunning); err != nil {
		return err
	}
	running := schema.ExecutionStatusRunning
	update := store.ExecutionUpdate{Status: &running, ClearWait: true}
	if timedOut {
		update.TimedOut = &timedOut
	}
	return r.store.UpdateExecution(ctx, exec.ID, update)
}

// Cancel abandons an execution. A waiting execution's request is resolved so
// a late webhook is answered 410.
func (r *Runtime) Cancel(ctx context.Context, executionID string) (*store.Execution, error) {
	ctx = logging.WithExecutionID(ctx, executionID)
	unlock := r.lock(executionID)
	defer unlock()

	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(exec.Status, schema.ExecutionStatusCancelled) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s and cannot be cancelled", executionID, exec.Status)
	}
	r.disarm(executionID)

	if exec.Status == schema.ExecutionStatusWaiting {
		snap, err := hitl.ReadSnapshot(ctx, r.nodeData(exec))
		if err != nil {
			return nil, err
		}
		if snap != nil {
			if _, err := r.coord.Abandon(ctx, executionID, snap.CorrelationToken); err != nil {
				return nil, err
			}
			defer r.release(ctx, snap.CorrelationToken)
		}
	}

	if err := r.fsm.Transition(ctx, exec.ID, exec.NodeName, exec.Status, schema.ExecutionStatusCancelled); err != nil {
		return nil, err
	}
	cancelled := schema.ExecutionStatusCancelled
	now := r.now()
	if err := r.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status: &cancelled, CompletedAt: &now, ClearWait: true,
	}); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, r.logger).Info("execution cancelled")
	return r.store.GetExecution(ctx, executionID)
}

// Get returns an execution with its request snapshot and replayed timeline.
func (r *Runtime) Get(ctx context.Context, executionID string) (*ExecutionView, error) {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	view := &ExecutionView{Execution: exec}
	if view.Request, err = hitl.ReadSnapshot(ctx, r.nodeData(exec)); err != nil {
		return nil, err
	}
	if view.Timeline, err = r.events.ReplayEvents(ctx, executionID); err != nil {
		return nil, err
	}
	return view, nil
}

// TestCredential checks the named credentials against the decision service.
func (r *Runtime) TestCredential(ctx context.Context, name string) error {
	creds, err := r.creds.Get(ctx, name)
	if err != nil {
		return err
	}
	if r.health == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "no health checker configured")
	}
	return r.health.HealthCheck(ctx, creds)
}

// PutCredential stores named credentials.
func (r *Runtime) PutCredential(ctx context.Context, name string, creds schema.Credentials) error {
	return r.creds.Put(ctx, name, creds)
}

// CredentialNames lists stored credentials.
func (r *Runtime) CredentialNames(ctx context.Context) ([]string, error) {
	return r.creds.Names(ctx)
}

// Recover re-arms deadlines of executions left waiting by a previous process.
func (r *Runtime) Recover(ctx context.Context) (int, error) {
	waiting := schema.ExecutionStatusWaiting
	execs, err := r.store.ListExecutions(ctx, store.ExecutionFilter{Status: &waiting})
	if err != nil {
		return 0, fmt.Errorf("list waiting executions: %w", err)
	}
	armed := 0
	for _, e := range execs {
		if e.WaitUntil == nil {
			continue
		}
		r.arm(e.ID, *e.WaitUntil)
		armed++
	}
	if armed > 0 {
		r.logger.Info("re-armed waiting executions", slog.Int("count", armed))
	}
	return armed, nil
}

// ReapOverdue expires waiting executions whose deadline passed without a
// timer firing. Returns how many were scheduled.
func (r *Runtime) ReapOverdue(ctx context.Context, now time.Time) (int, error) {
	waiting := schema.ExecutionStatusWaiting
	execs, err := r.store.ListExecutions(ctx, store.ExecutionFilter{Status: &waiting})
	if err != nil {
		return 0, fmt.Errorf("list waiting executions: %w", err)
	}
	reaped := 0
	for _, e := range execs {
		if e.WaitUntil == nil || e.WaitUntil.After(now) || r.armed(e.ID) {
			continue
		}
		id := e.ID
		if err := r.pool.Submit(ctx, "reap:"+id, func(ctx context.Context) error {
			return r.expire(ctx, id)
		}); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// expire handles a fired deadline.
func (r *Runtime) expire(ctx context.Context, executionID string) error {
	ctx = logging.WithExecutionID(ctx, executionID)
	unlock := r.lock(executionID)
	defer unlock()

	r.disarm(executionID)
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionStatusWaiting {
		return nil
	}

	snap, err := hitl.ReadSnapshot(ctx, r.nodeData(exec))
	if err != nil {
		return err
	}
	if snap != nil {
		won, err := r.coord.OnDeadline(ctx, executionID, snap.CorrelationToken)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		defer r.release(ctx, snap.CorrelationToken)
	}

	if err := r.wake(ctx, exec, true); err != nil {
		return err
	}
	return r.finish(ctx, exec, schema.ExecutionStatusCompleted, [][]schema.Item{{}}, nil, true)
}

func (r *Runtime) arm(executionID string, until time.Time) {
	d := until.Sub(r.now())
	if d < 0 {
		d = 0
	}
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if t, ok := r.timers[executionID]; ok {
		t.Stop()
	}
	r.timers[executionID] = time.AfterFunc(d, func() {
		if err := r.pool.Submit(context.Background(), "deadline:"+executionID, func(ctx context.Context) error {
			return r.expire(ctx, executionID)
		}); err != nil && !errors.Is(err, ErrPoolShutdown) {
			r.logger.Error("failed to schedule deadline",
				slog.String("execution_id", executionID), slog.String("error", err.Error()))
		}
	})
}

func (r *Runtime) disarm(executionID string) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if t, ok := r.timers[executionID]; ok {
		t.Stop()
		delete(r.timers, executionID)
	}
}

func (r *Runtime) armed(executionID string) bool {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	_, ok := r.timers[executionID]
	return ok
}

// Wait blocks until queued resumptions and deadlines finish.
func (r *Runtime) Wait() {
	r.pool.Wait()
}

// Close stops all timers and drains the pool.
func (r *Runtime) Close() {
	r.timerMu.Lock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.timerMu.Unlock()
	r.pool.Shutdown()
}

func (r *Runtime) nodeData(exec *store.Execution) hitl.NodeData {
	return &nodeData{store: r.store, executionID: exec.ID, node: exec.NodeName}
}

func toItems(input []map[string]any) []schema.Item {
	items := make([]schema.Item, 0, len(input))
	for _, in := range input {
		items = append(items, schema.Item{JSON: in})
	}
	return items
}
