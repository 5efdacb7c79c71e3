package hitl

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/hitl/internal/correlation"
	"github.com/rendis/hitl/internal/logging"
	"github.com/rendis/hitl/pkg/schema"
)

// Response bodies returned to the decision service.
const (
	MsgAccepted         = "Response received, workflow will continue"
	MsgMissingToken     = "Missing correlationToken in webhook payload"
	MsgGone             = "Request already resolved or expired"
	MsgUnknownExecution = "Unknown execution"
)

// WebhookResult is the synchronous answer to a webhook delivery. WorkflowData
// is set only when the delivery won the claim; the host resumes the execution
// with it.
type WebhookResult struct {
	StatusCode   int
	Body         map[string]any
	WorkflowData [][]schema.Item
}

// Accepted reports whether the delivery resumed the execution.
func (r *WebhookResult) Accepted() bool {
	return r.WorkflowData != nil
}

func rejected(status int, msg string) *WebhookResult {
	return &WebhookResult{StatusCode: status, Body: map[string]any{"error": msg}}
}

// Webhook handles one inbound delivery. Claim failures are answered, not
// returned: the error result is reserved for store failures.
func (c *Coordinator) Webhook(ctx context.Context, wf WebhookFunctions) (*WebhookResult, error) {
	handle := wf.ExecutionHandle()
	ctx = logging.WithExecutionID(ctx, handle)
	log := logging.LogWith(ctx, c.logger)

	fields, err := c.validator.ValidateInbound(wf.RequestBody())
	if err != nil {
		log.Warn("rejected webhook payload", slog.String("error", err.Error()))
		return c.answer(ctx, handle, "", rejected(http.StatusBadRequest, MsgMissingToken)), nil
	}
	token, _ := fields["correlationToken"].(string)
	ctx = logging.WithCorrelationToken(ctx, token)

	// Claim consumes the token, so a misrouted delivery is turned away first.
	if existing, err := c.store.Get(ctx, token); err == nil && existing.ExecutionHandle != handle {
		log.Warn("token delivered to another execution", slog.String("owner", existing.ExecutionHandle))
		return c.answer(ctx, handle, token, rejected(http.StatusGone, MsgGone)), nil
	}

	req, err := c.store.Claim(ctx, token)
	switch {
	case err == nil:
		c.metrics.observeClaim("claimed")
	case errors.Is(err, correlation.ErrAlreadyResolved):
		c.metrics.observeClaim("already_resolved")
		return c.answer(ctx, handle, token, rejected(http.StatusGone, MsgGone)), nil
	case errors.Is(err, correlation.ErrNotFound):
		c.metrics.observeClaim("not_found")
		var res *WebhookResult
		req, res, err = c.recoverAndClaim(ctx, wf, token)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return c.answer(ctx, handle, token, res), nil
		}
	default:
		return nil, err
	}

	if req.ExecutionHandle != handle {
		return c.answer(ctx, handle, token, rejected(http.StatusGone, MsgGone)), nil
	}

	env := c.envelope(fields)
	c.emit(ctx, handle, req.NodeName, schema.EventResponseReceived, map[string]any{"correlation_token": token})
	log.Info("response accepted")

	res := &WebhookResult{
		StatusCode:   http.StatusOK,
		Body:         map[string]any{"success": true, "message": MsgAccepted},
		WorkflowData: [][]schema.Item{{{JSON: env}}},
	}
	return c.answer(ctx, handle, token, res), nil
}

// recoverAndClaim rebuilds a minimal registration from the host's node data
// when the correlation store has lost the token, then claims it.
func (c *Coordinator) recoverAndClaim(ctx context.Context, wf WebhookFunctions, token string) (*schema.PendingRequest, *WebhookResult, error) {
	log := logging.LogWith(ctx, c.logger)
	handle := wf.ExecutionHandle()

	state, err := wf.Execution(ctx)
	if errors.Is(err, ErrUnknownExecution) {
		return nil, rejected(http.StatusNotFound, MsgUnknownExecution), nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !state.Waiting {
		return nil, rejected(http.StatusGone, MsgGone), nil
	}

	snap, err := ReadSnapshot(ctx, wf.NodeData())
	if err != nil {
		log.Warn("unreadable request snapshot", slog.String("error", err.Error()))
		return nil, rejected(http.StatusGone, MsgGone), nil
	}
	if snap == nil || snap.CorrelationToken != token {
		return nil, rejected(http.StatusGone, MsgGone), nil
	}

	if err := c.reregister(ctx, minimalRequest(token, handle, state.NodeName, snap, c.now())); err != nil {
		return nil, nil, err
	}
	log.Info("recovered registration from node data")

	req, err := c.store.Claim(ctx, token)
	switch {
	case err == nil:
		c.metrics.observeClaim("recovered")
		return req, nil, nil
	case errors.Is(err, correlation.ErrAlreadyResolved), errors.Is(err, correlation.ErrNotFound):
		c.metrics.observeClaim("already_resolved")
		return nil, rejected(http.StatusGone, MsgGone), nil
	default:
		return nil, nil, err
	}
}

// reregister inserts req, tolerating a concurrent recovery of the same token.
func (c *Coordinator) reregister(ctx context.Context, req *schema.PendingRequest) error {
	if err := c.store.Register(ctx, req); err != nil && !errors.Is(err, correlation.ErrDuplicate) {
		return err
	}
	return nil
}

func minimalRequest(token, handle, node string, snap *schema.RequestSnapshot, now time.Time) *schema.PendingRequest {
	req := &schema.PendingRequest{
		CorrelationToken: token,
		ExecutionHandle:  handle,
		NodeName:         node,
		Status:           schema.RequestStatusPending,
		CreatedAt:        now,
		WaitUntil:        now.Add(MaxHorizon),
	}
	if snap == nil {
		return req
	}
	req.CallbackURL = snap.CallbackURL
	created, errC := time.Parse(schema.TimeFormat, snap.CreatedAt)
	until, errU := time.Parse(schema.TimeFormat, snap.WaitUntil)
	if errC == nil && errU == nil && until.After(created) {
		req.CreatedAt = created.UTC()
		req.WaitUntil = until.UTC()
	}
	return req
}

// envelope shapes the step output: respondedAt defaults to now when absent
// or null, data defaults to an empty object. response is always present,
// null when not delivered, since resumption is detected by the key.
func (c *Coordinator) envelope(fields map[string]any) map[string]any {
	env := map[string]any{
		"correlationToken": fields["correlationToken"],
		"response":         fields["response"],
	}
	for _, k := range []string{"responseValue", "respondedBy", "comment"} {
		if v, ok := fields[k]; ok {
			env[k] = v
		}
	}
	if v := fields["respondedAt"]; v != nil {
		env["respondedAt"] = v
	} else {
		env["respondedAt"] = schema.FormatTime(c.now())
	}
	if v := fields["data"]; v != nil {
		env["data"] = v
	} else {
		env["data"] = map[string]any{}
	}
	return env
}

func (c *Coordinator) answer(ctx context.Context, handle, token string, res *WebhookResult) *WebhookResult {
	c.metrics.observeWebhook(res.StatusCode)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNotFound && handle != "" {
		c.emit(ctx, handle, "", schema.EventResponseRejected, map[string]any{
			"correlation_token": token,
			"status":            res.StatusCode,
		})
	}
	return res
}
