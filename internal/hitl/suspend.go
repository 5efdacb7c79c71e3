package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/hitl/internal/correlation"
	"github.com/rendis/hitl/internal/logging"
	"github.com/rendis/hitl/pkg/schema"
)

// WaitUntil maps timeoutMinutes to a deadline. Zero means indefinite and is
// capped at MaxHorizon.
func WaitUntil(now time.Time, timeoutMinutes int) (deadline time.Time, indefinite bool) {
	if timeoutMinutes > 0 {
		return now.Add(time.Duration(timeoutMinutes) * time.Minute), false
	}
	return now.Add(MaxHorizon), true
}

// Suspend registers the request, snapshots it, dispatches it and parks the
// execution, in that order. A failed dispatch removes the registration.
func (c *Coordinator) Suspend(ctx context.Context, ef ExecuteFunctions, creds schema.Credentials, payload *schema.OutboundPayload) error {
	token := payload.CorrelationToken
	execID := ef.ExecutionID()
	node := ef.NodeName()
	ctx = logging.WithCorrelationToken(ctx, token)
	log := logging.LogWith(ctx, c.logger)

	now := c.now()
	waitUntil, indefinite := WaitUntil(now, payload.TimeoutMinutes)

	req := &schema.PendingRequest{
		CorrelationToken: token,
		ExecutionHandle:  execID,
		NodeName:         node,
		CallbackURL:      payload.CallbackURL,
		ResponseShape:    payload.ResponseShape,
		FormSchema:       payload.FormSchema,
		Status:           schema.RequestStatusPending,
		CreatedAt:        now,
		WaitUntil:        waitUntil,
	}
	if err := c.store.Register(ctx, req); err != nil {
		if errors.Is(err, correlation.ErrDuplicate) {
			return schema.NewErrorf(schema.ErrCodeConflict, "correlation token %s already registered", token).
				WithNode(node).WithCause(err)
		}
		return err
	}
	c.emit(ctx, execID, node, schema.EventRequestRegistered, map[string]any{
		"correlation_token": token,
		"wait_until":        schema.FormatTime(waitUntil),
	})

	snap, err := json.Marshal(schema.RequestSnapshot{
		CorrelationToken: token,
		Title:            payload.Title,
		CallbackURL:      payload.CallbackURL,
		CreatedAt:        payload.CreatedAt,
		WaitUntil:        schema.FormatTime(waitUntil),
	})
	if err != nil {
		c.rollback(ctx, ef, token)
		return fmt.Errorf("marshal request snapshot: %w", err)
	}
	if err := ef.NodeData().Put(ctx, SnapshotKey, snap); err != nil {
		c.rollback(ctx, ef, token)
		return schema.NewError(schema.ErrCodeStore, "write request snapshot").WithNode(node).WithCause(err)
	}

	start := time.Now()
	err = c.dispatcher.Dispatch(ctx, creds, payload)
	c.metrics.observeDispatch(err, time.Since(start))
	if err != nil {
		c.rollback(ctx, ef, token)
		c.emit(ctx, execID, node, schema.EventDispatchFailed, map[string]any{
			"correlation_token": token,
			"error":             errorMessage(err),
		})
		log.Error("dispatch failed", slog.String("error", err.Error()))
		var he *schema.HITLError
		if errors.As(err, &he) {
			return he.WithNode(node)
		}
		return err
	}
	c.emit(ctx, execID, node, schema.EventRequestDispatched, map[string]any{"correlation_token": token})
	log.Info("request dispatched", slog.String("wait_until", schema.FormatTime(waitUntil)))

	if indefinite && c.indefinite {
		if w, ok := ef.(IndefiniteWaiter); ok {
			return w.PutExecutionToWaitIndefinitely(ctx)
		}
	}
	return ef.PutExecutionToWait(ctx, waitUntil)
}

// rollback undoes registration and snapshot after a failure before the wait.
func (c *Coordinator) rollback(ctx context.Context, ef ExecuteFunctions, token string) {
	log := logging.LogWith(ctx, c.logger)
	if err := c.store.Remove(ctx, token); err != nil && !errors.Is(err, correlation.ErrNotFound) {
		log.Error("failed to remove registration", slog.String("error", err.Error()))
	}
	if err := ef.NodeData().Put(ctx, SnapshotKey, nil); err != nil {
		log.Warn("failed to clear request snapshot", slog.String("error", err.Error()))
	}
}

// Release drops a consumed request from the correlation store once the host
// has resumed the execution.
func (c *Coordinator) Release(ctx context.Context, token string) error {
	if err := c.store.Forget(ctx, token); err != nil && !errors.Is(err, correlation.ErrNotFound) {
		return err
	}
	return nil
}

// ReadSnapshot returns the request snapshot kept in node data, or nil when absent.
func ReadSnapshot(ctx context.Context, nd NodeData) (*schema.RequestSnapshot, error) {
	raw, err := nd.Get(ctx, SnapshotKey)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var snap schema.RequestSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode request snapshot: %w", err)
	}
	return &snap, nil
}
