package hitl

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/hitl/internal/correlation"
	"github.com/rendis/hitl/internal/logging"
	"github.com/rendis/hitl/pkg/schema"
)

// OnDeadline is called by the host when the waiting-state deadline of handle
// fires. It reports whether the deadline won the race for token; when it did
// the host resumes the execution without a response. No envelope is built here.
//
// A token the store no longer knows is re-registered first so a concurrent
// recovered webhook and the deadline still linearize on the same entry.
func (c *Coordinator) OnDeadline(ctx context.Context, handle, token string) (bool, error) {
	ctx = logging.WithExecutionID(ctx, handle)
	ctx = logging.WithCorrelationToken(ctx, token)
	log := logging.LogWith(ctx, c.logger)

	req, won, err := c.expire(ctx, handle, token)
	if err != nil {
		return false, err
	}
	if !won {
		c.metrics.observeClaim("deadline_lost")
		log.Debug("deadline lost to webhook")
		return false, nil
	}

	c.metrics.observeClaim("expired")
	c.emit(ctx, handle, req.NodeName, schema.EventDeadlineExpired, map[string]any{"correlation_token": token})
	log.Info("request expired")
	return true, nil
}

// Abandon resolves token on behalf of a cancelled execution so a late webhook
// is answered 410. It reports whether the request was still pending.
func (c *Coordinator) Abandon(ctx context.Context, handle, token string) (bool, error) {
	_, won, err := c.expire(logging.WithCorrelationToken(ctx, token), handle, token)
	return won, err
}

func (c *Coordinator) expire(ctx context.Context, handle, token string) (*schema.PendingRequest, bool, error) {
	req, err := c.store.Expire(ctx, token)
	if errors.Is(err, correlation.ErrNotFound) {
		now := c.now()
		if rerr := c.reregister(ctx, &schema.PendingRequest{
			CorrelationToken: token,
			ExecutionHandle:  handle,
			Status:           schema.RequestStatusPending,
			CreatedAt:        now,
			WaitUntil:        now.Add(time.Minute),
		}); rerr != nil {
			return nil, false, rerr
		}
		req, err = c.store.Expire(ctx, token)
	}

	switch {
	case err == nil:
	case errors.Is(err, correlation.ErrAlreadyResolved):
		return nil, false, nil
	default:
		return nil, false, err
	}

	if req.ExecutionHandle != handle {
		logging.LogWith(ctx, c.logger).Warn("expired token owned by another execution",
			slog.String("owner", req.ExecutionHandle))
	}
	return req, true, nil
}
