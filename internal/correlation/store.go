// Package correlation maps correlation tokens to suspended executions.
//
// Every implementation linearizes Claim and Expire for the same token with a
// compare-and-set: the first caller moves the request to resolved, all later
// callers observe ErrAlreadyResolved. The store is a hint, not the source of
// truth; the host's execution record and node data allow recovery after restart.
package correlation

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/hitl/pkg/schema"
)

var (
	// ErrDuplicate is returned by Register when the token is already present.
	ErrDuplicate = errors.New("correlation token already registered")
	// ErrNotFound is returned when no request exists for the token.
	ErrNotFound = errors.New("correlation token not found")
	// ErrAlreadyResolved is returned when the request was claimed or expired earlier.
	ErrAlreadyResolved = errors.New("request already resolved or expired")
)

// Store is the correlation registry. All implementations must be safe for
// concurrent use.
type Store interface {
	// Register inserts a pending request. Returns ErrDuplicate if the token exists.
	Register(ctx context.Context, req *schema.PendingRequest) error
	// Claim atomically resolves the request on behalf of a webhook delivery.
	Claim(ctx context.Context, token string) (*schema.PendingRequest, error)
	// Expire atomically resolves the request on behalf of the deadline.
	Expire(ctx context.Context, token string) (*schema.PendingRequest, error)
	// Remove rolls back a registration whose dispatch failed.
	Remove(ctx context.Context, token string) error
	// Get returns a copy of the request without changing it.
	Get(ctx context.Context, token string) (*schema.PendingRequest, error)
	// Forget drops the entry once the resumed execution has consumed it.
	Forget(ctx context.Context, token string) error
}

// Backend names accepted by the daemon configuration.
const (
	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendDurable = "durable"
)

// resolve is the shared CAS body used by the in-process implementation.
func resolve(req *schema.PendingRequest, by schema.Resolution, now time.Time) error {
	if req.Status == schema.RequestStatusResolved {
		return ErrAlreadyResolved
	}
	req.Status = schema.RequestStatusResolved
	req.ResolvedBy = by
	req.ResolvedAt = &now
	return nil
}

func clone(req *schema.PendingRequest) *schema.PendingRequest {
	cp := *req
	if req.FormSchema != nil {
		cp.FormSchema = append([]byte(nil), req.FormSchema...)
	}
	if req.ResolvedAt != nil {
		t := *req.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func validate(req *schema.PendingRequest) error {
	if req == nil || req.CorrelationToken == "" {
		return schema.NewError(schema.ErrCodeValidation, "correlation token is required")
	}
	if req.ExecutionHandle == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution handle is required")
	}
	if !req.WaitUntil.After(req.CreatedAt) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"waitUntil %s must be after createdAt %s", schema.FormatTime(req.WaitUntil), schema.FormatTime(req.CreatedAt))
	}
	return nil
}
