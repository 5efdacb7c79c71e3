package correlation

import (
	"context"

	"github.com/rendis/hitl/internal/store"
	"github.com/rendis/hitl/pkg/schema"
)

// DurableStore keeps the registry in the libSQL pending_requests table, so
// entries survive restarts of a single-node deployment.
type DurableStore struct {
	store store.Store
}

// NewDurableStore adapts a persistence store to the correlation contract.
func NewDurableStore(s store.Store) *DurableStore {
	return &DurableStore{store: s}
}

func (d *DurableStore) Register(ctx context.Context, req *schema.PendingRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	entry := clone(req)
	entry.Status = schema.RequestStatusPending
	entry.ResolvedBy = ""
	entry.ResolvedAt = nil
	err := d.store.CreatePendingRequest(ctx, entry)
	if schema.HasCode(err, schema.ErrCodeConflict) {
		return ErrDuplicate
	}
	return mapStoreErr(err)
}

func (d *DurableStore) Claim(ctx context.Context, token string) (*schema.PendingRequest, error) {
	req, err := d.store.ResolvePendingRequest(ctx, token, schema.ResolvedByWebhook)
	return req, mapStoreErr(err)
}

func (d *DurableStore) Expire(ctx context.Context, token string) (*schema.PendingRequest, error) {
	req, err := d.store.ResolvePendingRequest(ctx, token, schema.ResolvedByDeadline)
	return req, mapStoreErr(err)
}

func (d *DurableStore) Remove(ctx context.Context, token string) error {
	return mapStoreErr(d.store.DeletePendingRequest(ctx, token))
}

func (d *DurableStore) Get(ctx context.Context, token string) (*schema.PendingRequest, error) {
	req, err := d.store.GetPendingRequest(ctx, token)
	return req, mapStoreErr(err)
}

// Forget keeps the row: resolved rows are purged by the sweeper so late
// deliveries keep getting ErrAlreadyResolved until then.
func (d *DurableStore) Forget(context.Context, string) error {
	return nil
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case schema.HasCode(err, schema.ErrCodeNotFound):
		return ErrNotFound
	case schema.HasCode(err, schema.ErrCodeConflict):
		return ErrAlreadyResolved
	default:
		return err
	}
}
