package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/hitl/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Pending Requests
	CreatePendingRequest(ctx context.Context, req *schema.PendingRequest) error
	GetPendingRequest(ctx context.Context, token string) (*schema.PendingRequest, error)
	ResolvePendingRequest(ctx context.Context, token string, by schema.Resolution) (*schema.PendingRequest, error)
	DeletePendingRequest(ctx context.Context, token string) error
	ListPendingRequests(ctx context.Context, filter PendingRequestFilter) ([]*schema.PendingRequest, error)
	PurgeResolvedRequests(ctx context.Context, before time.Time) (int64, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Node static data, scoped to one execution and node.
	PutNodeData(ctx context.Context, executionID, node, key string, value json.RawMessage) error
	GetNodeData(ctx context.Context, executionID, node, key string) (json.RawMessage, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
