package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/hitl/pkg/schema"
)

// MemoryStore is the default process-wide registry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*schema.PendingRequest
	now     func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*schema.PendingRequest),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Register(_ context.Context, req *schema.PendingRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[req.CorrelationToken]; ok {
		return ErrDuplicate
	}
	entry := clone(req)
	entry.Status = schema.RequestStatusPending
	entry.ResolvedBy = ""
	entry.ResolvedAt = nil
	m.entries[req.CorrelationToken] = entry
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, token string) (*schema.PendingRequest, error) {
	return m.resolve(token, schema.ResolvedByWebhook)
}

func (m *MemoryStore) Expire(_ context.Context, token string) (*schema.PendingRequest, error) {
	return m.resolve(token, schema.ResolvedByDeadline)
}

func (m *MemoryStore) resolve(token string, by schema.Resolution) (*schema.PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[token]
	if !ok {
		return nil, ErrNotFound
	}
	if err := resolve(entry, by, m.now()); err != nil {
		return clone(entry), err
	}
	return clone(entry), nil
}

func (m *MemoryStore) Remove(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[token]; !ok {
		return ErrNotFound
	}
	delete(m.entries, token)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, token string) (*schema.PendingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[token]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(entry), nil
}

func (m *MemoryStore) Forget(_ context.Context, token string) error {
	m.mu.Lock()
	delete(m.entries, token)
	m.mu.Unlock()
	return nil
}

// Len reports the number of tracked entries, resolved ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
