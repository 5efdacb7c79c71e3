package streaming

import (
	"context"

	"github.com/rendis/hitl/internal/store"
)

// PublishingStore is a store.Store that publishes every appended event to a
// hub once it has been persisted. Publish failures never fail the append.
type PublishingStore struct {
	store.Store
	hub EventHub
}

// NewPublishingStore wraps s.
func NewPublishingStore(s store.Store, hub EventHub) *PublishingStore {
	return &PublishingStore{Store: s, hub: hub}
}

// AppendEvent persists event and then publishes it.
func (s *PublishingStore) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := s.Store.AppendEvent(ctx, event); err != nil {
		return err
	}
	_ = s.hub.Publish(context.WithoutCancel(ctx), FromEvent(event))
	return nil
}
