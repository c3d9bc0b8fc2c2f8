package reminder

import (
	"context"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/internal/store"
)

// OutboxPublisher appends reminders to the store's outbox so they leave
// through the same relay as dose and inventory events.
type OutboxPublisher struct {
	Store store.Store
}

// PublishEvent implements Publisher
func (p OutboxPublisher) PublishEvent(ctx context.Context, event *medication.Event) error {
	return p.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendEvent(ctx, event)
	})
}
