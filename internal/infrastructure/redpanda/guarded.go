package redpanda

import (
	"context"

	"github.com/drfirst/go-dosewatch/internal/domain/medication"
	"github.com/drfirst/go-dosewatch/pkg/circuitbreaker"
)

// Publisher publishes one record
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// GuardedPublisher fails fast while the broker circuit is open so callers
// leave work in the outbox instead of queueing behind a dead broker.
type GuardedPublisher struct {
	next    Publisher
	breaker *circuitbreaker.CircuitBreaker
}

// Guard wraps p with cb
func Guard(p Publisher, cb *circuitbreaker.CircuitBreaker) *GuardedPublisher {
	return &GuardedPublisher{next: p, breaker: cb}
}

// Publish implements Publisher
func (g *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.next.Publish(ctx, topic, key, value)
	})
}

// PublishEvent sends a domain event through the breaker
func (g *GuardedPublisher) PublishEvent(ctx context.Context, event *medication.Event) error {
	return publishEvent(ctx, g, event)
}
