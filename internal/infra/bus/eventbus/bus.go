// Package eventbus defines pub/sub interfaces for typed in-process events.
package eventbus

import (
	"context"

	"github.com/coachpo/fieldcare/internal/domain/events"
	"github.com/coachpo/fieldcare/internal/observability"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers events to interested subscribers within one execution context.
type Bus interface {
	Publish(ctx context.Context, evt *events.Event) error
	Subscribe(ctx context.Context, typ events.EventType) (SubscriptionID, <-chan *events.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	Logger        observability.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	c.Logger = observability.Or(c.Logger)
	return c
}
