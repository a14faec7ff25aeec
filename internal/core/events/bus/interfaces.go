package bus

import (
	"time"

	"github.com/traitsync/traitsync/internal/core/entity"
)

// Event is one successful association: the named trait now holds the
// entity, and its initializer has completed.
type Event struct {
	Trait  string
	Entity entity.Entity
	At     time.Time
}

// Handler consumes one Event. Handlers must not assume any ordering
// across entities; within one subscription, events arrive in publish
// order.
type Handler func(Event)

// Subscription is a cancellable handler registration.
type Subscription interface {
	ID() string
	Trait() string
	IsActive() bool
	Cancel() error
}

// Observer receives hooks around every publish. Intended for metrics
// and tests, not for domain logic.
type Observer interface {
	OnPublish(e Event)
	OnDelivered(e Event, handlers int, panics int, micros int64)
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
	HandlerPanics     uint64
	SubscribersActive uint64
}

// Bus is the process-wide broadcast point for association events.
type Bus interface {
	Publish(e Event)

	// Subscribe registers a handler for events of one trait identifier.
	Subscribe(trait string, h Handler) (Subscription, error)
	// SubscribeAll registers a handler for every event regardless of trait.
	SubscribeAll(h Handler) (Subscription, error)

	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	GetMetrics() Metrics
}
