package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traitsync/traitsync/internal/core/observability/log"
)

// wildcard is the internal key for SubscribeAll registrations.
const wildcard = ""

// subscription implements Subscription.
type subscription struct {
	id      string
	trait   string
	handler Handler
	active  bool
	cancel  func()
}

func (s *subscription) ID() string     { return s.id }
func (s *subscription) Trait() string  { return s.trait }
func (s *subscription) IsActive() bool { return s.active }
func (s *subscription) Cancel() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.active = false
	return nil
}

// inMemoryBus is a thread-safe Bus. Subscriptions are kept in
// registration order per trait so handlers fire in the order they were
// registered. A panicking handler is logged and skipped; it never
// prevents later handlers from firing or surfaces to the publisher.
type inMemoryBus struct {
	mu sync.RWMutex
	// handlers: trait identifier -> registrations in order
	handlers  map[string][]*subscription
	observers map[Observer]struct{}
	metrics   Metrics
	logger    log.Log
}

// New creates a new Bus instance.
func New(logger log.Log) Bus {
	if logger == nil {
		logger = log.Provide()
	}
	return &inMemoryBus{
		handlers:  make(map[string][]*subscription),
		observers: make(map[Observer]struct{}),
		logger:    logger,
	}
}

func (b *inMemoryBus) Subscribe(trait string, h Handler) (Subscription, error) {
	return b.register(trait, h)
}

func (b *inMemoryBus) SubscribeAll(h Handler) (Subscription, error) {
	return b.register(wildcard, h)
}

func (b *inMemoryBus) register(trait string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	s := &subscription{id: id, trait: trait, handler: h, active: true}
	s.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		regs := b.handlers[trait]
		for i, reg := range regs {
			if reg.id == id {
				b.handlers[trait] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
		s.active = false
	}
	b.handlers[trait] = append(b.handlers[trait], s)
	return s, nil
}

func (b *inMemoryBus) Publish(e Event) {
	start := time.Now()
	if e.At.IsZero() {
		e.At = start
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.handlers[e.Trait])+len(b.handlers[wildcard]))
	subs = append(subs, b.handlers[e.Trait]...)
	if e.Trait != wildcard {
		subs = append(subs, b.handlers[wildcard]...)
	}
	observers := make([]Observer, 0, len(b.observers))
	for obs := range b.observers {
		observers = append(observers, obs)
	}
	b.mu.RUnlock()

	for _, obs := range observers {
		obs.OnPublish(e)
	}

	delivered := 0
	panics := 0
	for _, s := range subs {
		if !s.active {
			continue
		}
		if b.invoke(s, e) {
			delivered++
		} else {
			panics++
		}
	}

	micros := time.Since(start).Microseconds()
	for _, obs := range observers {
		obs.OnDelivered(e, delivered, panics, micros)
	}

	b.mu.Lock()
	b.metrics.Published++
	b.metrics.DeliveredHandlers += uint64(delivered)
	b.metrics.HandlerPanics += uint64(panics)
	var active uint64
	for _, regs := range b.handlers {
		active += uint64(len(regs))
	}
	b.metrics.SubscribersActive = active
	b.mu.Unlock()
}

// invoke runs one handler, containing panics. Returns false if the
// handler panicked.
func (b *inMemoryBus) invoke(s *subscription, e Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			b.logger.Error("association handler panicked",
				log.String("subscription_id", s.id),
				log.String("trait", e.Trait),
				log.String("entity_id", string(e.Entity.ID())),
				log.Any("panic", r))
		}
	}()
	s.handler(e)
	return true
}

func (b *inMemoryBus) AddObserver(obs Observer) {
	b.mu.Lock()
	b.observers[obs] = struct{}{}
	b.mu.Unlock()
}

func (b *inMemoryBus) RemoveObserver(obs Observer) {
	b.mu.Lock()
	delete(b.observers, obs)
	b.mu.Unlock()
}

func (b *inMemoryBus) GetMetrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}
