package trait

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/traitsync/traitsync/internal/core/entity"
	"github.com/traitsync/traitsync/internal/core/events/bus"
	"github.com/traitsync/traitsync/internal/core/observability/log"
	"github.com/traitsync/traitsync/internal/core/tags"
	"github.com/traitsync/traitsync/pkg/concurrent"
	"github.com/traitsync/traitsync/pkg/promise"
	"github.com/traitsync/traitsync/pkg/sequence"
)

const defaultQueueSize = 256

// Options configure a Registry.
type Options struct {
	Logger      log.Log
	Bus         bus.Bus
	QueueSize   int
	StateShards int
}

type Option func(*Options)

func WithLogger(l log.Log) Option {
	return func(o *Options) { o.Logger = l }
}

func WithBus(b bus.Bus) Option {
	return func(o *Options) { o.Bus = b }
}

func WithQueueSize(n int) Option {
	return func(o *Options) { o.QueueSize = n }
}

func WithStateShards(n int) Option {
	return func(o *Options) { o.StateShards = n }
}

// Registry is the process-wide table of live traits. Identifier
// uniqueness is enforced here. All trait mutation is serialized onto
// the registry's single dispatch loop: external tag events and direct
// API calls post tasks to the same queue, so no two mutations of the
// same trait ever interleave.
//
// A Registry is an explicit injected object, not a package global;
// tests create and close their own.
type Registry struct {
	logger   log.Log
	provider tags.Provider
	notify   bus.Bus

	tasks    chan func()
	stop     chan struct{}
	loopDone chan struct{}
	closed   atomic.Bool

	mu     sync.RWMutex
	traits map[string]*Trait

	stateShards int
}

// NewRegistry creates a registry bound to a tag-propagation provider
// and starts its dispatch loop.
func NewRegistry(provider tags.Provider, opts ...Option) *Registry {
	o := &Options{
		QueueSize:   defaultQueueSize,
		StateShards: defaultStateShards,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = log.Provide()
	}
	if o.Bus == nil {
		o.Bus = bus.New(o.Logger)
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}

	r := &Registry{
		logger:      o.Logger,
		provider:    provider,
		notify:      o.Bus,
		tasks:       make(chan func(), o.QueueSize),
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		traits:      make(map[string]*Trait),
		stateShards: o.StateShards,
	}
	go r.loop()
	return r
}

// Bus exposes the association notification bus, primarily for query
// views.
func (r *Registry) Bus() bus.Bus {
	return r.notify
}

// Define registers a new trait under a unique identifier, subscribes
// it to the external tag streams, and reconciles entities that already
// carry the tag. Reconciled entities are associated exactly as if
// Associate had been called: membership is in place when Define
// returns, initializers complete asynchronously with failures logged.
func (r *Registry) Define(identifier string, initializer Initializer) (*Trait, error) {
	if identifier == "" {
		return nil, WrapError(ErrEmptyIdentifier, "define trait")
	}
	if initializer == nil {
		return nil, WrapError(ErrNilInitializer, "define trait "+identifier)
	}

	var (
		t         *Trait
		defineErr error
	)
	if err := r.run(func() {
		if _, exists := r.traits[identifier]; exists {
			defineErr = WrapError(ErrDuplicateIdentifier, "define trait "+identifier)
			return
		}
		t = newTrait(r, identifier, initializer)

		var lerr error
		if t.addedListener, lerr = r.provider.OnTagAdded(identifier, t.onExternalAdd); lerr != nil {
			defineErr = WrapError(lerr, "subscribe tag-add stream for "+identifier)
			return
		}
		if t.removedListener, lerr = r.provider.OnTagRemoved(identifier, t.onExternalRemove); lerr != nil {
			_ = t.addedListener.Cancel()
			defineErr = WrapError(lerr, "subscribe tag-remove stream for "+identifier)
			return
		}

		r.mu.Lock()
		r.traits[identifier] = t
		r.mu.Unlock()
	}); err != nil {
		return nil, err
	}
	if defineErr != nil {
		return nil, defineErr
	}

	r.reconcile(t)
	r.logger.Info("trait defined", log.String("trait", identifier))
	return t, nil
}

// Retire removes the trait from the registry and tears it down.
// Idempotent: retiring an already-retired trait is a no-op. External
// tags on former members are not stripped.
func (r *Registry) Retire(t *Trait) error {
	if t == nil || t.retired.Load() || r.closed.Load() {
		return nil
	}
	return r.run(func() {
		if t.retired.Load() {
			return
		}
		r.mu.Lock()
		delete(r.traits, t.identifier)
		r.mu.Unlock()
		t.retire()
	})
}

// Lookup returns the live trait registered under identifier.
func (r *Registry) Lookup(identifier string) (*Trait, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.traits[identifier]
	return t, ok
}

// Identifiers returns the identifiers of all live traits.
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.traits))
	for id := range r.traits {
		out = append(out, id)
	}
	return out
}

// Close stops the dispatch loop and retires every live trait. Pending
// AwaitAssociation calls are rejected; subsequent operations fail with
// ErrRegistryClosed. Idempotent.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	<-r.loopDone

	r.mu.Lock()
	retiring := make([]*Trait, 0, len(r.traits))
	for _, t := range r.traits {
		retiring = append(retiring, t)
	}
	r.traits = make(map[string]*Trait)
	r.mu.Unlock()

	// The loop is stopped, so direct teardown cannot race a task.
	for _, t := range retiring {
		t.retire()
	}
	r.logger.Info("trait registry closed")
	return nil
}

// reconcile associates every entity already carrying the trait's tag.
// Membership mutations run synchronously; a background pass awaits the
// initializer outcomes and reports stragglers.
func (r *Registry) reconcile(t *Trait) {
	existing, err := r.provider.ListTagged(t.identifier)
	if err != nil {
		r.logger.Warn("tag reconciliation failed",
			log.String("trait", t.identifier),
			log.Error(err))
		return
	}
	if len(existing) == 0 {
		return
	}

	results := make([]*promise.Promise[entity.Entity], 0, len(existing))
	for _, e := range existing {
		var p *promise.Promise[entity.Entity]
		if rerr := r.run(func() {
			p = t.build(e, originReconcile)
		}); rerr != nil {
			return
		}
		results = append(results, p)
	}

	go func() {
		if werr := concurrent.Concurrent(sequence.From(results), func(p *promise.Promise[entity.Entity]) error {
			_, aerr := p.Await(context.Background())
			return aerr
		}); werr != nil {
			r.logger.Warn("trait reconciliation completed with failures",
				log.String("trait", t.identifier),
				log.Error(werr))
		}
	}()
}

// run posts a task onto the dispatch loop and waits for it to finish.
func (r *Registry) run(task func()) error {
	if r.closed.Load() {
		return WrapError(ErrRegistryClosed, "registry is closed")
	}
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		task()
	}
	select {
	case r.tasks <- wrapped:
	case <-r.stop:
		return WrapError(ErrRegistryClosed, "registry is closed")
	}
	select {
	case <-done:
		return nil
	case <-r.loopDone:
		// The loop drains queued tasks on shutdown; the task may still
		// have run.
		select {
		case <-done:
			return nil
		default:
			return WrapError(ErrRegistryClosed, "registry is closed")
		}
	}
}

// post enqueues a fire-and-forget task. Dropped when the registry is
// closed.
func (r *Registry) post(task func()) {
	if r.closed.Load() {
		return
	}
	select {
	case r.tasks <- task:
	case <-r.stop:
	}
}

// loop is the single logical thread all trait and registry mutation
// runs on.
func (r *Registry) loop() {
	defer close(r.loopDone)
	for {
		select {
		case task := <-r.tasks:
			task()
		case <-r.stop:
			for {
				select {
				case task := <-r.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}
