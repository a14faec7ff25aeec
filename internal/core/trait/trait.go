package trait

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/traitsync/traitsync/internal/core/entity"
	"github.com/traitsync/traitsync/internal/core/events/bus"
	"github.com/traitsync/traitsync/internal/core/observability/log"
	"github.com/traitsync/traitsync/internal/core/tags"
	"github.com/traitsync/traitsync/pkg/promise"
)

// Initializer runs at most once per (trait, entity) pair, right after
// the entity joins the membership list. It executes on its own
// goroutine, so it may block and may call back into the trait layer.
type Initializer func(t *Trait, e entity.Entity) error

// buildOrigin records what triggered a build step. Direct calls get
// tag propagation and surface failures to the caller; feed and
// reconcile builds only log them.
type buildOrigin uint8

const (
	originDirect buildOrigin = iota
	originFeed
	originReconcile
)

// Trait owns one tag's membership list, its one-time initializer, and
// the association lifecycle of every entity that receives the tag.
// All mutation runs on the owning registry's dispatch loop; the
// mutexes exist so reads from other goroutines observe consistent
// snapshots.
type Trait struct {
	identifier  string
	initializer Initializer
	reg         *Registry
	logger      log.Log

	membersMu sync.RWMutex
	order     []entity.ID
	members   map[entity.ID]entity.Entity

	state   *stateTable
	retired atomic.Bool

	addedListener   tags.Listener
	removedListener tags.Listener
}

func newTrait(reg *Registry, identifier string, initializer Initializer) *Trait {
	return &Trait{
		identifier:  identifier,
		initializer: initializer,
		reg:         reg,
		logger:      reg.logger.With(log.String("trait", identifier)),
		members:     make(map[entity.ID]entity.Entity),
		state:       newStateTable(reg.stateShards),
	}
}

// Identifier returns the trait's unique identifier.
func (t *Trait) Identifier() string {
	return t.identifier
}

// IsRetired reports whether the trait has been retired.
func (t *Trait) IsRetired() bool {
	return t.retired.Load()
}

// Associate links the entity to the trait and schedules its one-time
// initializer. The membership mutation happens before Associate
// returns; the returned promise settles when initialization completes.
// Calling Associate again for the same entity, concurrently or later,
// observes the same outcome without re-running the initializer.
func (t *Trait) Associate(e entity.Entity) *promise.Promise[entity.Entity] {
	if e == nil {
		return promise.Rejected[entity.Entity](WrapError(ErrNilEntity, "associate requires an entity"))
	}
	var result *promise.Promise[entity.Entity]
	if err := t.reg.run(func() {
		result = t.build(e, originDirect)
	}); err != nil {
		return promise.Rejected[entity.Entity](err)
	}
	return result
}

// Dissociate removes the entity from the membership list and strips
// the external tag. No-op if the entity is not a member. The pair's
// initialization record is kept: re-associating later will not re-run
// the initializer.
func (t *Trait) Dissociate(e entity.Entity) error {
	if e == nil {
		return WrapError(ErrNilEntity, "dissociate requires an entity")
	}
	return t.reg.run(func() {
		if t.retired.Load() {
			return
		}
		if t.removeMember(e.ID()) {
			go t.stripTag(e)
		}
	})
}

// IsAssociated reports whether the entity is currently a member.
func (t *Trait) IsAssociated(id entity.ID) bool {
	t.membersMu.RLock()
	defer t.membersMu.RUnlock()
	_, ok := t.members[id]
	return ok
}

// Find returns the stored entity handle if it is currently a member.
func (t *Trait) Find(id entity.ID) (entity.Entity, bool) {
	t.membersMu.RLock()
	defer t.membersMu.RUnlock()
	e, ok := t.members[id]
	return e, ok
}

// Members returns the membership list in insertion order.
func (t *Trait) Members() []entity.Entity {
	t.membersMu.RLock()
	defer t.membersMu.RUnlock()
	out := make([]entity.Entity, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.members[id])
	}
	return out
}

// MemberCount returns the current membership size.
func (t *Trait) MemberCount() int {
	t.membersMu.RLock()
	defer t.membersMu.RUnlock()
	return len(t.members)
}

// AwaitAssociation blocks until the entity is an initialized member of
// the trait, then returns the stored handle. If the entity is already
// initialized and a member, it returns immediately. The wait is woken
// by the same completion step that settles Associate promises; there
// is no polling. Cancelling the context drops the wait without
// touching trait state. Retiring the trait rejects all pending waits.
func (t *Trait) AwaitAssociation(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e == nil {
		return nil, WrapError(ErrNilEntity, "await association requires an entity")
	}

	w := promise.New[entity.Entity]()
	if err := t.reg.run(func() {
		if t.retired.Load() {
			w.Reject(WrapError(ErrTraitRetired, "trait retired while awaiting association"))
			return
		}
		if view, ok := t.state.view(e.ID()); ok && view.initialized {
			if member, present := t.Find(e.ID()); present {
				w.Resolve(member)
				return
			}
		}
		t.state.withPair(e.ID(), func(ps *pairState) {
			ps.waiters = append(ps.waiters, w)
		})
	}); err != nil {
		return nil, err
	}

	member, err := w.Await(ctx)
	if err == nil {
		return member, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		t.reg.post(func() {
			t.state.removeWaiter(e.ID(), w)
		})
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, WrapError(err, "await association timed out")
		}
		return nil, WrapError(err, "await association cancelled")
	}
	return nil, err
}

// build is the single entry point for every association attempt:
// direct Associate calls, external tag-add events, and the initial
// reconciliation pass. Loop only.
func (t *Trait) build(e entity.Entity, origin buildOrigin) *promise.Promise[entity.Entity] {
	if t.retired.Load() {
		return promise.Rejected[entity.Entity](WrapError(ErrTraitRetired, "trait is retired"))
	}

	var (
		result   *promise.Promise[entity.Entity]
		runInit  bool
		announce bool
		waiters  []*promise.Promise[entity.Entity]
	)
	t.state.withPair(e.ID(), func(ps *pairState) {
		switch {
		case ps.building:
			// First builder wins; this attempt observes its outcome.
			result = ps.result
			t.addMember(e)
		case ps.failed:
			// Initializer already ran and failed. Membership is
			// decoupled from initialization, so the entity may rejoin,
			// but the failure outcome stands and nothing is published.
			result = ps.result
			t.addMember(e)
		case ps.initialized:
			result = ps.result
			if t.addMember(e) {
				announce = true
				waiters = ps.waiters
				ps.waiters = nil
			}
		default:
			ps.building = true
			ps.result = promise.New[entity.Entity]()
			result = ps.result
			runInit = true
			t.addMember(e)
		}
	})

	if runInit {
		go t.runInitializer(e, origin)
	}
	if announce {
		go t.finishAssociation(e, waiters)
	}
	return result
}

// runInitializer executes the one-time initializer off the loop and
// posts the completion back onto it.
func (t *Trait) runInitializer(e entity.Entity, origin buildOrigin) {
	initErr := t.safeInit(e)
	if postErr := t.reg.run(func() {
		t.completeBuild(e, origin, initErr)
	}); postErr != nil {
		// Registry closed mid-build: settle the pair directly so no
		// Associate caller hangs.
		t.state.withPair(e.ID(), func(ps *pairState) {
			ps.building = false
			if ps.result == nil {
				return
			}
			if initErr != nil {
				ps.failed = true
				ps.result.Reject(NewInitializationError(t.identifier, string(e.ID()), initErr))
			} else {
				ps.initialized = true
				ps.result.Resolve(e)
			}
		})
	}
}

// safeInit invokes the initializer, converting panics into errors.
func (t *Trait) safeInit(e entity.Entity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = rerr
				return
			}
			err = NewError(ErrorCodeInitializationFailed, "trait initializer panicked", nil).
				WithContext("panic", r)
		}
	}()
	return t.initializer(t, e)
}

// completeBuild finishes one initializer run. Loop only.
func (t *Trait) completeBuild(e entity.Entity, origin buildOrigin, initErr error) {
	var (
		result  *promise.Promise[entity.Entity]
		waiters []*promise.Promise[entity.Entity]
	)
	t.state.withPair(e.ID(), func(ps *pairState) {
		ps.building = false
		result = ps.result
		if initErr != nil {
			ps.failed = true
			return
		}
		ps.initialized = true
		waiters = ps.waiters
		ps.waiters = nil
	})

	if initErr != nil {
		if origin != originDirect {
			t.logger.Error("trait initializer failed",
				log.String("entity_id", string(e.ID())),
				log.Error(initErr))
		}
		result.Reject(NewInitializationError(t.identifier, string(e.ID()), initErr))
		return
	}

	if t.retired.Load() {
		result.Resolve(e)
		return
	}
	result.Resolve(e)
	go t.finishAssociation(e, waiters)
}

// finishAssociation wakes waiters and publishes the association event.
// Runs off the loop so bus handlers can call back into the trait layer.
func (t *Trait) finishAssociation(e entity.Entity, waiters []*promise.Promise[entity.Entity]) {
	for _, w := range waiters {
		w.Resolve(e)
	}
	t.reg.Bus().Publish(bus.Event{Trait: t.identifier, Entity: e})
}

// onExternalAdd handles a tag-add event from the propagation provider.
func (t *Trait) onExternalAdd(e entity.Entity) {
	t.reg.post(func() {
		t.build(e, originFeed)
	})
}

// onExternalRemove handles a tag-remove event. Membership is dropped
// but the pair's initialization record stays.
func (t *Trait) onExternalRemove(e entity.Entity) {
	t.reg.post(func() {
		if t.retired.Load() {
			return
		}
		t.removeMember(e.ID())
	})
}

// stripTag removes the external tag after a direct dissociation. Tags
// flow one way into association: direct Associate never writes the
// external tag, so a retired-then-redefined trait does not resurrect
// directly associated members during reconciliation.
func (t *Trait) stripTag(e entity.Entity) {
	if err := t.reg.provider.RemoveTag(e, t.identifier); err != nil {
		t.logger.Warn("tag removal failed",
			log.String("entity_id", string(e.ID())),
			log.Error(err))
	}
}

// addMember appends the entity to the membership list. Returns false
// when it is already a member. Loop only.
func (t *Trait) addMember(e entity.Entity) bool {
	t.membersMu.Lock()
	defer t.membersMu.Unlock()
	if _, ok := t.members[e.ID()]; ok {
		return false
	}
	t.members[e.ID()] = e
	t.order = append(t.order, e.ID())
	return true
}

// removeMember drops the entity from the membership list. Loop only.
func (t *Trait) removeMember(id entity.ID) bool {
	t.membersMu.Lock()
	defer t.membersMu.Unlock()
	if _, ok := t.members[id]; !ok {
		return false
	}
	delete(t.members, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// retire tears the trait down: provider listeners are cancelled, the
// membership list is dropped, and every pending waiter is rejected.
// External tags on former members are left untouched. Loop only (or
// registry close, after the loop has stopped).
func (t *Trait) retire() {
	if !t.retired.CompareAndSwap(false, true) {
		return
	}
	if t.addedListener != nil {
		_ = t.addedListener.Cancel()
	}
	if t.removedListener != nil {
		_ = t.removedListener.Cancel()
	}

	t.membersMu.Lock()
	t.members = make(map[entity.ID]entity.Entity)
	t.order = nil
	t.membersMu.Unlock()

	waiters := t.state.drainWaiters()
	if len(waiters) > 0 {
		err := WrapError(ErrTraitRetired, "trait retired while awaiting association")
		for _, w := range waiters {
			w.Reject(err)
		}
	}
	t.logger.Info("trait retired")
}
