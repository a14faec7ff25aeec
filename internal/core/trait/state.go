package trait

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/traitsync/traitsync/internal/core/entity"
	"github.com/traitsync/traitsync/pkg/promise"
)

const defaultStateShards = 16

// pairState tracks one (trait, entity) pair. The initializer for a
// pair runs at most once ever: the initialized/failed flags survive
// membership removal, so re-adding the tag later does not re-run it.
type pairState struct {
	building    bool
	initialized bool
	failed      bool

	// result settles when the first (and only) initializer run for the
	// pair completes. Every later Associate call for the pair observes
	// this same outcome.
	result *promise.Promise[entity.Entity]

	// waiters are pending AwaitAssociation calls, settled on successful
	// association or trait retirement.
	waiters []*promise.Promise[entity.Entity]
}

// stateTable is a sharded map from entity ID to pairState. Writes only
// happen on the registry dispatch loop; shard locks exist for readers
// on other goroutines.
type stateTable struct {
	shards []stateShard
	count  int
}

type stateShard struct {
	mu    sync.RWMutex
	pairs map[entity.ID]*pairState
}

func newStateTable(shardCount int) *stateTable {
	if shardCount <= 0 {
		shardCount = defaultStateShards
	}
	t := &stateTable{
		shards: make([]stateShard, shardCount),
		count:  shardCount,
	}
	for i := range t.shards {
		t.shards[i].pairs = make(map[entity.ID]*pairState)
	}
	return t
}

func (t *stateTable) shardFor(id entity.ID) *stateShard {
	return &t.shards[xxhash.Sum64String(string(id))%uint64(t.count)]
}

// withPair runs fn with the pair's state under its shard lock,
// creating the state on first touch. All pairState field access goes
// through here so off-loop readers see consistent transitions.
func (t *stateTable) withPair(id entity.ID, fn func(*pairState)) {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ps, ok := sh.pairs[id]
	if !ok {
		ps = &pairState{}
		sh.pairs[id] = ps
	}
	fn(ps)
}

// pairView is a read-only copy of a pair's flags.
type pairView struct {
	building    bool
	initialized bool
	failed      bool
	result      *promise.Promise[entity.Entity]
}

func (t *stateTable) view(id entity.ID) (pairView, bool) {
	sh := t.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ps, ok := sh.pairs[id]
	if !ok {
		return pairView{}, false
	}
	return pairView{
		building:    ps.building,
		initialized: ps.initialized,
		failed:      ps.failed,
		result:      ps.result,
	}, true
}

// drainWaiters removes and returns every pending waiter across all
// shards. Used at retirement so no waiter hangs.
func (t *stateTable) drainWaiters() []*promise.Promise[entity.Entity] {
	var out []*promise.Promise[entity.Entity]
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for _, ps := range sh.pairs {
			out = append(out, ps.waiters...)
			ps.waiters = nil
		}
		sh.mu.Unlock()
	}
	return out
}

// removeWaiter unlinks one cancelled AwaitAssociation registration.
func (t *stateTable) removeWaiter(id entity.ID, w *promise.Promise[entity.Entity]) {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ps, ok := sh.pairs[id]
	if !ok {
		return
	}
	for i, pending := range ps.waiters {
		if pending == w {
			ps.waiters = append(ps.waiters[:i], ps.waiters[i+1:]...)
			return
		}
	}
}
