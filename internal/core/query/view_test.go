package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/traitsync/traitsync/internal/core/entity"
	"github.com/traitsync/traitsync/internal/core/events/bus"
	"github.com/traitsync/traitsync/internal/core/observability/log"
	"github.com/traitsync/traitsync/internal/core/tags"
	"github.com/traitsync/traitsync/internal/core/trait"
)

func newViewFixture(t *testing.T) *trait.Registry {
	t.Helper()
	provider := tags.NewMemoryProvider()
	r := trait.NewRegistry(provider, trait.WithLogger(log.Nop()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func mustAssociate(t *testing.T, tr *trait.Trait, e entity.Entity) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tr.Associate(e).Await(ctx)
	require.NoError(t, err)
}

func TestViewNew(t *testing.T) {
	t.Run("New: validates registry and tags", func(t *testing.T) {
		r := newViewFixture(t)
		_, err := New(nil, Spec{Tags: []string{"glowing"}})
		require.ErrorIs(t, err, ErrNilRegistry)
		_, err = New(r, Spec{})
		require.ErrorIs(t, err, ErrNoTags)
	})

	t.Run("New: unknown tag is rejected with a coded error", func(t *testing.T) {
		r := newViewFixture(t)
		_, err := New(r, Spec{Tags: []string{"missing"}})
		require.ErrorIs(t, err, trait.ErrUnknownTag)
		require.Equal(t, trait.ErrorCodeUnknownTag, trait.GetErrorCode(err))
	})

	t.Run("New: duplicate tags collapse", func(t *testing.T) {
		r := newViewFixture(t)
		_, err := r.Define("glowing", func(*trait.Trait, entity.Entity) error { return nil })
		require.NoError(t, err)

		v, err := New(r, Spec{Tags: []string{"glowing", "glowing"}})
		require.NoError(t, err)
		require.Equal(t, []string{"glowing"}, v.Tags())
	})
}

func TestViewGet(t *testing.T) {
	t.Run("Get: union across tags, deduplicated by entity", func(t *testing.T) {
		r := newViewFixture(t)
		noop := func(*trait.Trait, entity.Entity) error { return nil }
		glowing, err := r.Define("glowing", noop)
		require.NoError(t, err)
		charged, err := r.Define("charged", noop)
		require.NoError(t, err)

		a := entity.NewBasicWithID("a")
		b := entity.NewBasicWithID("b")
		c := entity.NewBasicWithID("c")
		mustAssociate(t, glowing, a)
		mustAssociate(t, glowing, b)
		mustAssociate(t, charged, b)
		mustAssociate(t, charged, c)

		v, err := New(r, Spec{Tags: []string{"glowing", "charged"}})
		require.NoError(t, err)

		got := v.Get()
		ids := make([]entity.ID, 0, len(got))
		for _, e := range got {
			ids = append(ids, e.ID())
		}
		require.ElementsMatch(t, []entity.ID{"a", "b", "c"}, ids)
	})

	t.Run("Get: predicate filters the snapshot", func(t *testing.T) {
		r := newViewFixture(t)
		glowing, err := r.Define("glowing", func(*trait.Trait, entity.Entity) error { return nil })
		require.NoError(t, err)

		north := entity.NewBasicWithID("north-1")
		north.SetProperty("zone", "north")
		south := entity.NewBasicWithID("south-1")
		south.SetProperty("zone", "south")
		mustAssociate(t, glowing, north)
		mustAssociate(t, glowing, south)

		v, err := New(r, Spec{Tags: []string{"glowing"}, Predicate: Predicate{"zone": "north"}})
		require.NoError(t, err)

		got := v.Get()
		require.Len(t, got, 1)
		require.Equal(t, entity.ID("north-1"), got[0].ID())
	})

	t.Run("Get: reflects later membership changes", func(t *testing.T) {
		r := newViewFixture(t)
		glowing, err := r.Define("glowing", func(*trait.Trait, entity.Entity) error { return nil })
		require.NoError(t, err)

		v, err := New(r, Spec{Tags: []string{"glowing"}})
		require.NoError(t, err)
		require.Empty(t, v.Get())

		e := entity.NewBasicWithID("a")
		mustAssociate(t, glowing, e)
		require.Len(t, v.Get(), 1)

		require.NoError(t, glowing.Dissociate(e))
		require.Empty(t, v.Get())
	})

	t.Run("Get: retired trait contributes nothing", func(t *testing.T) {
		r := newViewFixture(t)
		glowing, err := r.Define("glowing", func(*trait.Trait, entity.Entity) error { return nil })
		require.NoError(t, err)
		mustAssociate(t, glowing, entity.NewBasicWithID("a"))

		v, err := New(r, Spec{Tags: []string{"glowing"}})
		require.NoError(t, err)
		require.Len(t, v.Get(), 1)

		require.NoError(t, r.Retire(glowing))
		require.Empty(t, v.Get())
	})
}

func TestViewTrack(t *testing.T) {
	type hit struct {
		trait string
		id    entity.ID
	}

	t.Run("Track: fires for future qualifying associations only", func(t *testing.T) {
		r := newViewFixture(t)
		glowing, err := r.Define("glowing", func(*trait.Trait, entity.Entity) error { return nil })
		require.NoError(t, err)

		// Associated before Track; must not be replayed. The event
		// publish trails the promise, so wait for it to land first.
		early := make(chan struct{}, 1)
		drain, err := r.Bus().Subscribe("glowing", func(bus.Event) { early <- struct{}{} })
		require.NoError(t, err)
		mustAssociate(t, glowing, entity.NewBasicWithID("early"))
		select {
		case <-early:
		case <-time.After(2 * time.Second):
			t.Fatal("early association event did not publish")
		}
		require.NoError(t, drain.Cancel())

		v, err := New(r, Spec{Tags: []string{"glowing"}})
		require.NoError(t, err)

		hits := make(chan hit, 4)
		sub, err := v.Track(func(identifier string, e entity.Entity) {
			hits <- hit{identifier, e.ID()}
		})
		require.NoError(t, err)
		require.True(t, sub.IsActive())

		mustAssociate(t, glowing, entity.NewBasicWithID("late"))
		select {
		case h := <-hits:
			require.Equal(t, "glowing", h.trait)
			require.Equal(t, entity.ID("late"), h.id)
		case <-time.After(2 * time.Second):
			t.Fatal("track listener did not fire")
		}
		select {
		case h := <-hits:
			t.Fatalf("unexpected replayed event for %s", h.id)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("Track: predicate filters events", func(t *testing.T) {
		r := newViewFixture(t)
		glowing, err := r.Define("glowing", func(*trait.Trait, entity.Entity) error { return nil })
		require.NoError(t, err)

		v, err := New(r, Spec{Tags: []string{"glowing"}, Predicate: Predicate{"zone": "north"}})
		require.NoError(t, err)

		hits := make(chan hit, 4)
		_, err = v.Track(func(identifier string, e entity.Entity) {
			hits <- hit{identifier, e.ID()}
		})
		require.NoError(t, err)

		south := entity.NewBasicWithID("south-1")
		south.SetProperty("zone", "south")
		mustAssociate(t, glowing, south)

		north := entity.NewBasicWithID("north-1")
		north.SetProperty("zone", "north")
		mustAssociate(t, glowing, north)

		select {
		case h := <-hits:
			require.Equal(t, entity.ID("north-1"), h.id)
		case <-time.After(2 * time.Second):
			t.Fatal("qualifying event did not fire")
		}
	})

	t.Run("Track: only tags in the view are observed", func(t *testing.T) {
		r := newViewFixture(t)
		noop := func(*trait.Trait, entity.Entity) error { return nil }
		glowing, err := r.Define("glowing", noop)
		require.NoError(t, err)
		charged, err := r.Define("charged", noop)
		require.NoError(t, err)

		v, err := New(r, Spec{Tags: []string{"glowing"}})
		require.NoError(t, err)

		hits := make(chan hit, 4)
		_, err = v.Track(func(identifier string, e entity.Entity) {
			hits <- hit{identifier, e.ID()}
		})
		require.NoError(t, err)

		mustAssociate(t, charged, entity.NewBasicWithID("other"))
		mustAssociate(t, glowing, entity.NewBasicWithID("mine"))

		select {
		case h := <-hits:
			require.Equal(t, "glowing", h.trait)
			require.Equal(t, entity.ID("mine"), h.id)
		case <-time.After(2 * time.Second):
			t.Fatal("track listener did not fire")
		}
	})

	t.Run("Track: cancel stops delivery", func(t *testing.T) {
		r := newViewFixture(t)
		glowing, err := r.Define("glowing", func(*trait.Trait, entity.Entity) error { return nil })
		require.NoError(t, err)

		v, err := New(r, Spec{Tags: []string{"glowing"}})
		require.NoError(t, err)

		var mu sync.Mutex
		fired := 0
		sub, err := v.Track(func(string, entity.Entity) {
			mu.Lock()
			fired++
			mu.Unlock()
		})
		require.NoError(t, err)
		require.NoError(t, sub.Cancel())
		require.False(t, sub.IsActive())

		mustAssociate(t, glowing, entity.NewBasicWithID("a"))
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, 0, fired)
	})

	t.Run("Track: panicking listener does not break others", func(t *testing.T) {
		r := newViewFixture(t)
		glowing, err := r.Define("glowing", func(*trait.Trait, entity.Entity) error { return nil })
		require.NoError(t, err)

		v, err := New(r, Spec{Tags: []string{"glowing"}})
		require.NoError(t, err)

		_, err = v.Track(func(string, entity.Entity) { panic("listener bug") })
		require.NoError(t, err)
		hits := make(chan hit, 4)
		_, err = v.Track(func(identifier string, e entity.Entity) {
			hits <- hit{identifier, e.ID()}
		})
		require.NoError(t, err)

		mustAssociate(t, glowing, entity.NewBasicWithID("a"))
		select {
		case h := <-hits:
			require.Equal(t, entity.ID("a"), h.id)
		case <-time.After(2 * time.Second):
			t.Fatal("second listener did not fire")
		}
	})
}
