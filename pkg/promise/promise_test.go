package promise

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromise(t *testing.T) {
	t.Run("Promise: resolve before await", func(t *testing.T) {
		p := New[int]()
		require.True(t, p.Resolve(42))

		v, err := p.Await(context.Background())
		require.NoError(t, err)
		require.Equal(t, 42, v)
	})

	t.Run("Promise: reject before await", func(t *testing.T) {
		boom := errors.New("boom")
		p := Rejected[int](boom)

		_, err := p.Await(context.Background())
		require.ErrorIs(t, err, boom)
	})

	t.Run("Promise: await blocks until settled", func(t *testing.T) {
		p := New[string]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			p.Resolve("done")
		}()

		v, err := p.Await(context.Background())
		require.NoError(t, err)
		require.Equal(t, "done", v)
	})

	t.Run("Promise: first settle wins", func(t *testing.T) {
		p := New[int]()
		require.True(t, p.Resolve(1))
		require.False(t, p.Resolve(2))
		require.False(t, p.Reject(errors.New("late")))

		v, err := p.Await(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, v)
	})

	t.Run("Promise: racing producers settle exactly once", func(t *testing.T) {
		p := New[int]()
		var settled int64
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if p.Resolve(i) {
					mu.Lock()
					settled++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		require.EqualValues(t, 1, settled)
	})

	t.Run("Promise: context cancellation does not settle", func(t *testing.T) {
		p := New[int]()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := p.Await(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		_, _, ok := p.Peek()
		require.False(t, ok)

		p.Resolve(7)
		v, err := p.Await(context.Background())
		require.NoError(t, err)
		require.Equal(t, 7, v)
	})

	t.Run("Promise: peek reports settled outcome", func(t *testing.T) {
		p := New[int]()
		_, _, ok := p.Peek()
		require.False(t, ok)

		p.Resolve(3)
		v, err, ok := p.Peek()
		require.True(t, ok)
		require.NoError(t, err)
		require.Equal(t, 3, v)
	})
}
