package concurrent

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traitsync/traitsync/pkg/sequence"
)

func TestConcurrent(t *testing.T) {
	t.Run("Concurrent: runs every action and waits", func(t *testing.T) {
		var sum atomic.Int64
		err := Concurrent(sequence.From([]int{1, 2, 3, 4, 5}), func(v int) error {
			sum.Add(int64(v))
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, int64(15), sum.Load())
	})

	t.Run("Concurrent: surfaces an action error", func(t *testing.T) {
		boom := errors.New("boom")
		var ran atomic.Int32
		err := Concurrent(sequence.From([]int{1, 2, 3}), func(v int) error {
			ran.Add(1)
			if v == 2 {
				return boom
			}
			return nil
		})
		require.ErrorIs(t, err, boom)
		require.Equal(t, int32(3), ran.Load())
	})

	t.Run("Concurrent: empty iterator is a no-op", func(t *testing.T) {
		require.NoError(t, Concurrent(sequence.From([]int(nil)), func(int) error {
			t.Error("action must not run")
			return nil
		}))
	})
}

func TestParallelMust(t *testing.T) {
	t.Run("ParallelMust: waits for every action", func(t *testing.T) {
		var count atomic.Int32
		ParallelMust(sequence.From([]int{1, 2, 3, 4}), func(int) {
			count.Add(1)
		})
		require.Equal(t, int32(4), count.Load())
	})
}

func TestParallelFilter(t *testing.T) {
	t.Run("ParallelFilter: preserves input order", func(t *testing.T) {
		in := []int{9, 1, 8, 2, 7, 3, 6, 4, 5}
		got := ParallelFilter(sequence.From(in), 3, func(v int) bool { return v > 4 })
		require.Equal(t, []int{9, 8, 7, 6, 5}, got)
	})

	t.Run("ParallelFilter: clamps non-positive concurrency", func(t *testing.T) {
		got := ParallelFilter(sequence.From([]int{1, 2, 3}), 0, func(v int) bool { return v != 2 })
		require.Equal(t, []int{1, 3}, got)
	})

	t.Run("ParallelFilter: empty input yields empty output", func(t *testing.T) {
		require.Empty(t, ParallelFilter(sequence.From([]int(nil)), 4, func(int) bool { return true }))
	})
}

func TestFanOut(t *testing.T) {
	t.Run("FanOut: every handler sees every element", func(t *testing.T) {
		var first, second atomic.Int64
		FanOut(sequence.From([]int{1, 2, 3}),
			func(v int) { first.Add(int64(v)) },
			func(v int) { second.Add(int64(v)) },
		)
		require.Equal(t, int64(6), first.Load())
		require.Equal(t, int64(6), second.Load())
	})
}
