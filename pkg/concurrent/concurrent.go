package concurrent

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/traitsync/traitsync/pkg/sequence"
)

// Concurrent runs the action function for each element of the iterator in a separate goroutine.
// It waits for all goroutines to finish. If action returns an error, it returns the first error encountered.
func Concurrent[T any](i *sequence.Iterator[T], action func(T) error) error {
	errGroup := errgroup.Group{}
	next, stop := i.Pull()
	defer stop()

	for {
		value, valid := next()
		if !valid {
			break
		}

		errGroup.Go(func() error {
			return action(value)
		})
	}

	return errGroup.Wait()
}

// ParallelMust runs the action function for each element of the iterator in a separate goroutine.
// It waits for all goroutines to finish.
func ParallelMust[T any](i *sequence.Iterator[T], action func(T)) {
	wg := sync.WaitGroup{}
	next, stop := i.Pull()
	defer stop()

	for {
		value, valid := next()
		if !valid {
			break
		}

		wg.Add(1)
		go func(value T) {
			defer wg.Done()
			action(value)
		}(value)
	}

	wg.Wait()
}

// ParallelFilter applies the filterFn to each element in parallel, returns filtered slice
// preserving input order. The concurrency parameter controls the number of goroutines.
func ParallelFilter[T any](i *sequence.Iterator[T], concurrency int, filterFn func(T) bool) []T {
	if concurrency <= 0 {
		concurrency = 1
	}
	in := i.Collect()
	out := make([]T, 0, len(in))
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	res := make([]bool, len(in))

	for idx, val := range in {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, v T) {
			defer wg.Done()
			res[i] = filterFn(v)
			<-sem
		}(idx, val)
	}
	wg.Wait()
	for idx, keep := range res {
		if keep {
			out = append(out, in[idx])
		}
	}
	return out
}

// FanOut sends each element of the iterator to multiple handler functions concurrently.
func FanOut[T any](i *sequence.Iterator[T], handlers ...func(T)) {
	var wg sync.WaitGroup
	next, stop := i.Pull()
	defer stop()
	for {
		value, valid := next()
		if !valid {
			break
		}
		for _, handler := range handlers {
			wg.Add(1)
			go func(h func(T), v T) {
				defer wg.Done()
				h(v)
			}(handler, value)
		}
	}
	wg.Wait()
}
