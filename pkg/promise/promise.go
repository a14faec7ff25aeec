package promise

import (
	"context"
	"sync"
)

// Promise is a write-once deferred result. Producers settle it exactly
// once with Resolve or Reject; consumers block on Await or poll with
// Peek. Settling an already-settled promise is a no-op, which makes
// racing producers safe.
type Promise[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// New creates an unsettled promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolved creates a promise already settled with a value.
func Resolved[T any](value T) *Promise[T] {
	p := New[T]()
	p.Resolve(value)
	return p
}

// Rejected creates a promise already settled with an error.
func Rejected[T any](err error) *Promise[T] {
	p := New[T]()
	p.Reject(err)
	return p
}

// Resolve settles the promise with a value. Returns false if it was
// already settled.
func (p *Promise[T]) Resolve(value T) bool {
	settled := false
	p.once.Do(func() {
		p.value = value
		settled = true
		close(p.done)
	})
	return settled
}

// Reject settles the promise with an error. Returns false if it was
// already settled.
func (p *Promise[T]) Reject(err error) bool {
	settled := false
	p.once.Do(func() {
		p.err = err
		settled = true
		close(p.done)
	})
	return settled
}

// Done is closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the promise settles or the context ends. A context
// cancellation does not settle the promise; other waiters are
// unaffected.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek reports the outcome without blocking. The third return is false
// while the promise is unsettled.
func (p *Promise[T]) Peek() (T, error, bool) {
	select {
	case <-p.done:
		return p.value, p.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
