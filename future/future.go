// Package future provides single-writer futures used to bridge an operation
// that is started in one place with a confirmation that arrives somewhere
// else.
//
// A Future is settled at most once: the first call to Resolve or Reject wins
// and every later call is ignored (and reported as such through the boolean
// return). Readers wait with Await, which honours context cancellation; a
// cancelled Await does not settle the future.
package future

import (
	"context"
	"fmt"
	"sync"
)

// Future holds the eventual outcome of an asynchronous operation.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New creates an unsettled Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future already settled with value.
func Resolved[T any](value T) *Future[T] {
	f := New[T]()
	f.Resolve(value)
	return f
}

// Resolve settles the future with value. It returns false if the future was
// already settled.
func (f *Future[T]) Resolve(value T) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		close(f.done)
		settled = true
	})
	return settled
}

// Reject settles the future with err. A nil err is replaced with a generic
// rejection so that Await never reports success for a rejected future.
func (f *Future[T]) Reject(err error) bool {
	if err == nil {
		err = fmt.Errorf("future rejected")
	}
	settled := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done returns a channel that is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has been resolved or rejected.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future settles or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the settled outcome without blocking. ok is false while the
// future is still pending.
func (f *Future[T]) Peek() (value T, ok bool, err error) {
	if !f.Settled() {
		return value, false, nil
	}
	return f.value, true, f.err
}
