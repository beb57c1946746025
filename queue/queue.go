// Package queue implements a FIFO queue over a kv.Store.
//
// The queue keeps two monotonically increasing indices, head and tail, next
// to its items. Indices are never reused while the queue is in use, so every
// item ever enqueued has a unique position that can be audited. Only Clear
// resets both indices to zero.
//
// A Queue is not safe for concurrent use; the owning component serializes
// access to it.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortressi/crosschain/kv"
)

const indexWidth = 20

// Queue is a persistent FIFO of T values encoded as JSON.
type Queue[T any] struct {
	name    string
	indices *kv.Typed[uint64]
	items   *kv.Typed[T]
	head    uint64
	tail    uint64
}

// Open loads (or creates) the queue stored under name.
func Open[T any](ctx context.Context, store kv.Store, name string) (*Queue[T], error) {
	q := &Queue[T]{
		name:    name,
		indices: kv.NewTyped[uint64](store, name),
		items:   kv.NewTyped[T](store, name+"/item"),
	}

	var err error
	if q.head, err = q.loadIndex(ctx, "head"); err != nil {
		return nil, err
	}
	if q.tail, err = q.loadIndex(ctx, "tail"); err != nil {
		return nil, err
	}
	if q.head > q.tail {
		return nil, fmt.Errorf("queue %s is corrupt: head %d > tail %d", name, q.head, q.tail)
	}
	return q, nil
}

func (q *Queue[T]) loadIndex(ctx context.Context, which string) (uint64, error) {
	v, err := q.indices.Get(ctx, which)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("queue %s: load %s: %w", q.name, which, err)
	}
	return v, nil
}

func itemName(i uint64) string {
	return fmt.Sprintf("%0*d", indexWidth, i)
}

// Enqueue appends v at tail.
func (q *Queue[T]) Enqueue(ctx context.Context, v T) error {
	if err := q.items.Put(ctx, itemName(q.tail), v); err != nil {
		return fmt.Errorf("queue %s: enqueue: %w", q.name, err)
	}
	if err := q.indices.Put(ctx, "tail", q.tail+1); err != nil {
		return fmt.Errorf("queue %s: enqueue: %w", q.name, err)
	}
	q.tail++
	return nil
}

// Dequeue removes and returns the value at head. ok is false when the queue
// is empty; that is not an error.
func (q *Queue[T]) Dequeue(ctx context.Context) (v T, ok bool, err error) {
	if q.head == q.tail {
		return v, false, nil
	}
	v, err = q.items.Get(ctx, itemName(q.head))
	if err != nil {
		return v, false, fmt.Errorf("queue %s: dequeue: %w", q.name, err)
	}
	if err := q.indices.Put(ctx, "head", q.head+1); err != nil {
		return v, false, fmt.Errorf("queue %s: dequeue: %w", q.name, err)
	}
	if err := q.items.Delete(ctx, itemName(q.head)); err != nil {
		return v, false, fmt.Errorf("queue %s: dequeue: %w", q.name, err)
	}
	q.head++
	return v, true, nil
}

// Peek returns the value at head without removing it.
func (q *Queue[T]) Peek(ctx context.Context) (v T, ok bool, err error) {
	if q.head == q.tail {
		return v, false, nil
	}
	v, err = q.items.Get(ctx, itemName(q.head))
	if err != nil {
		return v, false, fmt.Errorf("queue %s: peek: %w", q.name, err)
	}
	return v, true, nil
}

// Size returns tail - head.
func (q *Queue[T]) Size() uint64 {
	return q.tail - q.head
}

// Head returns the index of the next value to dequeue.
func (q *Queue[T]) Head() uint64 { return q.head }

// Tail returns the index the next enqueued value will receive.
func (q *Queue[T]) Tail() uint64 { return q.tail }

// Values returns the queued values in FIFO order without consuming them.
func (q *Queue[T]) Values(ctx context.Context) ([]T, error) {
	out := make([]T, 0, q.Size())
	err := q.items.Scan(ctx, func(_ string, v T) error {
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s: values: %w", q.name, err)
	}
	return out, nil
}

// Clear empties the backing store and resets both indices to zero.
func (q *Queue[T]) Clear(ctx context.Context) error {
	if err := q.items.Clear(ctx); err != nil {
		return fmt.Errorf("queue %s: clear: %w", q.name, err)
	}
	if err := q.indices.Put(ctx, "head", 0); err != nil {
		return fmt.Errorf("queue %s: clear: %w", q.name, err)
	}
	if err := q.indices.Put(ctx, "tail", 0); err != nil {
		return fmt.Errorf("queue %s: clear: %w", q.name, err)
	}
	q.head, q.tail = 0, 0
	return nil
}
