package crosschain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunQueueAdmitsInArrivalOrder(t *testing.T) {
	var q runQueue
	ctx := context.Background()
	require.NoError(t, q.acquire(ctx))

	order := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		go func() {
			require.NoError(t, q.acquire(ctx))
			order <- i
			q.release()
		}()
		// Each waiter is queued before the next one arrives.
		require.Eventually(t, func() bool {
			q.mu.Lock()
			defer q.mu.Unlock()
			return len(q.waiters) == i
		}, time.Second, time.Millisecond)
	}

	q.release()
	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
	assert.Equal(t, 3, <-order)
}

func TestRunQueueCancelledWaiterLeaves(t *testing.T) {
	var q runQueue
	require.NoError(t, q.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.acquire(ctx) }()
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.waiters) == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	q.release()
	require.NoError(t, q.acquire(context.Background()), "the queue is free again")
}
