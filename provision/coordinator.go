// Package provision hands out remote accounts, creating each one exactly once
// and serving concurrent requesters in arrival order.
//
// A Coordinator owns one remote resource key (typically one chain). It keeps
// a pool of accounts that are ready but unclaimed and a queue of waiters.
// Each waiter that cannot be served from the pool triggers exactly one
// provisioning attempt; the n-th requester receives the n-th account that
// becomes ready. A failed attempt never fails a waiter, it only triggers
// another attempt.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortressi/crosschain/future"
	"github.com/fortressi/crosschain/kv"
	"github.com/fortressi/crosschain/queue"
)

// ErrClosed rejects waiters still queued when a Coordinator is closed.
var ErrClosed = errors.New("provision: coordinator closed")

// RemoteAccountInfo describes an account provisioned on a remote chain.
type RemoteAccountInfo struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

// Attempt performs one provisioning attempt for a resource key.
type Attempt[A any] func(ctx context.Context) (A, error)

// Failure wraps the reason a provisioning attempt failed. It is logged and
// retried, never delivered to a waiter.
type Failure struct {
	Key     string
	Attempt uint64
	error
}

func (f *Failure) Unwrap() error { return f.error }

type settings struct {
	logger *zap.Logger
	retry  RetryPolicy
}

// Option configures a Coordinator or Manager.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRetryPolicy sets the delay policy between failed attempts.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *settings) { s.retry = p }
}

// Coordinator is the provisioning state machine for one resource key.
type Coordinator[A any] struct {
	mu       sync.Mutex
	key      string
	ready    *queue.Queue[A]
	waiters  *queue.Queue[string]
	live     map[string]*future.Future[A]
	attempt  Attempt[A]
	settings settings

	outstanding int
	started     uint64
	failures    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator opens the coordinator for key, restoring its ready pool
// from store. Waiters queued by a previous process cannot be answered and
// are dropped; attempts they triggered died with that process.
func NewCoordinator[A any](ctx context.Context, store kv.Store, key string, attempt Attempt[A], opts ...Option) (*Coordinator[A], error) {
	s := settings{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&s)
	}

	ready, err := queue.Open[A](ctx, store, "provision/"+key+"/ready")
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", key, err)
	}
	waiters, err := queue.Open[string](ctx, store, "provision/"+key+"/waiters")
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", key, err)
	}
	if waiters.Size() > 0 {
		stale, err := waiters.Values(ctx)
		if err != nil {
			return nil, fmt.Errorf("provision %s: %w", key, err)
		}
		s.logger.Warn("dropping waiters from a previous run",
			zap.String("key", key), zap.Strings("waiters", stale))
		if err := waiters.Clear(ctx); err != nil {
			return nil, fmt.Errorf("provision %s: %w", key, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Coordinator[A]{
		key:      key,
		ready:    ready,
		waiters:  waiters,
		live:     make(map[string]*future.Future[A]),
		attempt:  attempt,
		settings: s,
		ctx:      runCtx,
		cancel:   cancel,
	}, nil
}

// Key returns the resource key.
func (c *Coordinator[A]) Key() string { return c.key }

// RequestAccount returns a future for the next available account. When the
// ready pool has one it is returned already resolved; otherwise the caller
// is queued and one provisioning attempt is started.
func (c *Coordinator[A]) RequestAccount(ctx context.Context) (*future.Future[A], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}

	account, ok, err := c.ready.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		c.settings.logger.Debug("served account from ready pool", zap.String("key", c.key))
		return future.Resolved(account), nil
	}

	id := uuid.NewString()
	if err := c.waiters.Enqueue(ctx, id); err != nil {
		return nil, err
	}
	f := future.New[A]()
	c.live[id] = f
	c.startAttemptLocked(0)
	return f, nil
}

// HandleReady delivers a provisioned account: to the oldest waiter if there
// is one, otherwise into the ready pool.
func (c *Coordinator[A]) HandleReady(ctx context.Context, account A) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseAttemptLocked()
	c.failures = 0

	for {
		id, ok, err := c.waiters.Dequeue(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		f := c.live[id]
		delete(c.live, id)
		if f == nil {
			continue
		}
		f.Resolve(account)
		c.settings.logger.Debug("account delivered to waiter", zap.String("key", c.key), zap.String("waiter", id))
		return nil
	}

	c.settings.logger.Debug("account added to ready pool", zap.String("key", c.key))
	return c.ready.Enqueue(ctx, account)
}

// HandleFailure records a failed attempt and immediately schedules another
// one, delayed only by the retry policy.
func (c *Coordinator[A]) HandleFailure(ctx context.Context, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseAttemptLocked()
	c.failures++

	c.settings.logger.Warn("provisioning attempt failed, retrying",
		zap.String("key", c.key),
		zap.Int("consecutiveFailures", c.failures),
		zap.Error(reason))

	if c.ctx.Err() != nil {
		return
	}
	c.startAttemptLocked(c.settings.retry.Delay(c.failures))
}

func (c *Coordinator[A]) releaseAttemptLocked() {
	if c.outstanding > 0 {
		c.outstanding--
	}
}

func (c *Coordinator[A]) startAttemptLocked(delay time.Duration) {
	c.outstanding++
	c.started++
	n := c.started

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if delay > 0 {
			if err := sleepWithContext(c.ctx, delay); err != nil {
				return
			}
		}

		account, err := c.attempt(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.HandleFailure(c.ctx, &Failure{Key: c.key, Attempt: n, error: err})
			return
		}
		if err := c.HandleReady(c.ctx, account); err != nil {
			c.settings.logger.Error("failed to record provisioned account",
				zap.String("key", c.key), zap.Error(err))
		}
	}()
}

// Outstanding returns the number of attempts in flight.
func (c *Coordinator[A]) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Attempts returns the number of attempts started so far.
func (c *Coordinator[A]) Attempts() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Waiting returns the number of queued requesters.
func (c *Coordinator[A]) Waiting() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Size()
}

// ReadyCount returns the number of pooled accounts.
func (c *Coordinator[A]) ReadyCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready.Size()
}

// Close stops attempts in flight and rejects queued waiters with ErrClosed.
func (c *Coordinator[A]) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, f := range c.live {
		f.Reject(ErrClosed)
		delete(c.live, id)
	}
}
