package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/fortressi/crosschain/future"
	"github.com/fortressi/crosschain/kv"
)

// AttemptFactory builds the provisioning attempt for a resource key.
type AttemptFactory[A any] func(key string) (Attempt[A], error)

// Manager keeps one Coordinator per resource key, creating each lazily on
// first request.
type Manager[A any] struct {
	store        kv.Store
	factory      AttemptFactory[A]
	opts         []Option
	coordinators *xsync.MapOf[string, *Coordinator[A]]
	createMu     sync.Mutex
}

// NewManager creates a Manager persisting into store.
func NewManager[A any](store kv.Store, factory AttemptFactory[A], opts ...Option) *Manager[A] {
	if store == nil {
		store = kv.NewMemoryStore()
	}
	return &Manager[A]{
		store:        store,
		factory:      factory,
		opts:         opts,
		coordinators: xsync.NewMapOf[string, *Coordinator[A]](),
	}
}

// Coordinator returns the coordinator for key, opening it if needed.
func (m *Manager[A]) Coordinator(ctx context.Context, key string) (*Coordinator[A], error) {
	if c, ok := m.coordinators.Load(key); ok {
		return c, nil
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	if c, ok := m.coordinators.Load(key); ok {
		return c, nil
	}
	attempt, err := m.factory(key)
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", key, err)
	}
	c, err := NewCoordinator(ctx, m.store, key, attempt, m.opts...)
	if err != nil {
		return nil, err
	}
	m.coordinators.Store(key, c)
	return c, nil
}

// RequestAccount requests an account from the coordinator for key.
func (m *Manager[A]) RequestAccount(ctx context.Context, key string) (*future.Future[A], error) {
	c, err := m.Coordinator(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.RequestAccount(ctx)
}

// Keys returns the keys with an open coordinator.
func (m *Manager[A]) Keys() []string {
	keys := make([]string, 0, m.coordinators.Size())
	m.coordinators.Range(func(key string, _ *Coordinator[A]) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Close closes every coordinator.
func (m *Manager[A]) Close() {
	m.coordinators.Range(func(_ string, c *Coordinator[A]) bool {
		c.Close()
		return true
	})
}
