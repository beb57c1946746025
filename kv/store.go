// Package kv defines the key-value persistence used for everything that must
// survive a restart: queue indices and items, provisioning pools, the
// resolver's sequence counter and pending transactions, positions and the
// published status history.
//
// Keys are slash separated strings. Scan visits keys with a given prefix in
// ascending byte order on every backend, so callers that encode sequence
// numbers with fixed width get insertion order for free.
package kv

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Store defines the interface for persisting keyed values.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan calls fn for every key with the given prefix in ascending order.
	// Returning an error from fn stops the scan and returns that error.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
}

// MemoryStore provides an in-memory implementation of Store for tests and
// for processes where persistence is not required.
type MemoryStore struct {
	mu   sync.RWMutex
	tree *btree.Map[string, []byte]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tree: btree.NewMap[string, []byte](32)}
}

// Get retrieves a copy of the value stored under key.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.tree.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(value), nil
}

// Put stores a copy of value to avoid external modifications.
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.Set(key, cloneBytes(value))
	return nil
}

// Delete removes key from memory.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.Delete(key)
	return nil
}

// Scan walks the keys under prefix in order.
func (m *MemoryStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	type pair struct {
		key   string
		value []byte
	}
	var matched []pair
	m.tree.Ascend(prefix, func(key string, value []byte) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		matched = append(matched, pair{key: key, value: cloneBytes(value)})
		return true
	})
	m.mu.RUnlock()

	// fn runs without the lock held so it may write back to the store.
	for _, p := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of keys held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
