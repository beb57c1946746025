package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Typed is a JSON-encoded view of the keys under one prefix of a Store. It
// gives each component a schema for its own slice of the keyspace.
type Typed[T any] struct {
	store  Store
	prefix string
}

// NewTyped scopes store to prefix. A trailing slash is added when missing.
func NewTyped[T any](store Store, prefix string) *Typed[T] {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Typed[T]{store: store, prefix: prefix}
}

// Key returns the full store key for name.
func (t *Typed[T]) Key(name string) string {
	return t.prefix + name
}

// Get decodes the value stored under name.
func (t *Typed[T]) Get(ctx context.Context, name string) (T, error) {
	var out T
	data, err := t.store.Get(ctx, t.Key(name))
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal %s: %w", t.Key(name), err)
	}
	return out, nil
}

// Put encodes value and stores it under name.
func (t *Typed[T]) Put(ctx context.Context, name string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", t.Key(name), err)
	}
	return t.store.Put(ctx, t.Key(name), data)
}

// Delete removes name.
func (t *Typed[T]) Delete(ctx context.Context, name string) error {
	return t.store.Delete(ctx, t.Key(name))
}

// Scan decodes every value under the typed prefix. fn receives the name
// relative to the prefix.
func (t *Typed[T]) Scan(ctx context.Context, fn func(name string, value T) error) error {
	return t.store.Scan(ctx, t.prefix, func(key string, data []byte) error {
		var value T
		if err := json.Unmarshal(data, &value); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return fn(strings.TrimPrefix(key, t.prefix), value)
	})
}

// Clear deletes every key under the typed prefix.
func (t *Typed[T]) Clear(ctx context.Context) error {
	var keys []string
	err := t.store.Scan(ctx, t.prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := t.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
