package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisScanCount = 256

// RedisStore keeps the keyspace in Redis under a namespace prefix.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps client. Every key is stored as namespace + ":" + key.
func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

// OpenRedis dials addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, namespace string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisStore(client, namespace), nil
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

// Get reads one value.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Put writes one value without expiry.
func (r *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes one key.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Scan iterates SCAN MATCH over the prefix and sorts the result, since Redis
// returns keys in hash order.
func (r *RedisStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	pattern := escapeGlob(r.key(prefix)) + "*"

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	sort.Strings(keys)

	strip := r.key("")
	for _, full := range keys {
		value, err := r.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
		if err := fn(strings.TrimPrefix(full, strip), value); err != nil {
			return err
		}
	}
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
