package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryMap is the default process-local Map.
type MemoryMap struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryMap() *MemoryMap {
	return &MemoryMap{entries: make(map[string]string)}
}

func (m *MemoryMap) Get(_ context.Context, hostname string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entries[hostname]
	return id, ok, nil
}

func (m *MemoryMap) Set(_ context.Context, hostname, id string) error {
	m.mu.Lock()
	m.entries[hostname] = id
	m.mu.Unlock()
	return nil
}

func (m *MemoryMap) SetMany(_ context.Context, entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, id := range entries {
		m.entries[h] = id
	}
	return nil
}

func (m *MemoryMap) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// DefaultRedisKey is the hash holding hostname to website ID entries.
const DefaultRedisKey = "website_ids"

// RedisMap stores entries in a Redis hash so several processes share one
// warm map.
type RedisMap struct {
	client redis.UniversalClient
	key    string
}

func NewRedisMap(client redis.UniversalClient, key string) *RedisMap {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisMap{client: client, key: key}
}

func (m *RedisMap) Get(ctx context.Context, hostname string) (string, bool, error) {
	id, err := m.client.HGet(ctx, m.key, hostname).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (m *RedisMap) Set(ctx context.Context, hostname, id string) error {
	return m.client.HSet(ctx, m.key, hostname, id).Err()
}

func (m *RedisMap) SetMany(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	values := make(map[string]any, len(entries))
	for h, id := range entries {
		values[h] = id
	}
	return m.client.HSet(ctx, m.key, values).Err()
}

func (m *RedisMap) Len(ctx context.Context) (int, error) {
	n, err := m.client.HLen(ctx, m.key).Result()
	return int(n), err
}
