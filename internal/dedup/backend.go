package dedup

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

type memorySet struct {
	mu      sync.RWMutex
	ready   bool
	members map[string]struct{}
}

// MemoryBackend keeps one lock per website set. The index lock is held only
// to find or create a set.
type MemoryBackend struct {
	mu   sync.RWMutex
	sets map[string]*memorySet
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sets: make(map[string]*memorySet)}
}

func (b *MemoryBackend) lookup(websiteID string) *memorySet {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sets[websiteID]
}

func (b *MemoryBackend) getOrCreate(websiteID string) *memorySet {
	if s := b.lookup(websiteID); s != nil {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sets[websiteID]
	if !ok {
		s = &memorySet{members: make(map[string]struct{})}
		b.sets[websiteID] = s
	}
	return s
}

func (b *MemoryBackend) State(_ context.Context, websiteID string) (State, error) {
	s := b.lookup(websiteID)
	if s == nil {
		return Uninitialized, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case !s.ready:
		return Uninitialized, nil
	case len(s.members) == 0:
		return Empty, nil
	default:
		return Populated, nil
	}
}

func (b *MemoryBackend) Add(_ context.Context, websiteID string, fps ...string) error {
	s := b.getOrCreate(websiteID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fp := range fps {
		s.members[fp] = struct{}{}
	}
	return nil
}

func (b *MemoryBackend) MarkReady(_ context.Context, websiteID string) error {
	s := b.getOrCreate(websiteID)
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Contains(_ context.Context, websiteID, fp string) (bool, error) {
	s := b.lookup(websiteID)
	if s == nil {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[fp]
	return ok, nil
}

func (b *MemoryBackend) Len(_ context.Context, websiteID string) (int, error) {
	s := b.lookup(websiteID)
	if s == nil {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members), nil
}

// DefaultRedisPrefix prefixes each website's set key: known_ids:<website id>.
const DefaultRedisPrefix = "known_ids:"

// redisAddBatch caps the members sent per SADD.
const redisAddBatch = 1000

// RedisBackend keeps each set in a Redis set. Readiness is a separate
// "<set key>:ready" key so an empty reconciled set is still distinguishable.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) setKey(websiteID string) string   { return b.prefix + websiteID }
func (b *RedisBackend) readyKey(websiteID string) string { return b.prefix + websiteID + ":ready" }

func (b *RedisBackend) State(ctx context.Context, websiteID string) (State, error) {
	var ready *redis.IntCmd
	var size *redis.IntCmd
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.Exists(ctx, b.readyKey(websiteID))
		size = p.SCard(ctx, b.setKey(websiteID))
		return nil
	})
	if err != nil {
		return Uninitialized, err
	}
	switch {
	case ready.Val() == 0:
		return Uninitialized, nil
	case size.Val() == 0:
		return Empty, nil
	default:
		return Populated, nil
	}
}

func (b *RedisBackend) Add(ctx context.Context, websiteID string, fps ...string) error {
	for start := 0; start < len(fps); start += redisAddBatch {
		end := min(start+redisAddBatch, len(fps))
		members := make([]any, 0, end-start)
		for _, fp := range fps[start:end] {
			members = append(members, fp)
		}
		if err := b.client.SAdd(ctx, b.setKey(websiteID), members...).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBackend) MarkReady(ctx context.Context, websiteID string) error {
	return b.client.Set(ctx, b.readyKey(websiteID), "1", 0).Err()
}

func (b *RedisBackend) Contains(ctx context.Context, websiteID, fp string) (bool, error) {
	return b.client.SIsMember(ctx, b.setKey(websiteID), fp).Result()
}

func (b *RedisBackend) Len(ctx context.Context, websiteID string) (int, error) {
	n, err := b.client.SCard(ctx, b.setKey(websiteID)).Result()
	return int(n), err
}
