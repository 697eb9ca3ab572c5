package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the shared key/value surface used for snapshot bytes and other
// cross-replica state. Get returns redis.Nil when the key is absent,
// whichever backend serves it.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// NewCache returns a redis-backed cache when the client answers a ping,
// otherwise a process-local one.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil && client.Ping(ctx).Err() == nil {
		return redisCache{client: client}
	}
	return NewMemoryCache()
}

type redisCache struct{ client *redis.Client }

func (c redisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c redisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c redisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// MemoryCache is the in-process fallback. Expired entries are dropped
// lazily on access and swept whenever a write happens.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value    string
	deadline time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]cacheEntry{}}
}

func (m *MemoryCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(now)
	if _, held := m.entries[key]; held {
		return false, nil
	}
	m.entries[key] = newEntry(value, ttl, now)
	return true, nil
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || entry.expired(now) {
		delete(m.entries, key)
		return "", redis.Nil
	}
	return entry.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(now)
	m.entries[key] = newEntry(value, ttl, now)
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func newEntry(value string, ttl time.Duration, now time.Time) cacheEntry {
	entry := cacheEntry{value: value}
	if ttl > 0 {
		entry.deadline = now.Add(ttl)
	}
	return entry
}

func (m *MemoryCache) sweepLocked(now time.Time) {
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}
