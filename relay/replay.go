package relay

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ReplayCache remembers VRF outputs already used for a session verification
// so a captured challenge cannot be replayed inside its freshness window.
type ReplayCache interface {
	// MarkUsed records the value and reports whether it was fresh.
	MarkUsed(ctx context.Context, value string, ttl time.Duration) (bool, error)
}

// RedisReplayCache backs the replay check with redis SETNX + TTL, shared
// across relay replicas.
type RedisReplayCache struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayCache creates a redis-backed cache.
func NewRedisReplayCache(client *redis.Client) *RedisReplayCache {
	return &RedisReplayCache{client: client, prefix: "w3a:vrf-used:"}
}

// MarkUsed implements ReplayCache.
func (c *RedisReplayCache) MarkUsed(ctx context.Context, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+value, 1, ttl).Result()
}

// MemoryReplayCache is the single-replica fallback.
type MemoryReplayCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryReplayCache creates an in-memory cache.
func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{seen: make(map[string]time.Time)}
}

// MarkUsed implements ReplayCache.
func (c *MemoryReplayCache) MarkUsed(ctx context.Context, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, expiry := range c.seen {
		if now.After(expiry) {
			delete(c.seen, key)
		}
	}
	if _, used := c.seen[value]; used {
		return false, nil
	}
	c.seen[value] = now.Add(ttl)
	return true, nil
}
