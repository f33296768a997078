package engage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// QueryCache is the short-TTL, write-invalidated cache in front of the query
// engine. Keys are built by cacheKey so every key starts with the owning
// identity, which makes per-identity invalidation a prefix delete.
//
// Cache failures are never surfaced: a broken cache degrades to computing
// every query.
type QueryCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// Invalidate removes every entry owned by identityID. Called after each
	// successful ingest; conservative (all views wiped) by design tradeoff.
	Invalidate(ctx context.Context, identityID string)
}

// cacheKey builds a cache key. The identity segment comes first so
// Invalidate can match on prefix.
func cacheKey(identityID string, parts ...string) string {
	return "qc:" + identityID + ":" + strings.Join(parts, ":")
}

func cachePrefix(identityID string) string {
	return "qc:" + identityID + ":"
}

// InMemoryQueryCache is a per-process result cache with TTL expiry and a
// background janitor. Single-instance only: it cannot propagate invalidation
// across replicas, use the Redis cache for horizontally scaled deployments.
type InMemoryQueryCache struct {
	mu      sync.RWMutex
	entries map[string]memCacheEntry
	done    chan struct{}
	once    sync.Once
}

type memCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryQueryCache creates the cache and starts its cleanup loop.
func NewInMemoryQueryCache(cleanupInterval time.Duration) *InMemoryQueryCache {
	c := &InMemoryQueryCache{
		entries: make(map[string]memCacheEntry),
		done:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.janitor(cleanupInterval)
	}
	return c
}

func (c *InMemoryQueryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (c *InMemoryQueryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memCacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

func (c *InMemoryQueryCache) Invalidate(ctx context.Context, identityID string) {
	prefix := cachePrefix(identityID)

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of live entries. Test helper.
func (c *InMemoryQueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the cleanup loop.
func (c *InMemoryQueryCache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *InMemoryQueryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}
