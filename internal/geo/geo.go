package geo

import (
	"sync"
	"time"
)

// Info holds geographic information for an IP.
type Info struct {
	Country     string
	CountryCode string
	Region      string
	City        string
	Latitude    float64
	Longitude   float64
}

// Provider interface for IP geolocation.
type Provider interface {
	Lookup(ip string) (*Info, error)
	Close() error
}

// Resolver answers IP lookups through a TTL cache in front of the provider.
// A nil provider resolver always returns nil, so callers never branch on
// whether geo is enabled.
type Resolver struct {
	provider Provider
	cache    *lookupCache
}

type lookupCache struct {
	mu      sync.RWMutex
	data    map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	info      *Info
	expiresAt time.Time
}

// NewResolver creates a new resolver.
func NewResolver(provider Provider, cacheSize int, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		provider: provider,
		cache: &lookupCache{
			data:    make(map[string]*cacheEntry),
			maxSize: cacheSize,
			ttl:     cacheTTL,
		},
	}
}

// Resolve returns geo info for ip, or nil when the provider is absent or
// the lookup fails. Enrichment is best-effort; ingestion never depends on it.
func (r *Resolver) Resolve(ip string) *Info {
	if r == nil || r.provider == nil || ip == "" {
		return nil
	}

	if info, ok := r.cache.get(ip); ok {
		return info
	}

	info, err := r.provider.Lookup(ip)
	if err != nil {
		return nil
	}
	r.cache.put(ip, info)
	return info
}

// Close releases the underlying provider.
func (r *Resolver) Close() error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close()
}

func (c *lookupCache) get(ip string) (*Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[ip]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.info, true
}

func (c *lookupCache) put(ip string, info *Info) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Crude size bound: drop everything when full. Lookups repopulate fast
	// and the cache is purely an optimization.
	if c.maxSize > 0 && len(c.data) >= c.maxSize {
		c.data = make(map[string]*cacheEntry)
	}
	c.data[ip] = &cacheEntry{info: info, expiresAt: time.Now().Add(c.ttl)}
}
