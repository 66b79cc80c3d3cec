package fetcher

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Cache stores raw provider payloads. Entries are immutable per key within
// their TTL, so concurrent writers racing on one key is harmless.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// CacheKey builds the lookup key for one request. Parameters are sorted so
// map iteration order never splits the cache.
func CacheKey(provider, path string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(provider)
	b.WriteByte('|')
	b.WriteString(path)
	if len(params) > 0 {
		q := make(url.Values, len(params))
		for k, v := range params {
			q.Set(k, v)
		}
		b.WriteByte('|')
		b.WriteString(q.Encode())
	}
	return b.String()
}

// MemoryCache is an in-process TTL cache
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]memoryEntry
	maxSize int
	clock   clock.Clock
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates a cache holding at most maxSize entries
func NewMemoryCache(maxSize int, clk clock.Clock) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCache{
		items:   make(map[string]memoryEntry),
		maxSize: maxSize,
		clock:   clk,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictLocked()
	}
	c.items[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: c.clock.Now().Add(ttl),
	}
}

// Len returns the number of entries, including ones not yet swept
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictLocked drops expired entries, or the entry closest to expiry when
// nothing has expired yet.
func (c *MemoryCache) evictLocked() {
	now := c.clock.Now()
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.expiresAt
		}
	}
	if len(c.items) >= c.maxSize && oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

var _ Cache = (*MemoryCache)(nil)
