// Package resilience provides the building blocks used to harden outbound
// calls to POS providers and rate lookups: a TTL cache, a circuit breaker,
// a retrying executor, a health monitor, and reliable webhook delivery.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/taxfolio/taxfolio-api/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CacheEntry holds one cached value with its expiry instant.
type CacheEntry[V any] struct {
	Key       string
	Value     V
	ExpiresAt time.Time
}

// Cache is a bounded in-memory TTL cache. Eviction is insertion-order
// (FIFO), not LRU: reads do not refresh an entry's position. Lifetime is the
// process lifetime of the owning component; nothing is persisted.
type Cache[V any] struct {
	mu        sync.Mutex
	entries   map[string]CacheEntry[V]
	order     []string // insertion order, oldest first
	ttl       time.Duration
	maxSize   int
	logger    *zap.Logger
	now       func() time.Time
}

// NewCache creates a cache with a default TTL and a maximum entry count.
func NewCache[V any](ttl time.Duration, maxSize int) *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]CacheEntry[V]),
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger.Log,
		now:     time.Now,
	}
}

// Get returns the value for key. Expired entries are purged lazily on read.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.now().After(entry.ExpiresAt) {
		c.remove(key)
		return zero, false
	}
	return entry.Value, true
}

// Set stores value under key with the cache's default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with an entry-specific TTL. When the
// cache is full the oldest-inserted entry is evicted first; the evict and
// insert happen under one lock acquisition.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.remove(key)
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		oldest := c.order[0]
		c.remove(oldest)
		c.logger.Debug("Cache evicted oldest entry",
			zap.String("evicted_key", oldest),
			zap.String("inserted_key", key))
	}

	c.entries[key] = CacheEntry[V]{
		Key:       key,
		Value:     value,
		ExpiresAt: c.now().Add(ttl),
	}
	c.order = append(c.order, key)
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(key)
}

// Clear empties the store.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]CacheEntry[V])
	c.order = nil
}

// Len returns the number of entries, counting any not yet purged expired ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Warmup populates entries for keys in parallel, best effort: a loader
// failure logs a warning and skips that key without aborting the batch.
func (c *Cache[V]) Warmup(ctx context.Context, keys []string, loader func(ctx context.Context, key string) (V, error)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			value, err := loader(gctx, key)
			if err != nil {
				c.logger.Warn("Cache warmup loader failed, skipping key",
					zap.String("key", key),
					zap.Error(err))
				return nil
			}
			c.Set(key, value)
			return nil
		})
	}

	// Loaders never return errors, so this only waits for completion.
	_ = g.Wait()
}

// remove deletes key from both the map and the insertion-order slice.
// Callers must hold c.mu.
func (c *Cache[V]) remove(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
