package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// MemoryCache provides a simple thread-safe in-memory cache with a default TTL.
type MemoryCache[V any] struct {
	store map[string]cacheItem[V]
	mutex sync.RWMutex
	ttl   time.Duration
	opts  options
	stop  chan struct{}
	once  sync.Once
}

type cacheItem[V any] struct {
	Value      V     `json:"value"`
	Expiration int64 `json:"expiration"`
}

// NewMemoryCache creates a new in-memory cache with a default TTL.
// Call Close to stop the background cleanup loop.
func NewMemoryCache[V any](defaultTTL time.Duration, opts ...Option) *MemoryCache[V] {
	c := &MemoryCache[V]{
		store: make(map[string]cacheItem[V]),
		ttl:   defaultTTL,
		opts:  buildOptions(opts),
		stop:  make(chan struct{}),
	}
	if c.opts.cleanupInterval > 0 {
		go c.cleanupLoop(c.opts.cleanupInterval)
	}
	return c
}

// Get retrieves an item from the cache.
func (c *MemoryCache[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, errbuilder.WrapIfContextDone(ctx, err)
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return zero, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}

	if c.opts.now().UnixNano() > item.Expiration {
		c.opts.logger.Debug("cache item expired", "key", key)
		return zero, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}

	return item.Value, nil
}

// Set adds or updates an item in the cache.
func (c *MemoryCache[V]) Set(ctx context.Context, key string, value V) error {
	if err := ctx.Err(); err != nil {
		return errbuilder.WrapIfContextDone(ctx, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = cacheItem[V]{
		Value:      value,
		Expiration: c.opts.now().Add(c.ttl).UnixNano(),
	}
	c.opts.logger.Debug("cache item set", "key", key)
	return nil
}

// Len returns the number of stored items, expired or not.
func (c *MemoryCache[V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Purge removes expired items and returns how many were dropped.
func (c *MemoryCache[V]) Purge() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return purgeExpired(c.store, c.opts.now().UnixNano())
}

// Close stops the cleanup loop. It is safe to call more than once.
func (c *MemoryCache[V]) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *MemoryCache[V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				c.opts.logger.Debug("purged expired cache items", "count", n)
			}
		}
	}
}

func purgeExpired[V any](store map[string]cacheItem[V], now int64) int {
	count := 0
	for key, item := range store {
		if now > item.Expiration {
			delete(store, key)
			count++
		}
	}
	return count
}
