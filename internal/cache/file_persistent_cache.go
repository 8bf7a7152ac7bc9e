package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// FileCache is a MemoryCache whose contents survive restarts. Every Set
// rewrites the backing JSON file; a missing file starts the cache empty.
type FileCache[V any] struct {
	store    map[string]cacheItem[V]
	mutex    sync.RWMutex
	ttl      time.Duration
	filePath string
	opts     options
}

// NewFileCache creates a persistent cache backed by filePath and loads any existing entries.
func NewFileCache[V any](defaultTTL time.Duration, filePath string, opts ...Option) (*FileCache[V], error) {
	c := &FileCache[V]{
		store:    make(map[string]cacheItem[V]),
		ttl:      defaultTTL,
		filePath: filePath,
		opts:     buildOptions(opts),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileCache[V]) load() error {
	data, err := os.ReadFile(c.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache file %s: %w", c.filePath, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &c.store); err != nil {
		return fmt.Errorf("decode cache file %s: %w", c.filePath, err)
	}
	dropped := purgeExpired(c.store, c.opts.now().UnixNano())
	c.opts.logger.Debug("loaded persistent cache", "path", c.filePath, "items", len(c.store), "expired", dropped)
	return nil
}

// save writes the store to disk. Caller must hold the write lock.
func (c *FileCache[V]) save() error {
	data, err := json.Marshal(c.store)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.filePath)
}

// Get retrieves an item from the cache.
func (c *FileCache[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, errbuilder.WrapIfContextDone(ctx, err)
	}

	c.mutex.RLock()
	item, found := c.store[key]
	c.mutex.RUnlock()
	if !found {
		return zero, errbuilder.NotFoundErr(errbuilder.GenericErr("persistent cache item not found", nil))
	}
	if c.opts.now().UnixNano() > item.Expiration {
		c.opts.logger.Debug("persistent cache item expired", "key", key)
		return zero, errbuilder.NotFoundErr(errbuilder.GenericErr("persistent cache item expired", nil))
	}
	return item.Value, nil
}

// Set adds or updates an item and flushes the cache file.
func (c *FileCache[V]) Set(ctx context.Context, key string, value V) error {
	if err := ctx.Err(); err != nil {
		return errbuilder.WrapIfContextDone(ctx, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.opts.now()
	purgeExpired(c.store, now.UnixNano())
	c.store[key] = cacheItem[V]{
		Value:      value,
		Expiration: now.Add(c.ttl).UnixNano(),
	}
	if err := c.save(); err != nil {
		c.opts.logger.Error("failed to persist cache", "path", c.filePath, "error", err)
		return fmt.Errorf("persist cache %s: %w", c.filePath, err)
	}
	c.opts.logger.Debug("persistent cache item set", "key", key)
	return nil
}

// Len returns the number of stored items.
func (c *FileCache[V]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}
