package cache

import (
	"context"
	"log/slog"
	"time"
)

// Store is a keyed cache with expiring entries.
type Store[V any] interface {
	Get(ctx context.Context, key string) (V, error)
	Set(ctx context.Context, key string, value V) error
}

type options struct {
	logger          *slog.Logger
	now             func() time.Time
	cleanupInterval time.Duration
}

// Option configures a MemoryCache or FileCache.
type Option func(*options)

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCleanupInterval sets how often expired entries are purged. Zero disables the loop.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = d
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:          slog.Default(),
		now:             time.Now,
		cleanupInterval: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
