// Package cache provides a cache-aside facility that degrades to a miss whenever the backing store fails.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTTL      = 5 * time.Minute
	defaultCooldown = 5 * time.Second
)

// ErrMiss is returned by stores when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is the raw backend behind the Cache facade.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Recorder receives cache outcome signals, typically Prometheus counters.
type Recorder interface {
	CacheLookup(hit bool)
	CacheError(op string)
}

type noopRecorder struct{}

func (noopRecorder) CacheLookup(bool) {}
func (noopRecorder) CacheError(string) {}

// Option customises the Cache facade.
type Option func(*Cache)

// WithLogger sets the logger used for swallowed store errors.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder wires hit/miss/error counters.
func WithRecorder(recorder Recorder) Option {
	return func(c *Cache) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// WithDefaultTTL sets the TTL used when callers pass zero.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithKeyPrefix namespaces every key and pattern.
func WithKeyPrefix(prefix string) Option {
	return func(c *Cache) {
		c.prefix = prefix
	}
}

// WithCooldown sets how long the store is bypassed after a failure.
func WithCooldown(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.cooldown = d
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.now = clock
		}
	}
}

// Cache is the cache-aside facade. Its methods never return store errors.
type Cache struct {
	store      Store
	logger     *zap.Logger
	recorder   Recorder
	prefix     string
	defaultTTL time.Duration
	cooldown   time.Duration
	now        func() time.Time

	// unix nanos until which the store is skipped
	bypassUntil atomic.Int64
}

// New wraps store. A nil store yields a cache where every lookup misses.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:      store,
		logger:     zap.NewNop(),
		recorder:   noopRecorder{},
		defaultTTL: defaultTTL,
		cooldown:   defaultCooldown,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Enabled reports whether a backing store is configured.
func (c *Cache) Enabled() bool {
	return c != nil && c.store != nil
}

// Get returns the cached value and whether it was a hit.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	if !c.available() {
		c.recorder.CacheLookup(false)
		return nil, false
	}
	value, err := c.store.Get(ctx, c.prefix+key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.fail("get", key, err)
		}
		c.recorder.CacheLookup(false)
		return nil, false
	}
	c.recorder.CacheLookup(true)
	return value, true
}

// Set stores value for ttl, or the default TTL when ttl is zero.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if !c.available() {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.store.Set(ctx, c.prefix+key, value, ttl); err != nil {
		c.fail("set", key, err)
	}
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if !c.available() {
		return
	}
	if err := c.store.Delete(ctx, c.prefix+key); err != nil {
		c.fail("delete", key, err)
	}
}

// DeleteByPattern removes every key matching the glob pattern and returns how many were removed.
func (c *Cache) DeleteByPattern(ctx context.Context, pattern string) int {
	if !c.Enabled() {
		return 0
	}
	// Invalidation ignores the bypass window.
	removed, err := c.store.DeleteByPattern(ctx, c.prefix+pattern)
	if err != nil {
		c.fail("delete_pattern", pattern, err)
		return 0
	}
	return removed
}

// Ping probes the store; used by readiness checks only.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.store.Ping(ctx)
}

// Close releases the store.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.store.Close()
}

func (c *Cache) available() bool {
	if !c.Enabled() {
		return false
	}
	until := c.bypassUntil.Load()
	return until == 0 || c.now().UnixNano() >= until
}

func (c *Cache) fail(op, key string, err error) {
	c.recorder.CacheError(op)
	c.logger.Debug("cache operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	if c.cooldown > 0 {
		c.bypassUntil.Store(c.now().Add(c.cooldown).UnixNano())
	}
}

// GetOrCompute returns the cached value for key or computes, stores and returns it.
// Errors from compute are returned unchanged and nothing is cached.
func GetOrCompute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	if raw, ok := c.Get(ctx, key); ok {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		c.Delete(ctx, key)
	}

	value, err := compute(ctx)
	if err != nil {
		return value, err
	}
	if encoded, err := json.Marshal(value); err == nil {
		c.Set(ctx, key, encoded, ttl)
	}
	return value, nil
}
