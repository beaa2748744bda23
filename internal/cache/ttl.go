// Package cache provides a tiny get-or-compute cache with per-entry TTL.
//
// It exists so rule/channel lookups don't hit the database on every
// webhook; staleness is bounded by the configured TTL and CRUD paths
// call Invalidate explicitly.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a concurrency-safe cache keyed by string.
// The zero TTL duration disables caching (every Get recomputes).
type TTL[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry[V]
}

func New[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{ttl: ttl, now: time.Now, entries: map[string]entry[V]{}}
}

// SetClock replaces the time source. Test hook.
func (c *TTL[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the cached value for key, or computes, stores and returns
// a fresh one. A compute error is returned as-is and nothing is cached.
func (c *TTL[V]) Get(key string, compute func() (V, error)) (V, error) {
	c.mu.Lock()
	now := c.now()
	if e, ok := c.entries[key]; ok && c.ttl > 0 && now.Before(e.expires) {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	// Compute outside the lock; concurrent misses may compute twice,
	// which is fine for read-mostly data.
	v, err := compute()
	if err != nil {
		var zero V
		return zero, err
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[key] = entry[V]{value: v, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
	}
	return v, nil
}

// Set stores value under key with the cache's TTL.
func (c *TTL[V]) Set(key string, value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the given keys, or everything when called with none.
func (c *TTL[V]) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		c.entries = map[string]entry[V]{}
		return
	}
	for _, k := range keys {
		delete(c.entries, k)
	}
}
