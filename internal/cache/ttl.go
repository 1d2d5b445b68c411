package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Entry is a cached value with its capture time.
type Entry[V any] struct {
	Value      V
	CapturedAt time.Time
}

// TTL is an address-keyed cache where every entry expires a fixed
// duration after it was stored. Expired entries stay readable through
// Peek until Purge removes them, so callers can fall back to stale data
// when a fresh fetch fails.
type TTL[V any] struct {
	name  string
	ttl   time.Duration
	clock Clock

	mu      sync.RWMutex
	entries map[string]Entry[V]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewTTL creates a cache. A nil clock uses time.Now.
func NewTTL[V any](name string, ttl time.Duration, clock Clock) *TTL[V] {
	if clock == nil {
		clock = time.Now
	}
	return &TTL[V]{
		name:    name,
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]Entry[V]),
	}
}

// Name returns the cache name used in logs and metrics.
func (c *TTL[V]) Name() string { return c.name }

// TTL returns the configured lifetime of an entry.
func (c *TTL[V]) TTL() time.Duration { return c.ttl }

// Get returns the value for key if it is still fresh.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.expired(e) {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.Value, true
}

// Peek returns the entry for key regardless of freshness.
func (c *TTL[V]) Peek(key string) (Entry[V], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Set stores value under key, stamped with the current clock time.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = Entry[V]{Value: value, CapturedAt: c.clock()}
	c.mu.Unlock()
}

// Delete removes key.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops expired entries and returns how many were removed.
func (c *TTL[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, fresh or not.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *TTL[V]) expired(e Entry[V]) bool {
	return c.clock().Sub(e.CapturedAt) >= c.ttl
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Name     string  `json:"name"`
	Entries  int     `json:"entries"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
}

func (c *TTL[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	return Stats{
		Name:     c.name,
		Entries:  c.Len(),
		Hits:     hits,
		Misses:   misses,
		HitRatio: ratio,
	}
}
