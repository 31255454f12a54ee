// Package cache provides a concurrency-safe key/value store with per-entry
// TTLs. Expired entries are invisible to readers and reclaimed lazily; when
// the store is full the least-recently-inserted entries are evicted first.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Cache is an expiring key/value store. Absence is represented, never
// returned as an error.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	order      []string // insertion order, oldest first
	maxEntries int
	defaultTTL time.Duration
	clock      func() time.Time
}

// Option customizes the cache instance.
type Option func(*Cache)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New creates a cache holding at most maxEntries values. Entries stored via
// SetDefault live for defaultTTL.
func New(maxEntries int, defaultTTL time.Duration, opts ...Option) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	c := &Cache{
		entries:    map[string]entry{},
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key with an explicit TTL. Re-setting an existing key
// counts as a fresh insertion for eviction ordering.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if key == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		c.removeFromOrder(key)
	}
	c.entries[key] = entry{value: value, insertedAt: c.clock(), ttl: ttl}
	c.order = append(c.order, key)
	for len(c.entries) > c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// SetDefault stores value under key with the cache's default TTL.
func (c *Cache) SetDefault(key string, value any) {
	c.Set(key, value, c.defaultTTL)
}

// Get returns the live value for key. Entries past their TTL are removed and
// reported as absent.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(c.clock()) {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return nil, false
	}
	return e.value, true
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]entry{}
	c.order = nil
}

// Stats describes the cache's current occupancy.
type Stats struct {
	Count               int
	CapacityUtilization float64
}

// Stats sweeps expired entries and reports live occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	kept := c.order[:0]
	for _, key := range c.order {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		if e.expired(now) {
			delete(c.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
	return Stats{
		Count:               len(c.entries),
		CapacityUtilization: float64(len(c.entries)) / float64(c.maxEntries),
	}
}

// removeFromOrder drops the first occurrence of key. Callers hold c.mu.
func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
