package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a thread-safe in-memory cache with per-entry expiry. Expired
// entries are dropped on read and by Prune.
type TTLCache[V any] struct {
	mu      sync.RWMutex
	items   map[string]entry[V]
	maxSize int
	now     func() time.Time
}

// New creates a cache. maxSize bounds the entry count; zero means unbounded.
func New[V any](maxSize int) *TTLCache[V] {
	return &TTLCache[V]{
		items:   make(map[string]entry[V]),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns a value if present and not expired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return e.value, true
}

// Set stores a value for ttl. A non-positive ttl is a no-op.
func (c *TTLCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.pruneLocked()
		if len(c.items) >= c.maxSize {
			c.evictOneLocked()
		}
	}
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Delete removes a key.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all entries.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]entry[V])
}

// Prune drops expired entries and returns how many were removed.
func (c *TTLCache[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

// Len counts entries, including expired ones not yet pruned.
func (c *TTLCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *TTLCache[V]) pruneLocked() int {
	now := c.now()
	n := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// evictOneLocked drops the entry closest to expiry.
func (c *TTLCache[V]) evictOneLocked() {
	var (
		victim  string
		soonest time.Time
	)
	for k, e := range c.items {
		if victim == "" || e.expiresAt.Before(soonest) {
			victim, soonest = k, e.expiresAt
		}
	}
	delete(c.items, victim)
}
