package cache

import (
	"strings"
	"sync"
	"time"
)

// TTL constants for block-device scans
const (
	// Device list - only changes on hotplug
	TTLDevices = 30 * time.Second

	// Partition tables and probe results - stale after any mkfs
	TTLScan = 5 * time.Second
)

// Entry holds a cached value with expiration
type Entry struct {
	Value     any
	ExpiresAt time.Time
	FetchedAt time.Time
}

// IsExpired returns true if the entry has expired
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache is a thread-safe TTL cache for the lifetime of one installer session.
// Nothing here is written to disk.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// New creates a new cache instance
func New() *Cache {
	return &Cache{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Get retrieves a value from cache, returns nil if expired or not found
func (c *Cache) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || entry.IsExpired(c.now()) {
		return nil
	}
	return entry.Value
}

// Set stores a value with the given TTL
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &Entry{
		Value:     value,
		ExpiresAt: now.Add(ttl),
		FetchedAt: now,
	}
}

// Delete removes an entry from cache
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix removes every entry whose key starts with prefix
func (c *Cache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Clear removes all entries from cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	n := 0
	for _, e := range c.entries {
		if !e.IsExpired(now) {
			n++
		}
	}
	return n
}

// Remember returns the cached value for key, or calls fetch and caches its
// result for ttl. Errors are not cached.
func Remember[T any](c *Cache, key string, ttl time.Duration, fetch func() (T, error)) (T, error) {
	if cached := c.Get(key); cached != nil {
		if v, ok := cached.(T); ok {
			return v, nil
		}
	}
	v, err := fetch()
	if err != nil {
		return v, err
	}
	c.Set(key, v, ttl)
	return v, nil
}
