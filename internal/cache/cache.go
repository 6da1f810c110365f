// Package cache provides the operation-keyed TTL+LRU response cache and a
// caching wrapper around the backend client.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultMaxSize bounds the number of live cache entries.
const DefaultMaxSize = 1000

// Item is one cached value with its creation time and TTL.
type Item struct {
	Value     any
	CreatedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the item has outlived its TTL.
func (i *Item) Expired(now time.Time) bool {
	return now.Sub(i.CreatedAt) > i.TTL
}

// Stats is a snapshot of cache counters.
type Stats struct {
	ActiveItems  int   `json:"active_items"`
	ExpiredItems int   `json:"expired_items"`
	MaxSize      int   `json:"max_size"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
	Expirations  int64 `json:"expirations"`
}

// Cache is a fixed-capacity map with per-item TTL and LRU eviction. Keys
// carry an operation prefix so mutations can invalidate whole operations.
type Cache struct {
	mu      sync.Mutex
	items   map[string]*Item
	order   []string // LRU order, oldest first
	maxSize int

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// New creates a cache with the given capacity (DefaultMaxSize when <= 0).
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		items:   make(map[string]*Item),
		maxSize: maxSize,
	}
}

// Key derives the cache key for an operation and its arguments: the
// operation name plus the first 16 hex chars of SHA-256 over the canonical
// JSON encoding of the arguments (encoding/json sorts map keys).
func Key(operation string, args map[string]any) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte("{}")
	}
	sum := sha256.Sum256([]byte(operation + ":" + string(canonical)))
	return operation + ":" + hex.EncodeToString(sum[:])[:16]
}

// Get returns the cached value for key, removing it when expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if item.Expired(time.Now()) {
		c.removeLocked(key)
		c.expirations++
		c.misses++
		return nil, false
	}

	c.touchLocked(key)
	c.hits++
	return item.Value, true
}

// Set stores a value, evicting the least recently used entry when at
// capacity and the key is new.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		if len(c.order) > 0 {
			c.removeLocked(c.order[0])
			c.evictions++
		}
	}

	c.items[key] = &Item{Value: value, CreatedAt: time.Now(), TTL: ttl}
	c.touchLocked(key)
}

// Invalidate drops every entry belonging to the named operations.
func (c *Cache) Invalidate(operations ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.items {
		for _, op := range operations {
			if strings.HasPrefix(key, op+":") {
				c.removeLocked(key)
				removed++
				break
			}
		}
	}
	return removed
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Item)
	c.order = nil
}

// CleanupExpired sweeps expired entries. Correctness does not depend on
// this being called; Get removes expired entries on access.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, item := range c.items {
		if item.Expired(now) {
			c.removeLocked(key)
			c.expirations++
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expired := 0
	for _, item := range c.items {
		if item.Expired(now) {
			expired++
		}
	}
	return Stats{
		ActiveItems:  len(c.items) - expired,
		ExpiredItems: expired,
		MaxSize:      c.maxSize,
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Expirations:  c.expirations,
	}
}

// Utilization returns live entries over capacity, for the health check.
func (c *Cache) Utilization() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(len(c.items)) / float64(c.maxSize)
}

func (c *Cache) removeLocked(key string) {
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) touchLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}
