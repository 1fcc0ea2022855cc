// Package lru provides a fixed-capacity LRU map with per-entry TTL. Used
// for the normalizer's dedup window and the enricher's process-local
// reference cache.
package lru

import (
	"sync"
	"time"
)

type node[V any] struct {
	key     string
	value   V
	expires time.Time
	prev    *node[V]
	next    *node[V]
}

// Cache is a goroutine-safe LRU with TTL. Capacity eviction removes the
// least recently used entry; expired entries count as misses and are
// removed lazily on access.
type Cache[V any] struct {
	mu    sync.Mutex
	cap   int
	items map[string]*node[V]
	head  *node[V] // most recently used
	tail  *node[V] // least recently used
}

// New creates a cache with the given capacity. Capacity must be positive.
func New[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[V]{
		cap:   capacity,
		items: make(map[string]*node[V], capacity),
	}
}

// Get returns the value for key if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	n, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if !n.expires.IsZero() && time.Now().After(n.expires) {
		c.remove(n)
		return zero, false
	}
	c.moveToFront(n)
	return n.value, true
}

// Add inserts or replaces key with a TTL; zero TTL means no expiry.
func (c *Cache[V]) Add(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	if n, ok := c.items[key]; ok {
		n.value = value
		n.expires = expires
		c.moveToFront(n)
		return
	}
	n := &node[V]{key: key, value: value, expires: expires}
	c.items[key] = n
	c.pushFront(n)
	if len(c.items) > c.cap {
		c.remove(c.tail)
	}
}

// Remove deletes key if present.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.items[key]; ok {
		c.remove(n)
	}
}

// Len returns the number of entries, including any not-yet-collected
// expired ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) pushFront(n *node[V]) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *Cache[V]) moveToFront(n *node[V]) {
	if c.head == n {
		return
	}
	c.unlink(n)
	c.pushFront(n)
}

func (c *Cache[V]) remove(n *node[V]) {
	if n == nil {
		return
	}
	c.unlink(n)
	delete(c.items, n.key)
}

func (c *Cache[V]) unlink(n *node[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
}
