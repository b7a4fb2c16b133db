// ABOUTME: Thread-safe bounded cache for deduplicating gateway events.
// ABOUTME: Insertion-ordered with FIFO eviction once capacity is reached.

package dedupe

import (
	"container/list"
	"sync"
)

// DefaultMaxSize is the dedup window used by the gateway session.
const DefaultMaxSize = 1000

// Cache is a size-limited set of recently seen event IDs. Entries are kept
// in insertion order; when the cache is full the oldest entry is evicted.
// Uses a doubly-linked list alongside the map for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // keys in insertion order, oldest at front
	maxSize int
}

// New creates a dedupe cache holding at most maxSize entries.
// A maxSize <= 0 falls back to DefaultMaxSize.
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// MarkSeen records that an event ID has been observed. It returns true if
// this is the first observation (the caller should handle the event) and
// false for a duplicate. Duplicates do not refresh the entry's position,
// so eviction order stays strictly insertion order.
func (c *Cache) MarkSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	c.seen[id] = c.order.PushBack(id)
	return true
}

// Contains reports whether an event ID is currently inside the dedup window.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.seen[id]
	return ok
}

// Len returns the current number of tracked IDs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.seen)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
