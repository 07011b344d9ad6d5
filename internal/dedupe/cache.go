// ABOUTME: Thread-safe TTL cache that makes keyed requests idempotent.
// ABOUTME: Replays the stored result for a repeated key and joins concurrent duplicates.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"tailscale.com/util/singleflight"
)

// cacheEntry stores the result, timestamp and list element for a cached key.
type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache remembers the successful result of each keyed request for a TTL so
// that a client retrying with the same key gets the original answer instead
// of a second side effect. It is size-limited; a doubly-linked list keeps
// insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry[V]
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool

	flight singleflight.Group[string, V]
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		seen:    make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the stored result for key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Do returns the stored result for key, or runs fn and stores its result.
// Concurrent calls with the same key share one fn call. Errors are not
// stored, so a failed request can be retried under the same key. replayed
// is true when the result came from an earlier or concurrent call.
func (c *Cache[V]) Do(key string, fn func() (V, error)) (v V, replayed bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	v, err, shared := c.flight.Do(key, func() (V, error) {
		// A call that finished between Get and Do already stored its result.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn()
		if err != nil {
			return v, err
		}
		c.Put(key, v)
		return v, nil
	})
	return v, shared, err
}

// Put stores v under key. If the cache is at capacity, the oldest entry is
// evicted to make room.
func (c *Cache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, exists := c.seen[key]; exists {
		entry.value = v
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry[V]{value: v, timestamp: now, element: elem}
}

// Len reports the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
