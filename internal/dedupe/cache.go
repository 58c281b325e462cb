// ABOUTME: Thread-safe TTL and size bounded cache of recently seen message ids.
// ABOUTME: The gateway marks each submitted message id and rejects repeats.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key     string
	expires time.Time
	element *list.Element
}

// Cache remembers keys for a TTL, holding at most maxSize of them. The
// oldest key is evicted first when full; eviction is O(1) via a list kept
// in insertion order.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background cleanup goroutine.
func New(ttl time.Duration, maxSize int) *Cache {
	return newCache(ttl, maxSize, time.Now, time.Minute)
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time, sweepEvery time.Duration) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup(sweepEvery)
	return c
}

// Seen reports whether key was marked and has not expired.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[key]
	return ok && c.now().Before(e.expires)
}

// CheckAndMark reports whether key is a live duplicate. A new or expired
// key is marked and false is returned, in one atomic step.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Before(e.expires) {
			return true
		}
		c.removeLocked(e)
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front.Value.(*entry))
		}
	}

	e := &entry{key: key, expires: now.Add(c.ttl)}
	e.element = c.order.PushBack(e)
	c.seen[key] = e
	return false
}

// Forget removes key so a later submission with the same id is accepted.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.element)
	delete(c.seen, e.key)
}

func (c *Cache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired()
		case <-c.done:
			return
		}
	}
}

// purgeExpired walks from the oldest entry and stops at the first live one.
func (c *Cache) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry)
		if now.Before(e.expires) {
			return
		}
		c.removeLocked(e)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
