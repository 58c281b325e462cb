// ABOUTME: Tests for the message id dedupe cache.
// ABOUTME: Validates TTL expiry, size eviction, forget, cleanup and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *clock) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newCache(ttl, size, clk.Now, time.Hour), clk
}

func TestCheckAndMark(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.CheckAndMark("m1"), "first sighting is not a duplicate")
	assert.True(t, c.CheckAndMark("m1"), "second sighting is a duplicate")
	assert.True(t, c.Seen("m1"))
	assert.False(t, c.Seen("m2"))
}

func TestExpiry(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)
	defer c.Close()

	c.CheckAndMark("m1")
	clk.Advance(59 * time.Second)
	assert.True(t, c.Seen("m1"))

	clk.Advance(time.Second)
	assert.False(t, c.Seen("m1"))
	assert.False(t, c.CheckAndMark("m1"), "expired key is accepted again")
	assert.Equal(t, 1, c.Len())
}

func TestSizeEviction(t *testing.T) {
	c, _ := newTestCache(time.Hour, 2)
	defer c.Close()

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	c.CheckAndMark("c")

	assert.False(t, c.Seen("a"), "oldest evicted")
	assert.True(t, c.Seen("b"))
	assert.True(t, c.Seen("c"))
	assert.Equal(t, 2, c.Len())
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	defer c.Close()

	c.CheckAndMark("m1")
	c.Forget("m1")
	c.Forget("unknown")
	assert.False(t, c.CheckAndMark("m1"))
}

func TestPurgeExpired(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)
	defer c.Close()

	c.CheckAndMark("old")
	clk.Advance(30 * time.Second)
	c.CheckAndMark("new")
	clk.Advance(45 * time.Second)

	c.purgeExpired()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("new"))
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestConcurrentCheckAndMark(t *testing.T) {
	c, _ := newTestCache(time.Hour, 1000)
	defer c.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := range 100 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if !c.CheckAndMark(fmt.Sprintf("key-%d", n%10)) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, accepted, "each distinct key is accepted exactly once")
}
