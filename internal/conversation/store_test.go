// ABOUTME: Tests for the conversation binding store.
// ABOUTME: Covers affinity, reverse index cleanup, TTL sweep, LRU eviction and warning hysteresis.

package conversation

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(max int, ttl time.Duration) *Store {
	return NewStore(Options{MaxConversations: max, TTL: ttl}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBind_PreservesCreatedAt(t *testing.T) {
	s := newTestStore(10, time.Hour)

	s.Bind("c1", "A", t0)
	s.Bind("c1", "A", t0.Add(time.Minute))

	b, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, t0, b.CreatedAt)
	assert.Equal(t, t0.Add(time.Minute), b.LastActiveAt)
	assert.Equal(t, "A", b.NodeID)
}

func TestBind_MovesBetweenNodes(t *testing.T) {
	s := newTestStore(10, time.Hour)

	s.Bind("c1", "A", t0)
	s.Bind("c1", "B", t0.Add(time.Second))

	assert.Empty(t, s.KeysForNode("A"))
	assert.Equal(t, []string{"c1"}, s.KeysForNode("B"))
	b, _ := s.Get("c1")
	assert.Equal(t, t0, b.CreatedAt)
}

func TestRemoveNode(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Bind("c1", "A", t0)
	s.Bind("c2", "A", t0)
	s.Bind("c3", "B", t0)

	assert.Equal(t, []string{"c1", "c2"}, s.RemoveNode("A"))

	_, ok := s.Get("c1")
	assert.False(t, ok)
	assert.Empty(t, s.KeysForNode("A"))
	assert.Equal(t, 1, s.Len())

	assert.Empty(t, s.RemoveNode("ghost"))
}

func TestSweep(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Bind("old", "A", t0)
	s.Bind("fresh", "A", t0.Add(50*time.Minute))
	s.Bind("other", "B", t0)

	assert.Empty(t, s.Sweep(t0.Add(time.Hour)), "exactly at the TTL is still live")

	expired := s.Sweep(t0.Add(time.Hour + time.Second))
	assert.Equal(t, []string{"old", "other"}, expired)
	assert.Equal(t, []string{"fresh"}, s.KeysForNode("A"))
	assert.Empty(t, s.KeysForNode("B"))
	assert.Equal(t, 1, s.Len())
}

func TestTouchExtendsLife(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Bind("c1", "A", t0)

	assert.True(t, s.Touch("c1", t0.Add(45*time.Minute)))
	assert.False(t, s.Touch("missing", t0))
	assert.Empty(t, s.Sweep(t0.Add(90*time.Minute)))
}

func TestBind_EvictsLeastRecentlyActive(t *testing.T) {
	s := newTestStore(3, time.Hour)
	s.Bind("c1", "A", t0)
	s.Bind("c2", "A", t0.Add(time.Second))
	s.Bind("c3", "B", t0.Add(2*time.Second))
	s.Bind("c1", "A", t0.Add(3*time.Second))

	s.Bind("c4", "B", t0.Add(4*time.Second))

	assert.Equal(t, 3, s.Len())
	_, ok := s.Get("c2")
	assert.False(t, ok, "c2 was least recently active")
	assert.Equal(t, []string{"c1"}, s.KeysForNode("A"))
	assert.Equal(t, []string{"c3", "c4"}, s.KeysForNode("B"))
}

func TestCapacityWarningHysteresis(t *testing.T) {
	s := newTestStore(10, time.Hour)

	var warnings []CapacityWarning
	s.OnCapacityWarning(func(w CapacityWarning) { warnings = append(warnings, w) })

	for i := range 7 {
		s.Bind(fmt.Sprintf("c%d", i), "A", t0)
	}
	assert.Empty(t, warnings)

	s.Bind("c7", "A", t0)
	require.Len(t, warnings, 1)
	assert.Equal(t, CapacityWarning{Size: 8, Max: 10}, warnings[0])

	s.Bind("c8", "A", t0)
	s.Unbind("c8")
	s.Bind("c8", "A", t0)
	assert.Len(t, warnings, 1, "no re-fire while above the re-arm threshold")

	s.Unbind("c8")
	s.Unbind("c7")
	assert.Equal(t, 7, s.Len())
	s.Bind("c7", "A", t0)
	assert.Len(t, warnings, 1, "7 is not below 70%")

	s.Unbind("c7")
	s.Unbind("c6")
	assert.Equal(t, 6, s.Len())
	s.Bind("c6", "A", t0)
	s.Bind("c7", "A", t0)
	assert.Len(t, warnings, 2, "re-armed after dropping below 70%")
}

func TestSetTTL(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Bind("c1", "A", t0)
	s.SetTTL(time.Minute)
	assert.Equal(t, []string{"c1"}, s.Sweep(t0.Add(2*time.Minute)))
}

func TestConcurrentBindAndRemove(t *testing.T) {
	s := newTestStore(1000, time.Hour)
	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			node := fmt.Sprintf("n%d", n%4)
			for j := range 25 {
				s.Bind(fmt.Sprintf("k%d-%d", n, j), node, t0)
			}
			if n%5 == 0 {
				s.RemoveNode(node)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := range 4 {
		total += len(s.KeysForNode(fmt.Sprintf("n%d", i)))
	}
	assert.Equal(t, s.Len(), total, "reverse index must agree with primary index")
}
