// ABOUTME: Tests for the bounded ring buffer.
// ABOUTME: Covers FIFO order, eviction on overflow, drain reset and resize.

package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBounded_FIFO(t *testing.T) {
	q := NewBounded[int](4)

	for i := 1; i <= 3; i++ {
		_, evicted := q.Enqueue(i)
		assert.False(t, evicted)
	}

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []int{1, 2, 3}, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestBounded_EvictsOldest(t *testing.T) {
	q := NewBounded[string](2)

	q.Enqueue("a")
	q.Enqueue("b")

	evicted, ok := q.Enqueue("c")
	require.True(t, ok)
	assert.Equal(t, "a", evicted)

	evicted, ok = q.Enqueue("d")
	require.True(t, ok)
	assert.Equal(t, "b", evicted)

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []string{"c", "d"}, q.Drain())
}

func TestBounded_WrapAroundAfterDrain(t *testing.T) {
	q := NewBounded[int](3)
	for i := range 5 {
		q.Enqueue(i)
	}
	assert.Equal(t, []int{2, 3, 4}, q.Drain())

	q.Enqueue(10)
	q.Enqueue(11)
	assert.Equal(t, []int{10, 11}, q.Drain())
}

func TestBounded_Resize(t *testing.T) {
	q := NewBounded[int](4)
	for i := 1; i <= 4; i++ {
		q.Enqueue(i)
	}

	dropped := q.Resize(2)
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, 2, q.Cap())
	assert.Equal(t, 2, q.Len())

	dropped = q.Resize(5)
	assert.Empty(t, dropped)
	q.Enqueue(5)
	q.Enqueue(6)
	assert.Equal(t, []int{3, 4, 5, 6}, q.Drain())
}

func TestBounded_InvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { NewBounded[int](0) })
	assert.Panics(t, func() { NewBounded[int](1).Resize(-1) })
}
