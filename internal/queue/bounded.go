// ABOUTME: Fixed-capacity FIFO ring buffer that evicts its oldest entry when full.
// ABOUTME: Backs the per-node message buffer; not safe for concurrent use on its own.

// Package queue provides a bounded FIFO ring buffer.
package queue

import "fmt"

// Bounded is a fixed-capacity FIFO. Enqueue is O(1); when the ring is full
// the oldest entry is evicted and handed back to the caller.
type Bounded[T any] struct {
	items []T
	head  int
	size  int
}

// NewBounded creates a ring with the given capacity. Capacity must be positive.
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		panic(fmt.Sprintf("queue: capacity must be positive, got %d", capacity))
	}
	return &Bounded[T]{items: make([]T, capacity)}
}

// Enqueue appends item. If the ring was full, the evicted oldest entry is
// returned with ok set to true.
func (q *Bounded[T]) Enqueue(item T) (evicted T, ok bool) {
	capacity := len(q.items)
	if q.size == capacity {
		evicted = q.items[q.head]
		q.items[q.head] = item
		q.head = (q.head + 1) % capacity
		return evicted, true
	}

	q.items[(q.head+q.size)%capacity] = item
	q.size++
	return evicted, false
}

// Drain returns every entry in insertion order and empties the ring.
func (q *Bounded[T]) Drain() []T {
	out := make([]T, q.size)
	var zero T
	for i := range q.size {
		idx := (q.head + i) % len(q.items)
		out[i] = q.items[idx]
		q.items[idx] = zero
	}
	q.head = 0
	q.size = 0
	return out
}

// Resize changes the capacity, keeping the newest entries. Entries that no
// longer fit are returned oldest first.
func (q *Bounded[T]) Resize(capacity int) []T {
	if capacity < 1 {
		panic(fmt.Sprintf("queue: capacity must be positive, got %d", capacity))
	}

	entries := q.Drain()
	var dropped []T
	if len(entries) > capacity {
		dropped = entries[:len(entries)-capacity]
		entries = entries[len(entries)-capacity:]
	}

	q.items = make([]T, capacity)
	copy(q.items, entries)
	q.size = len(entries)
	return dropped
}

// Len returns the number of queued entries.
func (q *Bounded[T]) Len() int {
	return q.size
}

// Cap returns the ring's capacity.
func (q *Bounded[T]) Cap() int {
	return len(q.items)
}
