// ABOUTME: Per-connection priority message buffer with an interrupt bypass.
// ABOUTME: Drains in lane-priority then arrival order and reports overflow evictions.

// Package buffer holds outbound lane messages for a single node connection
// until the gateway's drain loop writes them to the socket.
package buffer

import (
	"slices"
	"sync"

	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/queue"
)

// DefaultCapacity is the ring capacity used when none is configured.
const DefaultCapacity = 256

// Handler receives a message delivered outside the normal drain path.
type Handler func(msg protocol.LaneMessage)

type entry struct {
	seq uint64
	msg protocol.LaneMessage
}

// Buffer is a bounded, lane-aware outbound queue. Interrupt messages never
// enter the ring; they are handed synchronously to every interrupt handler.
type Buffer struct {
	mu        sync.Mutex
	ring      *queue.Bounded[entry]
	seq       uint64
	counts    map[protocol.Lane]int
	interrupt []Handler
	overflow  []Handler
}

// New creates a buffer whose ring holds at most capacity queued messages.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		ring:   queue.NewBounded[entry](capacity),
		counts: make(map[protocol.Lane]int),
	}
}

// OnInterrupt registers a handler for interrupt-lane messages. Handlers run
// in registration order.
func (b *Buffer) OnInterrupt(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interrupt = append(b.interrupt, h)
}

// OnOverflow registers a handler that receives every message evicted
// because the ring was full.
func (b *Buffer) OnOverflow(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overflow = append(b.overflow, h)
}

// Dispatch routes msg. Interrupts are delivered immediately and never
// queued; everything else is queued and may evict the oldest entry.
func (b *Buffer) Dispatch(msg protocol.LaneMessage) {
	b.mu.Lock()
	if msg.Lane == protocol.LaneInterrupt {
		handlers := slices.Clone(b.interrupt)
		b.mu.Unlock()
		for _, h := range handlers {
			h(msg)
		}
		return
	}

	b.seq++
	b.counts[msg.Lane]++
	evicted, ok := b.ring.Enqueue(entry{seq: b.seq, msg: msg})
	var handlers []Handler
	if ok {
		b.counts[evicted.msg.Lane]--
		handlers = slices.Clone(b.overflow)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(evicted.msg)
	}
}

// Drain empties the buffer and returns its messages ordered by lane
// priority, then by arrival.
func (b *Buffer) Drain() []protocol.LaneMessage {
	b.mu.Lock()
	entries := b.ring.Drain()
	clear(b.counts)
	b.mu.Unlock()

	slices.SortStableFunc(entries, func(a, c entry) int {
		if d := a.msg.Lane.Priority() - c.msg.Lane.Priority(); d != 0 {
			return d
		}
		switch {
		case a.seq < c.seq:
			return -1
		case a.seq > c.seq:
			return 1
		}
		return 0
	})

	out := make([]protocol.LaneMessage, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

// Requeue puts messages back ahead of anything queued since they were
// drained. Used when a drained batch could not be written.
func (b *Buffer) Requeue(msgs []protocol.LaneMessage) {
	if len(msgs) == 0 {
		return
	}
	b.mu.Lock()
	pending := b.ring.Drain()
	clear(b.counts)
	b.mu.Unlock()

	for _, m := range msgs {
		b.Dispatch(m)
	}
	for _, e := range pending {
		b.Dispatch(e.msg)
	}
}

// SetCapacity resizes the ring. Overflow handlers are notified for every
// message the shrink drops.
func (b *Buffer) SetCapacity(capacity int) {
	if capacity < 1 {
		return
	}
	b.mu.Lock()
	dropped := b.ring.Resize(capacity)
	for _, e := range dropped {
		b.counts[e.msg.Lane]--
	}
	handlers := slices.Clone(b.overflow)
	b.mu.Unlock()

	for _, e := range dropped {
		for _, h := range handlers {
			h(e.msg)
		}
	}
}

// Capacity returns the ring capacity.
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Cap()
}

// QueueSize returns the number of queued messages on lane.
func (b *Buffer) QueueSize(lane protocol.Lane) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[lane]
}

// TotalQueued returns the number of queued messages across all lanes.
func (b *Buffer) TotalQueued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Len()
}
