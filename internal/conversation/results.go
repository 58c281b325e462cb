// ABOUTME: In-memory fan-out of task results to subscribers of a conversation key.
// ABOUTME: Slow subscribers drop results rather than blocking the publishing socket reader.

package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// resultBufferSize is the channel buffer for each subscriber.
const resultBufferSize = 64

// Result is a task result reported by a node.
type Result struct {
	MessageID       string          `json:"messageId"`
	ConversationKey string          `json:"conversationKey"`
	NodeID          string          `json:"nodeId"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ReceivedAt      time.Time       `json:"receivedAt"`
}

// Broadcaster provides pub/sub for task results keyed by conversation.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[string]chan Result // conversationKey -> subID -> ch
	closed bool
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]map[string]chan Result),
		logger: logger.With("component", "results"),
	}
}

// Subscribe returns a channel of results for key and the subscription ID.
// The subscription ends, and the channel closes, when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan Result, string) {
	subID := uuid.New().String()
	ch := make(chan Result, resultBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subs[key]; !ok {
		b.subs[key] = make(map[string]chan Result)
	}
	b.subs[key][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish delivers r to every subscriber of its conversation key without blocking.
func (b *Broadcaster) Publish(r Result) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[r.ConversationKey] {
		select {
		case ch <- r:
		default:
			b.logger.Debug("dropped result for slow subscriber",
				"conversation_key", r.ConversationKey,
				"message_id", r.MessageID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[key]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subs, key)
	}
}

// Subscribers returns the number of subscribers for key.
func (b *Broadcaster) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, key)
	}
	b.closed = true
}
