// ABOUTME: Conversation-to-node binding store with TTL sweep and LRU capacity eviction.
// ABOUTME: Maintains a reverse node index and fires capacity warnings with hysteresis.

package conversation

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	DefaultMaxConversations = 100000
	DefaultTTL              = 24 * time.Hour

	warnRatio  = 0.8
	rearmRatio = 0.7
)

// Binding pins a conversation to a node.
type Binding struct {
	ConversationKey string    `json:"conversationKey"`
	NodeID          string    `json:"nodeId"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActiveAt    time.Time `json:"lastActiveAt"`
}

// CapacityWarning describes the occupancy that triggered a warning.
type CapacityWarning struct {
	Size int
	Max  int
}

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	MaxConversations int
	TTL              time.Duration
}

// Store holds conversation bindings.
type Store struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
	byNode   map[string]map[string]struct{}
	max      int
	ttl      time.Duration
	warned   bool
	onWarn   []func(CapacityWarning)
	logger   *slog.Logger
}

// NewStore creates an empty store.
func NewStore(opts Options, logger *slog.Logger) *Store {
	if opts.MaxConversations <= 0 {
		opts.MaxConversations = DefaultMaxConversations
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Store{
		bindings: make(map[string]*Binding),
		byNode:   make(map[string]map[string]struct{}),
		max:      opts.MaxConversations,
		ttl:      opts.TTL,
		logger:   logger.With("component", "conversations"),
	}
}

// OnCapacityWarning registers a handler fired when occupancy crosses 80%.
func (s *Store) OnCapacityWarning(fn func(CapacityWarning)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWarn = append(s.onWarn, fn)
}

// SetTTL changes the idle timeout applied by future sweeps.
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

// Bind pins key to nodeID. An existing binding keeps its createdAt and is
// moved to the new node if it differs. Inserting a new key at capacity
// evicts the least recently active binding first.
func (s *Store) Bind(key, nodeID string, now time.Time) {
	s.mu.Lock()

	if b, ok := s.bindings[key]; ok {
		if b.NodeID != nodeID {
			s.unindexLocked(b.NodeID, key)
			s.indexLocked(nodeID, key)
			b.NodeID = nodeID
		}
		b.LastActiveAt = now
		s.mu.Unlock()
		return
	}

	if len(s.bindings) >= s.max {
		s.evictOldestLocked()
	}

	s.bindings[key] = &Binding{
		ConversationKey: key,
		NodeID:          nodeID,
		CreatedAt:       now,
		LastActiveAt:    now,
	}
	s.indexLocked(nodeID, key)

	var fire []func(CapacityWarning)
	warning := CapacityWarning{Size: len(s.bindings), Max: s.max}
	if !s.warned && float64(warning.Size) >= warnRatio*float64(s.max) {
		s.warned = true
		fire = slices.Clone(s.onWarn)
	}
	s.mu.Unlock()

	if fire != nil {
		s.logger.Warn("conversation store nearing capacity", "size", warning.Size, "max", warning.Max)
		for _, fn := range fire {
			fn(warning)
		}
	}
}

// Touch refreshes a binding's activity time. It reports whether the key exists.
func (s *Store) Touch(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[key]
	if ok {
		b.LastActiveAt = now
	}
	return ok
}

// Get returns a copy of the binding for key.
func (s *Store) Get(key string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[key]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Unbind removes a single binding. It reports whether the key existed.
func (s *Store) Unbind(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[key]
	if !ok {
		return false
	}
	s.unindexLocked(b.NodeID, key)
	delete(s.bindings, key)
	s.rearmLocked()
	return true
}

// RemoveNode drops every binding owned by nodeID and returns the released keys.
func (s *Store) RemoveNode(nodeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.byNode[nodeID]
	released := make([]string, 0, len(keys))
	for key := range keys {
		delete(s.bindings, key)
		released = append(released, key)
	}
	delete(s.byNode, nodeID)
	s.rearmLocked()
	slices.Sort(released)
	return released
}

// Sweep removes bindings idle for longer than the TTL and returns their keys.
func (s *Store) Sweep(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for key, b := range s.bindings {
		if now.Sub(b.LastActiveAt) > s.ttl {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		s.unindexLocked(s.bindings[key].NodeID, key)
	}
	for _, key := range expired {
		delete(s.bindings, key)
	}

	if len(expired) > 0 {
		s.rearmLocked()
		s.logger.Debug("swept idle conversations", "count", len(expired), "remaining", len(s.bindings))
	}
	slices.Sort(expired)
	return expired
}

// KeysForNode returns the conversation keys bound to nodeID, sorted.
func (s *Store) KeysForNode(nodeID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.byNode[nodeID]))
	for key := range s.byNode[nodeID] {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of bindings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings)
}

// evictOldestLocked removes the least recently active binding. Linear in
// the number of bindings; only reached when the store is full.
func (s *Store) evictOldestLocked() {
	var oldest *Binding
	for _, b := range s.bindings {
		if oldest == nil || b.LastActiveAt.Before(oldest.LastActiveAt) {
			oldest = b
		}
	}
	if oldest == nil {
		return
	}
	s.unindexLocked(oldest.NodeID, oldest.ConversationKey)
	delete(s.bindings, oldest.ConversationKey)
	s.logger.Debug("evicted conversation at capacity",
		"conversation_key", oldest.ConversationKey,
		"node_id", oldest.NodeID,
	)
}

func (s *Store) indexLocked(nodeID, key string) {
	keys, ok := s.byNode[nodeID]
	if !ok {
		keys = make(map[string]struct{})
		s.byNode[nodeID] = keys
	}
	keys[key] = struct{}{}
}

func (s *Store) unindexLocked(nodeID, key string) {
	keys, ok := s.byNode[nodeID]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(s.byNode, nodeID)
	}
}

func (s *Store) rearmLocked() {
	if s.warned && float64(len(s.bindings)) < rearmRatio*float64(s.max) {
		s.warned = false
	}
}
