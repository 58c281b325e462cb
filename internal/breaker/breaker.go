// ABOUTME: Per-node circuit breaker whose state is derived from failure count and time.
// ABOUTME: Half-open admits exactly one probe per episode; a Set keys breakers by node.

// Package breaker tracks node health for routing decisions. State is never
// stored; it is computed from the failure count, the last failure time, the
// threshold and the cooldown against an injectable clock.
package breaker

import (
	"sync"
	"time"
)

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

// State is the derived breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options configures a breaker. Zero values fall back to defaults.
type Options struct {
	Threshold int
	Cooldown  time.Duration
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Breaker guards a single node.
type Breaker struct {
	mu            sync.Mutex
	opts          Options
	failures      int
	lastFailureAt time.Time
	probeIssued   bool
}

// New creates a closed breaker.
func New(opts Options) *Breaker {
	return &Breaker{opts: opts.withDefaults()}
}

func (b *Breaker) stateLocked() State {
	if b.failures < b.opts.Threshold {
		return Closed
	}
	if b.opts.Now().Sub(b.lastFailureAt) < b.opts.Cooldown {
		return Open
	}
	return HalfOpen
}

// State returns the current derived state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// IsOpen reports whether the breaker is rejecting traffic outright.
func (b *Breaker) IsOpen() bool {
	return b.State() == Open
}

// AllowsProbe returns true at most once per half-open episode. The next
// RecordFailure or RecordSuccess starts a new episode.
func (b *Breaker) AllowsProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() != HalfOpen || b.probeIssued {
		return false
	}
	b.probeIssued = true
	return true
}

// Admits reports whether traffic may be sent: always when closed, once per
// episode when half-open, never when open.
func (b *Breaker) Admits() bool {
	switch b.State() {
	case Closed:
		return true
	case HalfOpen:
		return b.AllowsProbe()
	default:
		return false
	}
}

// RecordFailure counts a failure and restamps the last failure time.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailureAt = b.opts.Now()
	b.probeIssued = false
}

// RecordSuccess resets the breaker to closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailureAt = time.Time{}
	b.probeIssued = false
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Set holds one breaker per node, created on first use.
type Set struct {
	mu       sync.Mutex
	opts     Options
	breakers map[string]*Breaker
	last     map[string]State
}

// NewSet creates an empty set whose breakers share opts.
func NewSet(opts Options) *Set {
	return &Set{
		opts:     opts.withDefaults(),
		breakers: make(map[string]*Breaker),
		last:     make(map[string]State),
	}
}

// Get returns the node's breaker, creating it if needed.
func (s *Set) Get(nodeID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[nodeID]
	if !ok {
		b = New(s.opts)
		s.breakers[nodeID] = b
		s.last[nodeID] = Closed
	}
	return b
}

// Remove forgets the node's breaker.
func (s *Set) Remove(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, nodeID)
	delete(s.last, nodeID)
}

// Transition is a state change observed by Evaluate.
type Transition struct {
	NodeID string
	From   State
	To     State
}

// Evaluate recomputes every breaker's state and returns those that changed
// since the previous call.
func (s *Set) Evaluate() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transition
	for id, b := range s.breakers {
		cur := b.State()
		if prev := s.last[id]; prev != cur {
			out = append(out, Transition{NodeID: id, From: prev, To: cur})
			s.last[id] = cur
		}
	}
	return out
}

// Snapshot returns the current state of every breaker.
func (s *Set) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.State()
	}
	return out
}
