// ABOUTME: Reconnect pacing for node clients: exponential backoff plus a restart budget.
// ABOUTME: Backoff starts at one second, doubles, and is capped at thirty seconds.

package nodeclient

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrRestartBudgetExhausted is returned when a client reconnects more
// often than its restart budget allows.
var ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

const (
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultMaxRestarts      = 5
	DefaultRestartWindow    = time.Minute
)

// ReconnectStrategy yields the delay before each reconnect attempt.
type ReconnectStrategy struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

// NewReconnectStrategy creates a strategy doubling from initial up to max
// without jitter. Zero values use the defaults.
func NewReconnectStrategy(initial, max time.Duration) *ReconnectStrategy {
	if initial <= 0 {
		initial = DefaultReconnectInitial
	}
	if max <= 0 {
		max = DefaultReconnectMax
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.MaxInterval = max
	b.RandomizationFactor = 0
	b.Reset()
	return &ReconnectStrategy{b: b}
}

// Next returns the next delay and advances the sequence.
func (r *ReconnectStrategy) Next() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.b.NextBackOff()
}

// Reset starts the sequence over, after a successful connection.
func (r *ReconnectStrategy) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.b.Reset()
}

// RestartTracker allows at most max restarts in any sliding window.
type RestartTracker struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	now      func() time.Time
	restarts []time.Time
}

// NewRestartTracker creates a tracker. Zero values use the defaults.
func NewRestartTracker(max int, window time.Duration) *RestartTracker {
	if max <= 0 {
		max = DefaultMaxRestarts
	}
	if window <= 0 {
		window = DefaultRestartWindow
	}
	return &RestartTracker{max: max, window: window, now: time.Now}
}

// Allow records a restart and reports whether it fits the budget. A
// refused restart is not recorded.
func (t *RestartTracker) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.window)
	kept := t.restarts[:0]
	for _, at := range t.restarts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.restarts = kept

	if len(t.restarts) >= t.max {
		return false
	}
	t.restarts = append(t.restarts, now)
	return true
}

// Count returns the restarts inside the current window.
func (t *RestartTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.window)
	n := 0
	for _, at := range t.restarts {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}
