// ABOUTME: Per-node session state machine driven by inbound activity.
// ABOUTME: CONNECTED goes IDLE after the session timeout and SUSPENDED after the suspend timeout.

package gateway

import (
	"sync"
	"time"
)

// SessionState is the activity state of a connected node.
type SessionState int

const (
	SessionConnected SessionState = iota
	SessionIdle
	SessionSuspended
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "connected"
	case SessionIdle:
		return "idle"
	case SessionSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON responses.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionInfo is a point-in-time copy of a session.
type SessionInfo struct {
	ID             string       `json:"sessionId"`
	NodeID         string       `json:"nodeId"`
	State          SessionState `json:"state"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	StateSince     time.Time    `json:"stateSince"`
}

// Session tracks one node connection's activity.
type Session struct {
	mu           sync.Mutex
	id           string
	nodeID       string
	state        SessionState
	lastActivity time.Time
	stateSince   time.Time
}

func newSession(id, nodeID string, now time.Time) *Session {
	return &Session{
		id:           id,
		nodeID:       nodeID,
		state:        SessionConnected,
		lastActivity: now,
		stateSince:   now,
	}
}

// Touch records inbound traffic and returns the state the session was in.
// Any traffic brings the session back to connected.
func (s *Session) Touch(now time.Time) SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.lastActivity = now
	if prev != SessionConnected {
		s.state = SessionConnected
		s.stateSince = now
	}
	return prev
}

// Evaluate advances the state from the time since the last activity.
// A session goes idle once sessionTimeout has passed and suspended once a
// further suspendTimeout has passed. It returns the previous state and
// whether anything changed.
func (s *Session) Evaluate(now time.Time, sessionTimeout, suspendTimeout time.Duration) (SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inactive := now.Sub(s.lastActivity)
	next := SessionConnected
	switch {
	case inactive >= sessionTimeout+suspendTimeout:
		next = SessionSuspended
	case inactive >= sessionTimeout:
		next = SessionIdle
	}

	prev := s.state
	if next == prev {
		return prev, false
	}
	s.state = next
	s.stateSince = now
	return prev, true
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a copy of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:             s.id,
		NodeID:         s.nodeID,
		State:          s.state,
		LastActivityAt: s.lastActivity,
		StateSince:     s.stateSince,
	}
}
