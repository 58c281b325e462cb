// ABOUTME: Answers gateway heartbeat pings with pongs carrying the same timestamp.
// ABOUTME: Records when the last ping arrived so callers can spot a silent gateway.

package nodeclient

import (
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// HeartbeatResponder turns pings into pongs.
type HeartbeatResponder struct {
	mu         sync.Mutex
	now        func() time.Time
	lastPingAt time.Time
	pings      int
}

// NewHeartbeatResponder creates a responder.
func NewHeartbeatResponder() *HeartbeatResponder {
	return &HeartbeatResponder{now: time.Now}
}

// Respond returns the pong for a heartbeat.ping frame. ok is false for
// any other frame.
func (h *HeartbeatResponder) Respond(f protocol.Frame) (pong protocol.Frame, ok bool) {
	if f.Type != protocol.TypePing {
		return protocol.Frame{}, false
	}
	h.mu.Lock()
	h.lastPingAt = h.now()
	h.pings++
	h.mu.Unlock()
	return protocol.Pong(f.Timestamp), true
}

// LastPingAt returns when the last ping arrived, zero if none has.
func (h *HeartbeatResponder) LastPingAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPingAt
}

// Pings returns how many pings were answered.
func (h *HeartbeatResponder) Pings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pings
}
