// ABOUTME: Tests for reconnect backoff and the sliding-window restart budget
// ABOUTME: Also covers the heartbeat responder

package nodeclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/fleet-gateway/internal/protocol"
)

func TestReconnectStrategy_Sequence(t *testing.T) {
	r := NewReconnectStrategy(0, 0)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, r.Next(), "attempt %d", i+1)
	}

	r.Reset()
	assert.Equal(t, time.Second, r.Next())
}

func TestRestartTracker_Window(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	tr := NewRestartTracker(2, time.Minute)
	tr.now = func() time.Time { return now }

	assert.True(t, tr.Allow())
	now = now.Add(10 * time.Second)
	assert.True(t, tr.Allow())
	assert.False(t, tr.Allow())
	assert.Equal(t, 2, tr.Count())

	// The first restart leaves the window.
	now = now.Add(55 * time.Second)
	assert.Equal(t, 1, tr.Count())
	assert.True(t, tr.Allow())
	assert.False(t, tr.Allow())
}

func TestRestartTracker_Defaults(t *testing.T) {
	tr := NewRestartTracker(0, 0)
	for range DefaultMaxRestarts {
		assert.True(t, tr.Allow())
	}
	assert.False(t, tr.Allow())
}

func TestHeartbeatResponder(t *testing.T) {
	h := NewHeartbeatResponder()
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return at }

	pong, ok := h.Respond(protocol.Ping(1234))
	assert.True(t, ok)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, int64(1234), pong.Timestamp)
	assert.Equal(t, at, h.LastPingAt())

	_, ok = h.Respond(protocol.TaskAck("m1"))
	assert.False(t, ok)
	assert.Equal(t, 1, h.Pings())
}
