// ABOUTME: Tests for the node registry.
// ABOUTME: Validates duplicate rejection, liveness flags and capability matching.

package registry

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func caps(agentTypes []string, tools ...string) protocol.NodeCapabilities {
	return protocol.NodeCapabilities{AgentTypes: agentTypes, Tools: tools, MaxConcurrency: 1}
}

func nodeIDs(regs []Registration) []string {
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.NodeID
	}
	return out
}

func TestRegister(t *testing.T) {
	reg := New(testLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return fixed }

	require.NoError(t, reg.Register("A", caps([]string{"high"}, "x")))

	got, ok := reg.Get("A")
	require.True(t, ok)
	assert.True(t, got.IsAlive)
	assert.Equal(t, fixed, got.RegisteredAt)
	assert.Equal(t, []string{"x"}, got.Capabilities.Tools)
}

func TestRegister_Duplicate(t *testing.T) {
	reg := New(testLogger())
	require.NoError(t, reg.Register("A", caps([]string{"high"})))

	err := reg.Register("A", caps([]string{"low"}))
	assert.ErrorIs(t, err, ErrNodeAlreadyRegistered)

	got, _ := reg.Get("A")
	assert.Equal(t, []string{"high"}, got.Capabilities.AgentTypes, "existing registration must be untouched")
}

func TestDeregister(t *testing.T) {
	reg := New(testLogger())
	require.NoError(t, reg.Register("A", caps([]string{"high"})))

	require.NoError(t, reg.Deregister("A"))
	assert.ErrorIs(t, reg.Deregister("A"), ErrNodeNotFound)
	assert.Equal(t, 0, reg.Len())
}

func TestMarkAliveDead(t *testing.T) {
	reg := New(testLogger())
	require.NoError(t, reg.Register("A", caps([]string{"high"})))
	require.NoError(t, reg.Register("B", caps([]string{"high"})))

	reg.MarkDead("A")
	assert.Equal(t, []string{"B"}, nodeIDs(reg.GetAliveNodes()))

	reg.MarkAlive("A")
	assert.Equal(t, []string{"A", "B"}, nodeIDs(reg.GetAliveNodes()))

	assert.NotPanics(t, func() {
		reg.MarkAlive("ghost")
		reg.MarkDead("ghost")
	})
	assert.Equal(t, 2, reg.Len())
}

func TestFindByRequirements(t *testing.T) {
	reg := New(testLogger())
	require.NoError(t, reg.Register("A", caps([]string{"high"}, "x", "y")))
	require.NoError(t, reg.Register("B", caps([]string{"high"}, "x")))
	require.NoError(t, reg.Register("C", caps([]string{"low"}, "x", "y")))
	slack := caps([]string{"high"}, "x")
	slack.Channels = []string{"slack"}
	require.NoError(t, reg.Register("D", slack))

	assert.Equal(t, []string{"A", "B", "D"}, nodeIDs(reg.FindByRequirements(protocol.TaskRequirements{AgentType: "high"})))
	assert.Equal(t, []string{"A"}, nodeIDs(reg.FindByRequirements(protocol.TaskRequirements{AgentType: "high", Tools: []string{"x", "y"}})))
	assert.Equal(t, []string{"D"}, nodeIDs(reg.FindByRequirements(protocol.TaskRequirements{AgentType: "high", Channel: "slack"})))
	assert.Empty(t, reg.FindByRequirements(protocol.TaskRequirements{AgentType: "mid"}))

	reg.MarkDead("A")
	assert.Equal(t, []string{"B", "D"}, nodeIDs(reg.FindByRequirements(protocol.TaskRequirements{AgentType: "high", Tools: []string{"x"}})))
}

func TestReturnedRegistrationsAreCopies(t *testing.T) {
	reg := New(testLogger())
	require.NoError(t, reg.Register("A", caps([]string{"high"}, "x")))

	got, _ := reg.Get("A")
	got.Capabilities.Tools[0] = "mutated"
	got.IsAlive = false

	again, _ := reg.Get("A")
	assert.Equal(t, "x", again.Capabilities.Tools[0])
	assert.True(t, again.IsAlive)
}

func TestConcurrentAccess(t *testing.T) {
	reg := New(testLogger())
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			_ = reg.Register(id, caps([]string{"high"}))
			reg.MarkDead(id)
			reg.MarkAlive(id)
			_ = reg.FindByRequirements(protocol.TaskRequirements{AgentType: "high"})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 26, reg.Len())
}
