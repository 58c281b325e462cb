// ABOUTME: Tests for frame decoding, encoding and per-type schema validation.
// ABOUTME: Covers the size limit, malformed input and lane ordering.

package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanePriorities(t *testing.T) {
	assert.Equal(t, 0, LaneInterrupt.Priority())
	assert.Equal(t, 1, LaneControl.Priority())
	assert.Equal(t, 2, LaneNormal.Priority())
	assert.Equal(t, 3, LaneBulk.Priority())
	assert.Greater(t, Lane("unknown").Priority(), LaneBulk.Priority())

	lanes := Lanes()
	for i := 1; i < len(lanes); i++ {
		assert.Less(t, lanes[i-1].Priority(), lanes[i].Priority())
	}
}

func TestParseLane(t *testing.T) {
	l, err := ParseLane("control")
	require.NoError(t, err)
	assert.Equal(t, LaneControl, l)

	_, err = ParseLane("urgent")
	assert.Error(t, err)
}

func TestDecode_Register(t *testing.T) {
	raw := []byte(`{"type":"node.register","nodeId":"A","token":"t","capabilities":{"agentTypes":["high"],"tools":["x"],"maxConcurrency":2}}`)

	f, err := Decode(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, TypeRegister, f.Type)
	assert.Equal(t, "A", f.NodeID)
	require.NotNil(t, f.Capabilities)
	assert.Equal(t, []string{"high"}, f.Capabilities.AgentTypes)
	assert.Equal(t, 2, f.Capabilities.MaxConcurrency)
}

func TestDecode_TooLarge(t *testing.T) {
	raw := []byte(`{"type":"close","reason":"` + strings.Repeat("x", 200) + `"}`)

	_, err := Decode(raw, 64)
	require.Error(t, err)
	assert.True(t, IsFrameTooLarge(err))
	assert.False(t, errors.Is(err, ErrMalformedFrame))

	var tooLarge *FrameTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 64, tooLarge.Limit)
	assert.Equal(t, len(raw), tooLarge.Size)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{nope`},
		{"unknown type", `{"type":"node.explode"}`},
		{"missing type", `{"nodeId":"A"}`},
		{"register without capabilities", `{"type":"node.register","nodeId":"A"}`},
		{"register without agent types", `{"type":"node.register","nodeId":"A","capabilities":{"agentTypes":[],"maxConcurrency":1}}`},
		{"register with zero concurrency", `{"type":"node.register","nodeId":"A","capabilities":{"agentTypes":["a"],"maxConcurrency":0}}`},
		{"ping without timestamp", `{"type":"heartbeat.ping"}`},
		{"task with bad lane", `{"type":"task","messageId":"m","lane":"urgent","conversationKey":"c"}`},
		{"task without key", `{"type":"task","messageId":"m","lane":"normal"}`},
		{"ack without id", `{"type":"task.ack"}`},
		{"error without code", `{"type":"error","reason":"boom"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw), 0)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestEncodeDecode_Task(t *testing.T) {
	msg := LaneMessage{
		Lane:            LaneControl,
		MessageID:       "m-1",
		ConversationKey: "slack:alice",
		Sender:          "alice",
		Payload:         json.RawMessage(`{"text":"hi"}`),
	}

	data, err := Encode(msg.TaskFrame())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "\n")

	f, err := Decode(data, 0)
	require.NoError(t, err)
	assert.Equal(t, msg, f.LaneMessage())
}

func TestTaskRequirements_Satisfies(t *testing.T) {
	caps := NodeCapabilities{
		AgentTypes:     []string{"high", "low"},
		Tools:          []string{"x", "y"},
		MaxConcurrency: 1,
		Channels:       []string{"slack"},
	}

	assert.True(t, TaskRequirements{AgentType: "high"}.Satisfies(caps))
	assert.True(t, TaskRequirements{AgentType: "low", Tools: []string{"x", "y"}}.Satisfies(caps))
	assert.True(t, TaskRequirements{AgentType: "high", Channel: "slack"}.Satisfies(caps))
	assert.False(t, TaskRequirements{AgentType: "mid"}.Satisfies(caps))
	assert.False(t, TaskRequirements{AgentType: "high", Tools: []string{"x", "z"}}.Satisfies(caps))
	assert.False(t, TaskRequirements{AgentType: "high", Channel: "email"}.Satisfies(caps))
}

func TestNodeCapabilities_CloneIsDeep(t *testing.T) {
	caps := NodeCapabilities{AgentTypes: []string{"a"}, Tools: []string{"x"}, MaxConcurrency: 1}
	clone := caps.Clone()
	clone.AgentTypes[0] = "b"
	clone.Tools[0] = "z"

	assert.Equal(t, "a", caps.AgentTypes[0])
	assert.Equal(t, "x", caps.Tools[0])
}

func TestValidateCapabilities(t *testing.T) {
	assert.NoError(t, ValidateCapabilities(NodeCapabilities{AgentTypes: []string{"a"}, MaxConcurrency: 1}))
	assert.Error(t, ValidateCapabilities(NodeCapabilities{MaxConcurrency: 1}))
	assert.Error(t, ValidateCapabilities(NodeCapabilities{AgentTypes: []string{""}, MaxConcurrency: 1}))
}
