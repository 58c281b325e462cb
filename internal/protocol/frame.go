// ABOUTME: Gateway frame envelope and capability/requirement schemas.
// ABOUTME: A single tagged struct covers every frame kind on the wire.

package protocol

import (
	"encoding/json"
	"slices"
)

// FrameType is the discriminator carried in every frame's "type" field.
type FrameType string

const (
	TypeRegister    FrameType = "node.register"
	TypeRegisterAck FrameType = "node.register.ack"
	TypePing        FrameType = "heartbeat.ping"
	TypePong        FrameType = "heartbeat.pong"
	TypeTask        FrameType = "task"
	TypeTaskAck     FrameType = "task.ack"
	TypeTaskResult  FrameType = "task.result"
	TypeError       FrameType = "error"
	TypeClose       FrameType = "close"
)

// Error codes sent in error frames.
const (
	CodeAlreadyRegistered = "node_already_registered"
	CodeUnauthorized      = "unauthorized"
	CodeBadHandshake      = "bad_handshake"
	CodeRateLimited       = "rate_limited"
)

// NodeCapabilities describes what a worker node can run.
type NodeCapabilities struct {
	AgentTypes     []string `json:"agentTypes" validate:"min=1,dive,required"`
	Tools          []string `json:"tools,omitempty" validate:"omitempty,dive,required"`
	MaxConcurrency int      `json:"maxConcurrency" validate:"gt=0"`
	Channels       []string `json:"channels,omitempty" validate:"omitempty,dive,required"`
}

// Clone returns a deep copy so callers cannot mutate shared slices.
func (c NodeCapabilities) Clone() NodeCapabilities {
	return NodeCapabilities{
		AgentTypes:     slices.Clone(c.AgentTypes),
		Tools:          slices.Clone(c.Tools),
		MaxConcurrency: c.MaxConcurrency,
		Channels:       slices.Clone(c.Channels),
	}
}

// TaskRequirements is a read-only query used to select nodes.
// AgentType must match exactly, every listed tool must be present and
// Channel, when set, must be one of the node's channels.
type TaskRequirements struct {
	AgentType string   `json:"agentType" validate:"required"`
	Tools     []string `json:"tools,omitempty"`
	Channel   string   `json:"channel,omitempty"`
}

// Satisfies reports whether caps meets req.
func (req TaskRequirements) Satisfies(caps NodeCapabilities) bool {
	if !slices.Contains(caps.AgentTypes, req.AgentType) {
		return false
	}
	for _, tool := range req.Tools {
		if !slices.Contains(caps.Tools, tool) {
			return false
		}
	}
	if req.Channel != "" && !slices.Contains(caps.Channels, req.Channel) {
		return false
	}
	return true
}

// Frame is the envelope for every message on the wire. Which fields are
// populated depends on Type; Validate enforces the per-type schema.
type Frame struct {
	Type FrameType `json:"type" validate:"required"`

	NodeID       string            `json:"nodeId,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
	Token        string            `json:"token,omitempty"`
	Capabilities *NodeCapabilities `json:"capabilities,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`

	MessageID       string          `json:"messageId,omitempty"`
	Lane            Lane            `json:"lane,omitempty"`
	ConversationKey string          `json:"conversationKey,omitempty"`
	Sender          string          `json:"sender,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`

	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// LaneMessage extracts the routing fields of a task frame.
func (f Frame) LaneMessage() LaneMessage {
	return LaneMessage{
		Lane:            f.Lane,
		MessageID:       f.MessageID,
		ConversationKey: f.ConversationKey,
		Sender:          f.Sender,
		Payload:         f.Payload,
	}
}

// Register builds a node.register frame.
func Register(nodeID, token string, caps NodeCapabilities) Frame {
	c := caps.Clone()
	return Frame{Type: TypeRegister, NodeID: nodeID, Token: token, Capabilities: &c}
}

// RegisterAck builds a node.register.ack frame.
func RegisterAck(nodeID, sessionID string) Frame {
	return Frame{Type: TypeRegisterAck, NodeID: nodeID, SessionID: sessionID}
}

// Ping builds a heartbeat.ping frame stamped with ts (epoch ms).
func Ping(ts int64) Frame {
	return Frame{Type: TypePing, Timestamp: ts}
}

// Pong builds a heartbeat.pong frame echoing ts.
func Pong(ts int64) Frame {
	return Frame{Type: TypePong, Timestamp: ts}
}

// TaskAck builds a task.ack frame.
func TaskAck(messageID string) Frame {
	return Frame{Type: TypeTaskAck, MessageID: messageID}
}

// TaskResult builds a task.result frame.
func TaskResult(messageID, conversationKey string, payload json.RawMessage) Frame {
	return Frame{Type: TypeTaskResult, MessageID: messageID, ConversationKey: conversationKey, Payload: payload}
}

// Error builds an error frame.
func Error(code, reason string) Frame {
	return Frame{Type: TypeError, Code: code, Reason: reason}
}

// Close builds a close frame.
func Close(reason string) Frame {
	return Frame{Type: TypeClose, Reason: reason}
}
