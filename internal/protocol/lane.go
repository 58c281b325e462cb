// ABOUTME: Lane enum and fixed lane priorities for message ordering.
// ABOUTME: Lower priority values are drained and delivered first.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Lane classifies an application message by urgency.
type Lane string

const (
	LaneInterrupt Lane = "interrupt"
	LaneControl   Lane = "control"
	LaneNormal    Lane = "normal"
	LaneBulk      Lane = "bulk"
)

var lanePriorities = map[Lane]int{
	LaneInterrupt: 0,
	LaneControl:   1,
	LaneNormal:    2,
	LaneBulk:      3,
}

// Lanes returns every lane in priority order.
func Lanes() []Lane {
	return []Lane{LaneInterrupt, LaneControl, LaneNormal, LaneBulk}
}

// Priority returns the lane's fixed priority. Unknown lanes sort last.
func (l Lane) Priority() int {
	if p, ok := lanePriorities[l]; ok {
		return p
	}
	return len(lanePriorities)
}

// Valid reports whether l is one of the four known lanes.
func (l Lane) Valid() bool {
	_, ok := lanePriorities[l]
	return ok
}

func (l Lane) String() string {
	return string(l)
}

// ParseLane converts a lane name into a Lane.
func ParseLane(s string) (Lane, error) {
	l := Lane(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown lane %q", s)
	}
	return l, nil
}

// LaneMessage is an application message addressed to a node on a lane.
type LaneMessage struct {
	Lane            Lane            `json:"lane"`
	MessageID       string          `json:"messageId"`
	ConversationKey string          `json:"conversationKey"`
	Sender          string          `json:"sender,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// TaskFrame wraps the message in a task frame for delivery to a node.
func (m LaneMessage) TaskFrame() Frame {
	return Frame{
		Type:            TypeTask,
		MessageID:       m.MessageID,
		Lane:            m.Lane,
		ConversationKey: m.ConversationKey,
		Sender:          m.Sender,
		Payload:         m.Payload,
	}
}
