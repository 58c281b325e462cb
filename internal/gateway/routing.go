// ABOUTME: Routes submitted messages to nodes by conversation binding or capability match
// ABOUTME: Picks the least loaded eligible node and dispatches into its lane buffer

package gateway

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/registry"
)

// Routing errors
var (
	// ErrDuplicateMessage means the message id was submitted recently
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrNoNodeAvailable means no connected node can take the message
	ErrNoNodeAvailable = errors.New("no node available")

	// ErrInvalidSubmission means the submission failed validation
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Submission is a message to route to a node.
type Submission struct {
	MessageID       string          `json:"messageId,omitempty"`
	ConversationKey string          `json:"conversationKey,omitempty"`
	ChannelType     string          `json:"channelType" validate:"required"`
	ChannelID       string          `json:"channelId,omitempty"`
	ThreadID        string          `json:"threadId,omitempty"`
	Sender          string          `json:"sender" validate:"required"`
	AgentType       string          `json:"agentType" validate:"required"`
	Tools           []string        `json:"tools,omitempty" validate:"omitempty,dive,required"`
	// Channel, when set, restricts routing to nodes that serve it.
	Channel string          `json:"channel,omitempty"`
	Lane    protocol.Lane   `json:"lane,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Receipt tells the caller where a submission went.
type Receipt struct {
	MessageID       string `json:"messageId"`
	NodeID          string `json:"nodeId"`
	ConversationKey string `json:"conversationKey"`
}

var submissionValidator = validator.New(validator.WithRequiredStructEnabled())

func (s *Submission) normalize() error {
	if err := submissionValidator.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	if s.Lane == "" {
		s.Lane = protocol.LaneNormal
	}
	if !s.Lane.Valid() {
		return fmt.Errorf("%w: unknown lane %q", ErrInvalidSubmission, s.Lane)
	}
	return nil
}

// conversationKey derives the key for s under scope. Narrower scopes fall
// back to wider ones when their identifiers are missing.
func conversationKey(s Submission, scope string) string {
	if s.ConversationKey != "" {
		return s.ConversationKey
	}
	switch {
	case scope == config.ScopeThread && s.ChannelID != "" && s.ThreadID != "":
		return s.ChannelType + ":" + s.ChannelID + ":" + s.ThreadID
	case (scope == config.ScopeThread || scope == config.ScopeChannel) && s.ChannelID != "":
		return s.ChannelType + ":" + s.ChannelID
	default:
		return s.ChannelType + ":" + s.Sender
	}
}

// Submit routes s to a node and queues it for delivery.
func (g *Gateway) Submit(ctx context.Context, s Submission) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if err := s.normalize(); err != nil {
		g.metrics.RoutingFailures.WithLabelValues("invalid").Inc()
		return Receipt{}, err
	}

	if s.MessageID == "" {
		s.MessageID = uuid.New().String()
	}
	if g.dedupe.CheckAndMark(s.MessageID) {
		g.metrics.RoutingFailures.WithLabelValues("duplicate").Inc()
		return Receipt{}, fmt.Errorf("%w: %s", ErrDuplicateMessage, s.MessageID)
	}

	key := conversationKey(s, g.config.Gateway.DefaultConversationScope)
	req := protocol.TaskRequirements{AgentType: s.AgentType, Tools: s.Tools, Channel: s.Channel}

	c, ok := g.selectNode(key, req)
	if !ok {
		// Let the caller retry the same id later.
		g.dedupe.Forget(s.MessageID)
		g.metrics.RoutingFailures.WithLabelValues("no_node").Inc()
		return Receipt{}, ErrNoNodeAvailable
	}

	g.conversations.Bind(key, c.nodeID, g.now())
	g.metrics.Conversations.Set(float64(g.conversations.Len()))

	msg := protocol.LaneMessage{
		Lane:            s.Lane,
		MessageID:       s.MessageID,
		ConversationKey: key,
		Sender:          s.Sender,
		Payload:         s.Payload,
	}
	g.metrics.MessagesDispatched.WithLabelValues(string(s.Lane)).Inc()
	c.buffer.Dispatch(msg)

	g.logger.Debug("message routed",
		"message_id", s.MessageID,
		"conversation_key", key,
		"node_id", c.nodeID,
		"lane", s.Lane,
	)
	return Receipt{MessageID: s.MessageID, NodeID: c.nodeID, ConversationKey: key}, nil
}

// selectNode returns the bound node for key when it can still take
// traffic, otherwise the least loaded node satisfying req.
func (g *Gateway) selectNode(key string, req protocol.TaskRequirements) (*nodeConn, bool) {
	if b, ok := g.conversations.Get(key); ok {
		if reg, ok := g.registry.Get(b.NodeID); ok {
			if c, ok := g.eligible(reg); ok && g.breakers.Get(c.nodeID).Admits() {
				return c, true
			}
		}
	}

	type candidate struct {
		conn *nodeConn
		load float64
	}
	var candidates []candidate
	for _, reg := range g.registry.FindByRequirements(req) {
		c, ok := g.eligible(reg)
		if !ok || g.breakers.Get(c.nodeID).IsOpen() {
			continue
		}
		candidates = append(candidates, candidate{conn: c, load: g.load(c)})
	}
	slices.SortStableFunc(candidates, func(a, b candidate) int {
		return cmp.Compare(a.load, b.load)
	})

	// Admits is checked in load order so a half-open node spends its
	// single probe only when it is the one chosen.
	for _, cand := range candidates {
		if g.breakers.Get(cand.conn.nodeID).Admits() {
			return cand.conn, true
		}
	}
	return nil, false
}

// eligible returns the node's connection if it is alive, connected and not suspended.
func (g *Gateway) eligible(reg registry.Registration) (*nodeConn, bool) {
	if !reg.IsAlive {
		return nil, false
	}
	c, ok := g.conn(reg.NodeID)
	if !ok || c.session.State() == SessionSuspended {
		return nil, false
	}
	return c, true
}

// load is outstanding work relative to the node's declared concurrency.
func (g *Gateway) load(c *nodeConn) float64 {
	work := g.tracker.Count(c.nodeID) + c.buffer.TotalQueued()
	return float64(work) / float64(max(c.maxConc, 1))
}
