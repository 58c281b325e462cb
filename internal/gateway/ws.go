// ABOUTME: WebSocket endpoint for worker nodes: handshake, read loop and disconnect cleanup
// ABOUTME: Inbound frames are rate limited, size checked and validated before handling

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/fleet-gateway/internal/conversation"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/registry"
	"github.com/2389/fleet-gateway/internal/store"
)

// handleWS upgrades a node connection and serves it until it closes.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if n := g.sockets.Add(1); n > int64(g.config.Gateway.MaxConnections) {
		g.sockets.Add(-1)
		g.logger.Warn("rejecting node connection, at capacity", "max_connections", g.config.Gateway.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer g.sockets.Add(-1)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	// The hard read limit leaves headroom so oversized frames reach Decode
	// and are dropped there instead of killing the socket.
	ws.SetReadLimit(int64(g.config.Gateway.MaxFrameBytes) * 2)

	c, ok := g.handshake(r.Context(), ws)
	if !ok {
		_ = ws.Close()
		return
	}
	defer g.disconnect(c)

	g.readLoop(c)
}

// handshake waits for node.register, authenticates and registers the node.
// On failure the peer has already been told why.
func (g *Gateway) handshake(ctx context.Context, ws *websocket.Conn) (*nodeConn, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(registerTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		g.logger.Debug("no registration received", "error", err)
		return nil, false
	}
	_ = ws.SetReadDeadline(time.Time{})

	frame, err := protocol.Decode(raw, g.config.Gateway.MaxFrameBytes)
	if err != nil || frame.Type != protocol.TypeRegister {
		g.metrics.FramesDropped.WithLabelValues("bad_handshake").Inc()
		_ = writeHandshakeFrame(ws, protocol.Error(protocol.CodeBadHandshake, "first frame must be node.register"))
		return nil, false
	}
	g.metrics.FramesReceived.WithLabelValues(string(frame.Type)).Inc()

	if err := g.verifier.VerifyNode(ctx, frame.NodeID, frame.Token); err != nil {
		g.logger.Warn("node authentication failed", "node_id", frame.NodeID, "error", err)
		g.recordEvent(frame.NodeID, store.NodeRejected, map[string]any{"reason": "unauthorized"})
		_ = writeHandshakeFrame(ws, protocol.Error(protocol.CodeUnauthorized, "invalid node token"))
		return nil, false
	}

	caps := *frame.Capabilities
	if err := g.registry.Register(frame.NodeID, caps); err != nil {
		reason := err.Error()
		if errors.Is(err, registry.ErrNodeAlreadyRegistered) {
			_ = writeHandshakeFrame(ws, protocol.Error(protocol.CodeAlreadyRegistered, "node "+frame.NodeID+" is already registered"))
			_ = writeHandshakeFrame(ws, protocol.Close("duplicate registration"))
			reason = protocol.CodeAlreadyRegistered
		} else {
			_ = writeHandshakeFrame(ws, protocol.Error(protocol.CodeBadHandshake, reason))
		}
		g.recordEvent(frame.NodeID, store.NodeRejected, map[string]any{"reason": reason})
		return nil, false
	}

	hot := g.hotSettings()
	sessionID := uuid.New().String()
	c := newNodeConn(frame.NodeID, ws, newSession(sessionID, frame.NodeID, g.now()),
		hot.LaneCapacity, g.config.Gateway.MaxFramesPerSecond, caps.MaxConcurrency)
	c.buffer.OnInterrupt(func(msg protocol.LaneMessage) { g.deliver(c, msg) })
	c.buffer.OnOverflow(func(msg protocol.LaneMessage) {
		g.metrics.BufferOverflows.WithLabelValues(string(msg.Lane)).Inc()
		g.logger.Warn("node buffer full, dropped oldest message",
			"node_id", c.nodeID, "message_id", msg.MessageID, "lane", msg.Lane)
	})

	if err := c.writeFrame(protocol.RegisterAck(frame.NodeID, sessionID)); err != nil {
		g.logger.Warn("failed to acknowledge registration", "node_id", frame.NodeID, "error", err)
		_ = g.registry.Deregister(frame.NodeID)
		return nil, false
	}

	g.mu.Lock()
	g.nodes[frame.NodeID] = c
	g.mu.Unlock()

	g.metrics.ConnectedNodes.Inc()
	g.recordEvent(frame.NodeID, store.NodeRegistered, map[string]any{
		"session_id":      sessionID,
		"agent_types":     caps.AgentTypes,
		"max_concurrency": caps.MaxConcurrency,
	})

	if pending := g.tracker.Pending(frame.NodeID); len(pending) > 0 {
		g.logger.Info("redelivering pending messages", "node_id", frame.NodeID, "count", len(pending))
		for _, p := range pending {
			c.buffer.Dispatch(p.Message)
		}
	}

	return c, true
}

// readLoop handles inbound frames until the socket fails or the node says goodbye.
func (g *Gateway) readLoop(c *nodeConn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("node read failed", "node_id", c.nodeID, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			g.metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
			continue
		}

		frame, err := protocol.Decode(raw, g.config.Gateway.MaxFrameBytes)
		if err != nil {
			reason := "malformed"
			if protocol.IsFrameTooLarge(err) {
				reason = "too_large"
				g.logger.Warn("dropping oversized frame", "node_id", c.nodeID, "error", err)
			}
			g.metrics.FramesDropped.WithLabelValues(reason).Inc()
			continue
		}
		g.metrics.FramesReceived.WithLabelValues(string(frame.Type)).Inc()
		// Pongs count as activity too; only a silent socket goes idle.
		g.touch(c)

		if done := g.handleFrame(c, frame); done {
			return
		}
	}
}

// handleFrame dispatches one validated frame. It reports whether the node
// closed the session.
func (g *Gateway) handleFrame(c *nodeConn, frame protocol.Frame) bool {
	switch frame.Type {
	case protocol.TypePong:
		c.pong(frame.Timestamp)
	case protocol.TypePing:
		if err := c.writeFrame(protocol.Pong(frame.Timestamp)); err != nil {
			g.logger.Debug("failed to answer ping", "node_id", c.nodeID, "error", err)
		}
	case protocol.TypeTaskAck:
		g.acknowledge(c.nodeID, frame.MessageID)
	case protocol.TypeTaskResult:
		g.acknowledge(c.nodeID, frame.MessageID)
		g.publishResult(conversation.Result{
			MessageID:       frame.MessageID,
			ConversationKey: frame.ConversationKey,
			NodeID:          c.nodeID,
			Payload:         frame.Payload,
			ReceivedAt:      g.now(),
		})
	case protocol.TypeClose:
		g.logger.Info("node closed session", "node_id", c.nodeID, "reason", frame.Reason)
		return true
	default:
		g.metrics.FramesDropped.WithLabelValues("unexpected").Inc()
		g.logger.Debug("ignoring unexpected frame", "node_id", c.nodeID, "type", frame.Type)
	}
	return false
}

// touch marks inbound activity, reviving an idle or suspended session.
func (g *Gateway) touch(c *nodeConn) {
	if prev := c.session.Touch(g.now()); prev != SessionConnected {
		g.logger.Info("node session active again", "node_id", c.nodeID, "from", prev)
	}
}

// acknowledge clears a delivery and counts a success for the node's breaker.
func (g *Gateway) acknowledge(nodeID, messageID string) {
	if g.tracker.Ack(nodeID, messageID) {
		g.breakers.Get(nodeID).RecordSuccess()
		g.metrics.PendingDeliveries.Set(float64(g.tracker.Len()))
	}
}

func (g *Gateway) publishResult(r conversation.Result) {
	if r.ConversationKey != "" {
		g.conversations.Touch(r.ConversationKey, r.ReceivedAt)
	}
	g.results.Publish(r)

	g.mu.RLock()
	handlers := append([]func(conversation.Result){}, g.resultHandlers...)
	g.mu.RUnlock()
	for _, fn := range handlers {
		fn(r)
	}
}

// disconnect removes a node and everything scoped to its connection.
// Outstanding deliveries stay tracked so a reconnect can resume them.
func (g *Gateway) disconnect(c *nodeConn) {
	g.mu.Lock()
	if cur, ok := g.nodes[c.nodeID]; ok && cur == c {
		delete(g.nodes, c.nodeID)
	}
	g.mu.Unlock()

	c.close("disconnected")

	if err := g.registry.Deregister(c.nodeID); err != nil {
		g.logger.Warn("deregistering node", "node_id", c.nodeID, "error", err)
	}
	released := g.conversations.RemoveNode(c.nodeID)
	g.breakers.Remove(c.nodeID)

	// Queued messages were never written; hold them in the tracker so
	// they go out again when the node returns, without spending an attempt.
	now := g.now()
	queued := c.buffer.Drain()
	for _, msg := range queued {
		g.tracker.Hold(c.nodeID, msg, now)
	}

	g.metrics.ConnectedNodes.Dec()
	g.metrics.Conversations.Set(float64(g.conversations.Len()))
	g.metrics.PendingDeliveries.Set(float64(g.tracker.Len()))

	g.logger.Info("node disconnected",
		"node_id", c.nodeID,
		"released_conversations", len(released),
		"pending", g.tracker.Count(c.nodeID),
	)
	g.recordEvent(c.nodeID, store.NodeDeregistered, map[string]any{
		"released_conversations": len(released),
		"pending":                g.tracker.Count(c.nodeID),
	})
}

// recordEvent appends a node lifecycle event. Failures are logged only.
func (g *Gateway) recordEvent(nodeID string, typ store.NodeEventType, detail map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := &store.NodeEvent{NodeID: nodeID, Type: typ, Timestamp: g.now(), Detail: detail}
	if err := g.store.AppendNodeEvent(ctx, ev); err != nil {
		g.logger.Warn("failed to record node event", "node_id", nodeID, "event", typ, "error", err)
	}
}
