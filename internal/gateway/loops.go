// ABOUTME: Background loops for buffer draining, node health and delivery snapshots
// ABOUTME: Health ticks also advance sessions, expire conversations and redeliver stale messages

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/2389/fleet-gateway/internal/breaker"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/store"
)

// deliver writes one message to the node and tracks it. A failed write
// counts against the node's breaker; the message stays tracked so stale
// redelivery or a reconnect picks it up.
func (g *Gateway) deliver(c *nodeConn, msg protocol.LaneMessage) error {
	err := c.writeFrame(msg.TaskFrame())
	g.tracker.Track(c.nodeID, msg, g.now())
	g.metrics.PendingDeliveries.Set(float64(g.tracker.Len()))
	if err != nil {
		g.breakers.Get(c.nodeID).RecordFailure()
		g.logger.Warn("failed to deliver message", "node_id", c.nodeID, "message_id", msg.MessageID, "error", err)
		return err
	}
	g.metrics.MessagesDelivered.WithLabelValues(string(msg.Lane)).Inc()
	return nil
}

func (g *Gateway) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(g.config.Gateway.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.drainAll()
		}
	}
}

// drainAll flushes every node buffer in order.
func (g *Gateway) drainAll() {
	for _, c := range g.conns() {
		g.drainNode(c)
	}
}

// drainNode writes the node's queued messages in drain order. The first
// write failure stops the batch and puts the unsent tail back.
func (g *Gateway) drainNode(c *nodeConn) {
	msgs := c.buffer.Drain()
	for i, msg := range msgs {
		err := c.writeFrame(msg.TaskFrame())
		if err != nil {
			g.breakers.Get(c.nodeID).RecordFailure()
			g.logger.Warn("drain write failed, requeueing",
				"node_id", c.nodeID, "remaining", len(msgs)-i, "error", err)
			c.buffer.Requeue(msgs[i:])
			return
		}
		g.tracker.Track(c.nodeID, msg, g.now())
		g.metrics.MessagesDelivered.WithLabelValues(string(msg.Lane)).Inc()
	}
	if len(msgs) > 0 {
		g.metrics.PendingDeliveries.Set(float64(g.tracker.Len()))
	}
}

func (g *Gateway) healthLoop(ctx context.Context) {
	interval := g.hotSettings().HealthCheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-g.healthReset:
			ticker.Reset(d)
			g.logger.Info("health check interval changed", "interval", d)
		case <-ticker.C:
			g.healthTick()
		}
	}
}

// healthTick runs one round of every periodic check.
func (g *Gateway) healthTick() {
	now := g.now()
	hot := g.hotSettings()

	g.checkHeartbeats(now)
	g.evaluateSessions(now, hot.SessionTimeout, hot.SuspendTimeout)

	if expired := g.conversations.Sweep(now); len(expired) > 0 {
		g.logger.Info("expired idle conversations", "count", len(expired))
	}
	g.metrics.Conversations.Set(float64(g.conversations.Len()))

	g.evaluateBreakers()
	g.redeliverStale(now)
}

// checkHeartbeats marks nodes that ignored the previous ping as dead and
// sends a fresh ping to every node.
func (g *Gateway) checkHeartbeats(now time.Time) {
	for _, c := range g.conns() {
		if c.pingUnanswered() {
			g.registry.MarkDead(c.nodeID)
			g.breakers.Get(c.nodeID).RecordFailure()
			g.logger.Warn("node missed heartbeat", "node_id", c.nodeID)
		} else {
			g.registry.MarkAlive(c.nodeID)
		}
		if err := c.sendPing(now.UnixMilli()); err != nil {
			g.logger.Debug("failed to send ping", "node_id", c.nodeID, "error", err)
		}
	}
}

func (g *Gateway) evaluateSessions(now time.Time, sessionTimeout, suspendTimeout time.Duration) {
	counts := map[SessionState]int{}
	for _, c := range g.conns() {
		if prev, changed := c.session.Evaluate(now, sessionTimeout, suspendTimeout); changed {
			g.logger.Info("node session state changed",
				"node_id", c.nodeID, "from", prev, "to", c.session.State())
		}
		counts[c.session.State()]++
	}
	for _, st := range []SessionState{SessionConnected, SessionIdle, SessionSuspended} {
		g.metrics.SessionStates.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

func (g *Gateway) evaluateBreakers() {
	for _, t := range g.breakers.Evaluate() {
		g.metrics.CircuitTransitions.WithLabelValues(t.To.String()).Inc()
		level := g.logger.Info
		if t.To == breaker.Open {
			level = g.logger.Warn
		}
		level("circuit breaker state changed", "node_id", t.NodeID, "from", t.From, "to", t.To)
		g.recordEvent(t.NodeID, store.NodeCircuitChanged, map[string]any{
			"from": t.From.String(),
			"to":   t.To.String(),
		})
	}
}

// redeliverStale resends messages whose ack is overdue. A message that has
// used up its redeliveries is dropped. Nodes that are not connected keep
// their pending messages for when they return.
func (g *Gateway) redeliverStale(now time.Time) {
	for _, p := range g.tracker.Stale(now, g.config.Gateway.AckTimeout) {
		c, ok := g.conn(p.NodeID)
		if !ok {
			continue
		}
		g.breakers.Get(p.NodeID).RecordFailure()

		if p.Attempts > g.config.Gateway.MaxRedeliveries {
			g.tracker.Ack(p.NodeID, p.MessageID)
			g.metrics.DeliveriesDropped.Inc()
			g.logger.Warn("dropping message after exhausting redeliveries",
				"node_id", p.NodeID, "message_id", p.MessageID, "attempts", p.Attempts)
			g.recordEvent(p.NodeID, store.NodeDeliveryDropped, map[string]any{
				"message_id": p.MessageID,
				"attempts":   p.Attempts,
			})
			continue
		}

		g.metrics.Redeliveries.Inc()
		g.logger.Info("redelivering unacknowledged message",
			"node_id", p.NodeID, "message_id", p.MessageID, "attempt", p.Attempts+1)
		_ = g.deliver(c, p.Message)
	}
	g.metrics.PendingDeliveries.Set(float64(g.tracker.Len()))
}

func (g *Gateway) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(g.config.Gateway.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.saveSnapshot(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("failed to save delivery snapshot", "error", err)
			}
		}
	}
}

func (g *Gateway) saveSnapshot(ctx context.Context) error {
	return g.store.SaveSnapshot(ctx, g.tracker.Snapshot(g.now()))
}

// restorePending loads the latest snapshot into the tracker. Restored
// messages go out when their node registers.
func (g *Gateway) restorePending(ctx context.Context) {
	snap, err := g.store.LatestSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		g.logger.Warn("failed to load delivery snapshot", "error", err)
		return
	}
	if err := g.tracker.Restore(snap); err != nil {
		g.logger.Warn("ignoring delivery snapshot", "error", err)
		return
	}
	g.metrics.PendingDeliveries.Set(float64(g.tracker.Len()))
	g.logger.Info("restored pending deliveries", "count", g.tracker.Len())
}
