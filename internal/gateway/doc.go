// Package gateway orchestrates the fleet-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator. It accepts worker nodes
// over WebSockets, routes submitted messages to them, and keeps delivery
// state until each node acknowledges what it was sent.
//
// # Gateway Struct
//
// The Gateway owns every in-memory component:
//
//	type Gateway struct {
//	    registry      *registry.Registry      // who is connected, what they can do
//	    conversations *conversation.Store     // conversation key -> node
//	    results       *conversation.Broadcaster
//	    tracker       *delivery.Tracker       // sent but unacknowledged
//	    breakers      *breaker.Set            // per-node circuit breakers
//	    dedupe        *dedupe.Cache           // recently submitted message ids
//	    store         store.Store             // snapshots and node events
//	    nodes         map[string]*nodeConn    // live sockets with their buffers
//	    ...
//	}
//
// # Node Lifecycle
//
//  1. A node dials GET /ws and must send node.register within the
//     registration timeout.
//  2. The token is checked by the configured auth.Verifier and the node is
//     added to the registry; a duplicate id is answered with an error frame
//     carrying node_already_registered, then the socket is closed.
//  3. The gateway replies with node.register.ack and a fresh session id,
//     then redelivers anything still pending for that node.
//  4. On disconnect the node is deregistered, its conversations are
//     released and its breaker is dropped. Pending deliveries are kept.
//
// # Delivery
//
// Submit resolves a node (existing binding first, capability match second)
// and dispatches into that node's lane buffer. Interrupts are written to
// the socket immediately. Everything else waits for the drain loop, which
// writes frames in lane-then-arrival order and tracks each one.
//
// # Background Loops
//
// Run starts the HTTP server plus three loops under one errgroup:
//
//   - drain: flushes every buffer on a short interval
//   - health: heartbeats, session states, conversation expiry, breaker
//     transitions and stale redelivery
//   - snapshot: persists pending deliveries so a restart can resume them
//
// # HTTP Endpoints
//
//   - GET /ws: node WebSocket endpoint
//   - GET /health, GET /health/ready
//   - GET /api/nodes, GET /api/nodes/{id}/events
//   - GET /api/conversations/{key}, GET /api/conversations/{key}/results (SSE)
//   - POST /api/messages
//   - the configured metrics path
//
// # Hot Reload
//
// ApplyConfig applies session timing, the health interval and lane
// capacity in place. Other changes are logged and wait for a restart.
package gateway
