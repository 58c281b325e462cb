// Package conversation keeps conversations pinned to the worker node that
// first served them.
//
// # Store
//
// The Store maps a conversation key to the node handling it and keeps a
// reverse index from node id to its conversation keys, so a node's
// departure releases its conversations without scanning every binding:
//
//	store := conversation.NewStore(conversation.Options{
//	    MaxConversations: 100000,
//	    TTL:              24 * time.Hour,
//	}, logger)
//
// Key operations:
//
//   - Bind(key, nodeID, now): create or refresh a binding (createdAt is kept)
//   - Get(key): look up the bound node
//   - RemoveNode(nodeID): drop every binding owned by a node
//   - Sweep(now): drop bindings idle for longer than the TTL
//
// Both indexes are updated together under one lock.
//
// # Capacity
//
// When a new key arrives at MaxConversations, the least recently active
// binding is evicted. Capacity warning handlers fire once when occupancy
// reaches 80% and are re-armed only after occupancy falls below 70%, so an
// occupancy hovering around the threshold does not flood operators.
//
// # Results
//
// The Broadcaster fans task results out to subscribers of a conversation
// key. The gateway publishes every task.result frame it receives and the
// HTTP API streams them to clients.
package conversation
