// Package protocol defines the frames exchanged between the gateway and its
// worker nodes over WebSocket.
//
// # Frames
//
// Every WebSocket text message carries exactly one JSON object. The object's
// "type" field selects the frame kind:
//
//	node.register       node -> gateway   nodeId, capabilities, token
//	node.register.ack   gateway -> node   nodeId, sessionId
//	heartbeat.ping      either direction  timestamp (epoch ms)
//	heartbeat.pong      either direction  timestamp echoed from the ping
//	task                gateway -> node   messageId, lane, conversationKey, payload
//	task.ack            node -> gateway   messageId
//	task.result         node -> gateway   messageId, conversationKey, payload
//	error               either direction  code, reason
//	close               either direction  reason
//
// # Lanes
//
// Application messages travel on one of four lanes. Lower priority numbers
// are delivered first:
//
//	interrupt  0   bypasses buffering entirely
//	control    1
//	normal     2
//	bulk       3
//
// # Decoding
//
// Decode enforces a byte limit before parsing. Oversized input yields a
// *FrameTooLargeError which callers surface to their error handlers.
// Anything that fails to parse or fails schema validation wraps
// ErrMalformedFrame and is dropped at the transport boundary.
package protocol
