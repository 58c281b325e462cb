// ABOUTME: A registered node's live WebSocket connection with its lane buffer and session.
// ABOUTME: All socket writes go through one mutex; heartbeat bookkeeping lives here too.

package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/fleet-gateway/internal/buffer"
	"github.com/2389/fleet-gateway/internal/protocol"
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

var errConnClosed = errors.New("connection closed")

// nodeConn is one node's socket plus everything scoped to it.
type nodeConn struct {
	nodeID  string
	ws      *websocket.Conn
	buffer  *buffer.Buffer
	session *Session
	limiter *rate.Limiter
	maxConc int

	writeMu sync.Mutex
	closed  bool

	pingMu          sync.Mutex
	pingOutstanding bool
	lastPingTS      int64
}

func newNodeConn(nodeID string, ws *websocket.Conn, session *Session, laneCapacity, framesPerSecond, maxConcurrency int) *nodeConn {
	return &nodeConn{
		nodeID:  nodeID,
		ws:      ws,
		buffer:  buffer.New(laneCapacity),
		session: session,
		limiter: rate.NewLimiter(rate.Limit(framesPerSecond), framesPerSecond),
		maxConc: maxConcurrency,
	}
}

// writeFrame encodes and sends f. Safe for concurrent use.
func (c *nodeConn) writeFrame(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

// close sends a close frame when possible and closes the socket. Repeated
// calls are no-ops.
func (c *nodeConn) close(reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	deadline := time.Now().Add(time.Second)
	if data, err := protocol.Encode(protocol.Close(reason)); err == nil {
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	_ = c.ws.Close()
}

// sendPing writes a heartbeat ping and marks it outstanding.
func (c *nodeConn) sendPing(ts int64) error {
	c.pingMu.Lock()
	c.pingOutstanding = true
	c.lastPingTS = ts
	c.pingMu.Unlock()
	return c.writeFrame(protocol.Ping(ts))
}

// pong clears the outstanding ping when ts matches the last one sent.
func (c *nodeConn) pong(ts int64) bool {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	if !c.pingOutstanding || ts != c.lastPingTS {
		return false
	}
	c.pingOutstanding = false
	return true
}

// pingUnanswered reports whether the last ping is still waiting for a pong.
func (c *nodeConn) pingUnanswered() bool {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return c.pingOutstanding
}

// writeHandshakeFrame sends a frame on a socket that has no nodeConn yet.
func writeHandshakeFrame(ws *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}
