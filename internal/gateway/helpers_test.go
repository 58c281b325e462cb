// ABOUTME: Shared test harness: a gateway behind httptest with a fake clock
// ABOUTME: and WebSocket test nodes that speak the frame protocol

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/protocol"
	"github.com/2389/fleet-gateway/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	gw    *Gateway
	srv   *httptest.Server
	store *store.MockStore
	clock *fakeClock
}

func newHarness(t *testing.T, mutate func(*config.Config), opts ...func(*Options)) *harness {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{store: store.NewMockStore(), clock: newFakeClock()}
	o := Options{Store: h.store, Verifier: auth.AllowAll{}, Now: h.clock.Now}
	for _, fn := range opts {
		fn(&o)
	}

	gw, err := New(cfg, testLogger(), o)
	require.NoError(t, err)
	h.gw = gw
	h.srv = httptest.NewServer(gw.Handler())

	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		h.srv.Close()
	})
	return h
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
}

func (h *harness) dial(t *testing.T) *testNode {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &testNode{t: t, ws: ws}
}

// connectNode registers a node and waits until the gateway routes to it.
func (h *harness) connectNode(t *testing.T, nodeID string, caps protocol.NodeCapabilities) *testNode {
	t.Helper()
	n := h.dial(t)
	n.send(protocol.Register(nodeID, "token-"+nodeID, caps))

	ack := n.read()
	require.Equal(t, protocol.TypeRegisterAck, ack.Type)
	require.Equal(t, nodeID, ack.NodeID)
	n.sessionID = ack.SessionID

	require.Eventually(t, func() bool {
		_, ok := h.gw.conn(nodeID)
		return ok
	}, time.Second, 5*time.Millisecond)
	return n
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type testNode struct {
	t         *testing.T
	ws        *websocket.Conn
	sessionID string
}

func (n *testNode) send(f protocol.Frame) {
	n.t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(n.t, err)
	require.NoError(n.t, n.ws.WriteMessage(websocket.TextMessage, data))
}

func (n *testNode) read() protocol.Frame {
	n.t.Helper()
	require.NoError(n.t, n.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := n.ws.ReadMessage()
	require.NoError(n.t, err)
	f, err := protocol.Decode(raw, 0)
	require.NoError(n.t, err)
	return f
}

// readTask skips heartbeats until a task frame arrives.
func (n *testNode) readTask() protocol.Frame {
	n.t.Helper()
	for {
		if f := n.read(); f.Type == protocol.TypeTask {
			return f
		}
	}
}

// readPing skips everything until a heartbeat ping arrives.
func (n *testNode) readPing() protocol.Frame {
	n.t.Helper()
	for {
		if f := n.read(); f.Type == protocol.TypePing {
			return f
		}
	}
}

func capsFor(agentType string, tools ...string) protocol.NodeCapabilities {
	return protocol.NodeCapabilities{
		AgentTypes:     []string{agentType},
		Tools:          tools,
		MaxConcurrency: 4,
	}
}

func submission(key string, lane protocol.Lane) Submission {
	return Submission{
		ConversationKey: key,
		ChannelType:     "test",
		Sender:          "alice",
		AgentType:       "high",
		Lane:            lane,
		Payload:         json.RawMessage(`{"text":"hi"}`),
	}
}
