// ABOUTME: HTTP endpoints for health, node and conversation inspection, and message submission
// ABOUTME: Results for a conversation stream to clients as Server-Sent Events

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/breaker"
	"github.com/2389/fleet-gateway/internal/registry"
	"github.com/2389/fleet-gateway/internal/store"
)

// routes builds the HTTP handler.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", g.handleWS)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	protect := auth.BearerMiddleware(g.apiAuth)
	mux.Handle("GET /api/nodes", protect(http.HandlerFunc(g.handleListNodes)))
	mux.Handle("GET /api/nodes/{id}/events", protect(http.HandlerFunc(g.handleNodeEvents)))
	mux.Handle("GET /api/conversations/{key}", protect(http.HandlerFunc(g.handleGetConversation)))
	mux.Handle("GET /api/conversations/{key}/results", protect(http.HandlerFunc(g.handleStreamResults)))
	mux.Handle("POST /api/messages", protect(http.HandlerFunc(g.handleSubmit)))

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one node is alive.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	alive := g.registry.GetAliveNodes()
	if len(alive) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no nodes connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d nodes)", len(alive))
}

// NodeView is a registered node with its live connection state.
type NodeView struct {
	registry.Registration
	Session *SessionInfo `json:"session,omitempty"`
	Circuit string       `json:"circuit"`
	Pending int          `json:"pending"`
	Queued  int          `json:"queued"`
}

// Nodes returns every registered node with session, breaker and load details.
func (g *Gateway) Nodes() []NodeView {
	states := g.breakers.Snapshot()
	regs := g.registry.List()
	out := make([]NodeView, 0, len(regs))
	for _, reg := range regs {
		v := NodeView{
			Registration: reg,
			Circuit:      breaker.Closed.String(),
			Pending:      g.tracker.Count(reg.NodeID),
		}
		if st, ok := states[reg.NodeID]; ok {
			v.Circuit = st.String()
		}
		if c, ok := g.conn(reg.NodeID); ok {
			info := c.session.Info()
			v.Session = &info
			v.Queued = c.buffer.TotalQueued()
		}
		out = append(out, v)
	}
	return out
}

func (g *Gateway) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := g.Nodes()
	g.sendJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

func (g *Gateway) handleNodeEvents(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	filter := store.NodeEventFilter{NodeID: &nodeID}

	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("type"); v != "" {
		typ := store.NodeEventType(v)
		filter.Type = &typ
	}

	events, err := g.store.ListNodeEvents(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list node events", "node_id", nodeID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	b, ok := g.conversations.Get(r.PathValue("key"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	g.sendJSON(w, http.StatusOK, b)
}

// handleStreamResults streams task results for one conversation as SSE
// until the client goes away.
func (g *Gateway) handleStreamResults(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	key := r.PathValue("key")
	results, _ := g.results.Subscribe(r.Context(), key)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	g.writeSSEEvent(w, "subscribed", map[string]string{"conversationKey": key})
	flusher.Flush()

	for res := range results {
		g.writeSSEEvent(w, "result", res)
		flusher.Flush()
	}
}

func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(g.config.Gateway.MaxFrameBytes))

	var sub Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	receipt, err := g.Submit(r.Context(), sub)
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusAccepted, receipt)
	case errors.Is(err, ErrInvalidSubmission):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicateMessage):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoNodeAvailable):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		g.logger.Error("submit failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
