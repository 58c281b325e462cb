// ABOUTME: Node registry keyed by node id with capability-based selection.
// ABOUTME: Duplicate registrations are rejected; liveness flips are no-ops for unknown ids.

package registry

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// ErrNodeAlreadyRegistered indicates a node with the same ID is already registered.
var ErrNodeAlreadyRegistered = errors.New("node already registered")

// ErrNodeNotFound indicates the specified node was not found.
var ErrNodeNotFound = errors.New("node not found")

// Registration is a registered node as seen by callers.
type Registration struct {
	NodeID       string                    `json:"nodeId"`
	Capabilities protocol.NodeCapabilities `json:"capabilities"`
	IsAlive      bool                      `json:"isAlive"`
	RegisteredAt time.Time                 `json:"registeredAt"`
}

func (r *Registration) clone() Registration {
	return Registration{
		NodeID:       r.NodeID,
		Capabilities: r.Capabilities.Clone(),
		IsAlive:      r.IsAlive,
		RegisteredAt: r.RegisteredAt,
	}
}

// Registry holds every registered node.
type Registry struct {
	nodes  map[string]*Registration
	mu     sync.RWMutex
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		nodes:  make(map[string]*Registration),
		logger: logger,
		now:    time.Now,
	}
}

// Register adds a node. The node starts alive.
// Returns ErrNodeAlreadyRegistered if the id is taken.
func (r *Registry) Register(nodeID string, caps protocol.NodeCapabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; exists {
		return ErrNodeAlreadyRegistered
	}

	r.nodes[nodeID] = &Registration{
		NodeID:       nodeID,
		Capabilities: caps.Clone(),
		IsAlive:      true,
		RegisteredAt: r.now(),
	}
	r.logger.Info("=== NODE REGISTERED ===",
		"node_id", nodeID,
		"agent_types", caps.AgentTypes,
		"tools", caps.Tools,
		"max_concurrency", caps.MaxConcurrency,
		"total_nodes", len(r.nodes),
	)
	return nil
}

// Deregister removes a node. Returns ErrNodeNotFound if it is absent.
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return ErrNodeNotFound
	}
	delete(r.nodes, nodeID)
	r.logger.Info("=== NODE DEREGISTERED ===",
		"node_id", nodeID,
		"total_nodes", len(r.nodes),
	)
	return nil
}

// Get returns a copy of the node's registration.
func (r *Registry) Get(nodeID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.nodes[nodeID]
	if !ok {
		return Registration{}, false
	}
	return reg.clone(), true
}

// MarkAlive flags the node as responsive. Unknown ids are ignored.
func (r *Registry) MarkAlive(nodeID string) {
	r.setAlive(nodeID, true)
}

// MarkDead flags the node as unresponsive. Unknown ids are ignored.
func (r *Registry) MarkDead(nodeID string) {
	r.setAlive(nodeID, false)
}

func (r *Registry) setAlive(nodeID string, alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.nodes[nodeID]
	if !ok || reg.IsAlive == alive {
		return
	}
	reg.IsAlive = alive
	r.logger.Debug("node liveness changed", "node_id", nodeID, "alive", alive)
}

// FindByRequirements returns alive nodes satisfying req, sorted by id.
func (r *Registry) FindByRequirements(req protocol.TaskRequirements) []Registration {
	return r.collect(func(reg *Registration) bool {
		return reg.IsAlive && req.Satisfies(reg.Capabilities)
	})
}

// GetAliveNodes returns every alive node, sorted by id.
func (r *Registry) GetAliveNodes() []Registration {
	return r.collect(func(reg *Registration) bool { return reg.IsAlive })
}

// List returns every registered node, sorted by id.
func (r *Registry) List() []Registration {
	return r.collect(func(*Registration) bool { return true })
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Registry) collect(keep func(*Registration) bool) []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.nodes))
	for _, reg := range r.nodes {
		if keep(reg) {
			out = append(out, reg.clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Registration) int {
		return strings.Compare(a.NodeID, b.NodeID)
	})
	return out
}
