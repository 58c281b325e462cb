// ABOUTME: Store interface and entity types for fleet-gateway persistence
// ABOUTME: Defines node lifecycle events and the snapshot/event operations

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/fleet-gateway/internal/delivery"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// NodeEventType classifies a node lifecycle event.
type NodeEventType string

const (
	NodeRegistered      NodeEventType = "registered"
	NodeDeregistered    NodeEventType = "deregistered"
	NodeRejected        NodeEventType = "rejected"
	NodeCircuitChanged  NodeEventType = "circuit_changed"
	NodeDeliveryDropped NodeEventType = "delivery_dropped"
)

// NodeEvent is a single lifecycle record.
type NodeEvent struct {
	ID        string         `json:"id"`               // UUID v4
	NodeID    string         `json:"nodeId"`           // node the event concerns
	Type      NodeEventType  `json:"type"`             // what happened
	Timestamp time.Time      `json:"timestamp"`        // when it happened
	Detail    map[string]any `json:"detail,omitempty"` // additional context
}

// NodeEventFilter narrows ListNodeEvents.
type NodeEventFilter struct {
	NodeID *string
	Type   *NodeEventType
	Since  *time.Time
	Limit  int // default 100, max 1000
}

// Store is the persistence surface the gateway depends on.
type Store interface {
	SaveSnapshot(ctx context.Context, snap delivery.Snapshot) error
	LatestSnapshot(ctx context.Context) (delivery.Snapshot, error)

	AppendNodeEvent(ctx context.Context, e *NodeEvent) error
	ListNodeEvents(ctx context.Context, f NodeEventFilter) ([]NodeEvent, error)

	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
