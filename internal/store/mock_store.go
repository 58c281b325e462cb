// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/delivery"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	snapshots []delivery.Snapshot
	events    []NodeEvent
	closed    bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// SaveSnapshot records a snapshot.
func (m *MockStore) SaveSnapshot(ctx context.Context, snap delivery.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > snapshotsRetained {
		m.snapshots = slices.Clone(m.snapshots[len(m.snapshots)-snapshotsRetained:])
	}
	return nil
}

// LatestSnapshot returns the last saved snapshot.
func (m *MockStore) LatestSnapshot(ctx context.Context) (delivery.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snapshots) == 0 {
		return delivery.Snapshot{}, ErrNotFound
	}
	return m.snapshots[len(m.snapshots)-1], nil
}

// SnapshotCount returns how many snapshots are retained.
func (m *MockStore) SnapshotCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

// AppendNodeEvent records an event.
func (m *MockStore) AppendNodeEvent(ctx context.Context, e *NodeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, *e)
	return nil
}

// ListNodeEvents returns matching events, newest first.
func (m *MockStore) ListNodeEvents(ctx context.Context, f NodeEventFilter) ([]NodeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []NodeEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.NodeID != nil && e.NodeID != *f.NodeID {
			continue
		}
		if f.Type != nil && e.Type != *f.Type {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, e)
		if len(out) == normalizeLimit(f.Limit) {
			break
		}
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
