// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers schema creation, snapshot round-trips, pruning and node event filtering

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/delivery"
	"github.com/2389/fleet-gateway/internal/protocol"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestLatestSnapshot_Empty(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.LatestSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tracker := delivery.NewTracker()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	tracker.Track("A", protocol.LaneMessage{
		Lane:            protocol.LaneControl,
		MessageID:       "m1",
		ConversationKey: "c1",
		Payload:         json.RawMessage(`{"cmd":"stop"}`),
	}, now)

	require.NoError(t, s.SaveSnapshot(ctx, tracker.Snapshot(now)))

	got, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, delivery.SnapshotVersion, got.Version)
	assert.Equal(t, now.UnixMilli(), got.CapturedAt)
	require.Len(t, got.Pending["A"], 1)
	assert.Equal(t, "m1", got.Pending["A"][0].MessageID)
	assert.Equal(t, protocol.LaneControl, got.Pending["A"][0].Message.Lane)
}

func TestSaveSnapshot_PrunesOldest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := range snapshotsRetained + 3 {
		snap := delivery.Snapshot{Version: 1, Pending: map[string][]delivery.PendingMessage{}, CapturedAt: int64(i)}
		require.NoError(t, s.SaveSnapshot(ctx, snap))
	}

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM delivery_snapshots`).Scan(&count))
	assert.Equal(t, snapshotsRetained, count)

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(snapshotsRetained+2), latest.CapturedAt)
}

func TestNodeEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendNodeEvent(ctx, &NodeEvent{NodeID: "A", Type: NodeRegistered, Timestamp: base}))
	require.NoError(t, s.AppendNodeEvent(ctx, &NodeEvent{NodeID: "B", Type: NodeRegistered, Timestamp: base.Add(time.Second)}))
	require.NoError(t, s.AppendNodeEvent(ctx, &NodeEvent{
		NodeID:    "A",
		Type:      NodeCircuitChanged,
		Timestamp: base.Add(2 * time.Second),
		Detail:    map[string]any{"to": "open"},
	}))

	all, err := s.ListNodeEvents(ctx, NodeEventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, NodeCircuitChanged, all[0].Type, "newest first")
	assert.Equal(t, "open", all[0].Detail["to"])
	assert.NotEmpty(t, all[0].ID)

	nodeA := "A"
	forA, err := s.ListNodeEvents(ctx, NodeEventFilter{NodeID: &nodeA})
	require.NoError(t, err)
	assert.Len(t, forA, 2)

	registered := NodeRegistered
	regs, err := s.ListNodeEvents(ctx, NodeEventFilter{Type: &registered, Limit: 1})
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "B", regs[0].NodeID)

	since := base.Add(time.Second)
	recent, err := s.ListNodeEvents(ctx, NodeEventFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestMockStore(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	_, err := m.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	for i := range snapshotsRetained + 1 {
		require.NoError(t, m.SaveSnapshot(ctx, delivery.Snapshot{Version: 1, CapturedAt: int64(i)}))
	}
	assert.Equal(t, snapshotsRetained, m.SnapshotCount())

	require.NoError(t, m.AppendNodeEvent(ctx, &NodeEvent{NodeID: "A", Type: NodeRegistered}))
	events, err := m.ListNodeEvents(ctx, NodeEventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
}
