// Package store persists gateway state that must survive a restart.
//
// # Data
//
//   - delivery_snapshots: JSON snapshots of outstanding deliveries, written
//     periodically by the gateway and read once at startup
//   - node_events: an append-only record of node lifecycle events
//     (registered, deregistered, circuit transitions, dropped deliveries)
//
// # Implementations
//
// SQLiteStore uses modernc.org/sqlite, a pure-Go driver, with WAL enabled.
// MockStore keeps everything in memory for tests.
//
// Both satisfy the Store interface:
//
//	s, err := store.NewSQLiteStore("/var/lib/fleet-gateway/gateway.db")
//	err = s.SaveSnapshot(ctx, tracker.Snapshot(time.Now()))
//	snap, err := s.LatestSnapshot(ctx)   // ErrNotFound when none was saved
package store
