// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Creates the schema on open and keeps a bounded history of delivery snapshots

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/2389/fleet-gateway/internal/delivery"
)

// snapshotsRetained is how many snapshots are kept after each save.
const snapshotsRetained = 5

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS delivery_snapshots (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			version     INTEGER NOT NULL,
			captured_at INTEGER NOT NULL,
			body        TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS node_events (
			event_id    TEXT PRIMARY KEY,
			node_id     TEXT NOT NULL,
			type        TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_node_events_node ON node_events(node_id, ts);
		CREATE INDEX IF NOT EXISTS idx_node_events_ts ON node_events(ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot stores snap and prunes all but the most recent snapshots.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap delivery.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO delivery_snapshots (version, captured_at, body) VALUES (?, ?, ?)`,
		snap.Version, snap.CapturedAt, string(body),
	); err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM delivery_snapshots
		WHERE id NOT IN (SELECT id FROM delivery_snapshots ORDER BY id DESC LIMIT ?)`,
		snapshotsRetained,
	); err != nil {
		return fmt.Errorf("pruning snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently saved snapshot, or ErrNotFound.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (delivery.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM delivery_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return delivery.Snapshot{}, fmt.Errorf("querying snapshot: %w", err)
	}

	var snap delivery.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return delivery.Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
