// ABOUTME: Node lifecycle event log stored in SQLite
// ABOUTME: Records registrations, departures and circuit changes for debugging

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tsLayout is fixed-width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// AppendNodeEvent appends a new entry to the node event log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendNodeEvent(ctx context.Context, e *NodeEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_events (event_id, node_id, type, ts, detail_json) VALUES (?, ?, ?, ?, ?)`,
		e.ID,
		e.NodeID,
		string(e.Type),
		e.Timestamp.UTC().Format(tsLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting node event: %w", err)
	}

	s.logger.Debug("appended node event",
		"id", e.ID,
		"node_id", e.NodeID,
		"type", e.Type,
	)
	return nil
}

const nodeEventsQuery = `
	SELECT event_id, node_id, type, ts, detail_json
	FROM node_events
	WHERE (? IS NULL OR node_id = ?)
	  AND (? IS NULL OR type = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC, event_id
	LIMIT ?
`

// ListNodeEvents returns events matching f, newest first.
func (s *SQLiteStore) ListNodeEvents(ctx context.Context, f NodeEventFilter) ([]NodeEvent, error) {
	var typeStr, sinceStr *string
	if f.Type != nil {
		t := string(*f.Type)
		typeStr = &t
	}
	if f.Since != nil {
		ts := f.Since.UTC().Format(tsLayout)
		sinceStr = &ts
	}

	rows, err := s.db.QueryContext(ctx, nodeEventsQuery,
		f.NodeID, f.NodeID,
		typeStr, typeStr,
		sinceStr, sinceStr,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying node events: %w", err)
	}
	defer rows.Close()

	var events []NodeEvent
	for rows.Next() {
		e, err := scanNodeEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node events: %w", err)
	}
	return events, nil
}

func scanNodeEvent(scanner interface{ Scan(dest ...any) error }) (NodeEvent, error) {
	var e NodeEvent
	var typeStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(&e.ID, &e.NodeID, &typeStr, &tsStr, &detailJSON); err != nil {
		return e, fmt.Errorf("scanning node event: %w", err)
	}

	e.Type = NodeEventType(typeStr)
	var err error
	e.Timestamp, err = time.Parse(tsLayout, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}
