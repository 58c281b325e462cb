// ABOUTME: Tracks messages written to nodes until they are acknowledged.
// ABOUTME: Reports stale deliveries and snapshots outstanding state for persistence.

// Package delivery records which messages each node still owes an
// acknowledgement for, so the gateway can redeliver them after a timeout or
// a restart.
package delivery

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/protocol"
)

// SnapshotVersion is the only snapshot format this package reads and writes.
const SnapshotVersion = 1

// ErrUnsupportedVersion is returned when restoring an unknown snapshot format.
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// PendingMessage is a delivered message awaiting acknowledgement.
type PendingMessage struct {
	MessageID string               `json:"messageId"`
	NodeID    string               `json:"nodeId"`
	SentAt    int64                `json:"sentAt"`
	Attempts  int                  `json:"attempts"`
	Message   protocol.LaneMessage `json:"message"`
}

// Snapshot is the persisted form of every outstanding delivery.
type Snapshot struct {
	Version    int                         `json:"version"`
	Pending    map[string][]PendingMessage `json:"pending"`
	CapturedAt int64                       `json:"capturedAt"`
}

// Tracker holds outstanding deliveries per node.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]map[string]*PendingMessage // nodeID -> messageID -> pending
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]map[string]*PendingMessage)}
}

// Track records msg as sent to nodeID at now. Re-tracking an outstanding
// message restamps it and counts another attempt.
func (t *Tracker) Track(nodeID string, msg protocol.LaneMessage, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs, ok := t.pending[nodeID]
	if !ok {
		msgs = make(map[string]*PendingMessage)
		t.pending[nodeID] = msgs
	}
	if p, exists := msgs[msg.MessageID]; exists {
		p.SentAt = now.UnixMilli()
		p.Attempts++
		return
	}
	msgs[msg.MessageID] = &PendingMessage{
		MessageID: msg.MessageID,
		NodeID:    nodeID,
		SentAt:    now.UnixMilli(),
		Attempts:  1,
		Message:   msg,
	}
}

// Hold records a message that was queued for nodeID but never written.
// It does not count as an attempt, and an outstanding entry is left as is.
func (t *Tracker) Hold(nodeID string, msg protocol.LaneMessage, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs, ok := t.pending[nodeID]
	if !ok {
		msgs = make(map[string]*PendingMessage)
		t.pending[nodeID] = msgs
	}
	if _, exists := msgs[msg.MessageID]; exists {
		return
	}
	msgs[msg.MessageID] = &PendingMessage{
		MessageID: msg.MessageID,
		NodeID:    nodeID,
		SentAt:    now.UnixMilli(),
		Message:   msg,
	}
}

// Ack clears an outstanding message. It reports whether it was outstanding.
func (t *Tracker) Ack(nodeID, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs, ok := t.pending[nodeID]
	if !ok {
		return false
	}
	if _, ok := msgs[messageID]; !ok {
		return false
	}
	delete(msgs, messageID)
	if len(msgs) == 0 {
		delete(t.pending, nodeID)
	}
	return true
}

// Pending returns the node's outstanding messages, oldest first.
func (t *Tracker) Pending(nodeID string) []PendingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedCopy(t.pending[nodeID])
}

// Count returns the number of outstanding messages for nodeID.
func (t *Tracker) Count(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[nodeID])
}

// Len returns the number of outstanding messages across all nodes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, msgs := range t.pending {
		n += len(msgs)
	}
	return n
}

// Stale returns messages sent more than timeout before now, oldest first.
func (t *Tracker) Stale(now time.Time, timeout time.Duration) []PendingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-timeout).UnixMilli()
	var out []PendingMessage
	for _, msgs := range t.pending {
		for _, p := range msgs {
			if p.SentAt < cutoff {
				out = append(out, *p)
			}
		}
	}
	sortPending(out)
	return out
}

// ForgetNode drops and returns every outstanding message for nodeID.
func (t *Tracker) ForgetNode(nodeID string) []PendingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := sortedCopy(t.pending[nodeID])
	delete(t.pending, nodeID)
	return out
}

// Snapshot captures every outstanding message.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Version:    SnapshotVersion,
		Pending:    make(map[string][]PendingMessage, len(t.pending)),
		CapturedAt: now.UnixMilli(),
	}
	for nodeID, msgs := range t.pending {
		snap.Pending[nodeID] = sortedCopy(msgs)
	}
	return snap
}

// Restore merges a snapshot into the tracker. Messages already tracked are kept.
func (t *Tracker) Restore(snap Snapshot) error {
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for nodeID, list := range snap.Pending {
		msgs, ok := t.pending[nodeID]
		if !ok {
			msgs = make(map[string]*PendingMessage, len(list))
			t.pending[nodeID] = msgs
		}
		for _, p := range list {
			if _, exists := msgs[p.MessageID]; exists {
				continue
			}
			p.NodeID = nodeID
			msgs[p.MessageID] = &p
		}
		if len(msgs) == 0 {
			delete(t.pending, nodeID)
		}
	}
	return nil
}

func sortedCopy(msgs map[string]*PendingMessage) []PendingMessage {
	out := make([]PendingMessage, 0, len(msgs))
	for _, p := range msgs {
		out = append(out, *p)
	}
	sortPending(out)
	return out
}

func sortPending(out []PendingMessage) {
	slices.SortFunc(out, func(a, b PendingMessage) int {
		if a.SentAt != b.SentAt {
			if a.SentAt < b.SentAt {
				return -1
			}
			return 1
		}
		if c := strings.Compare(a.NodeID, b.NodeID); c != 0 {
			return c
		}
		return strings.Compare(a.MessageID, b.MessageID)
	})
}
