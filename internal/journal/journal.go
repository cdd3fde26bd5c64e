// Package journal is the append-only per-session event log. Every
// agent event that reaches a subscriber passes through here first, so
// reconnecting clients can replay history by seq.
package journal

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one journaled event. Seq is dense and strictly increasing
// per session, starting at 1. Payload is opaque JSON.
type Entry struct {
	SessionID string          `json:"session_id" db:"session_id"`
	Seq       int64           `json:"seq" db:"seq"`
	Type      string          `json:"type" db:"type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Journal persists session events.
type Journal interface {
	// Append assigns the next seq for the session and inserts the entry
	// in one transaction. Appends for the same session are serialized,
	// so seq never has gaps.
	Append(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (int64, error)

	// ReadAfter returns entries with seq > afterSeq in ascending order.
	// limit <= 0 means unbounded.
	ReadAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*Entry, error)

	// LastSeq returns the highest seq for the session, 0 when empty.
	LastSeq(ctx context.Context, sessionID string) (int64, error)

	// PruneOlderThan deletes entries created before the cutoff and
	// returns the deleted row count. Pruning preserves seq monotonicity
	// for surviving entries.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteSession removes all entries for a session.
	DeleteSession(ctx context.Context, sessionID string) error

	// Close releases resources.
	Close() error
}
