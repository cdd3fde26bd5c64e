package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relayci/relay/internal/db"
)

type sqlStore struct {
	writer *sqlx.DB
	reader *sqlx.DB

	// Per-session append locks. The SQLite writer pool is a single
	// connection anyway, but Postgres allows concurrent writers, and
	// the dense-seq guarantee needs the read-max-then-insert pair to be
	// atomic per session.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ Journal = (*sqlStore)(nil)

// Provide creates the journal on the shared database pool.
func Provide(pool *db.Pool) (Journal, func() error, error) {
	store := &sqlStore{
		writer: pool.Writer(),
		reader: pool.Reader(),
		locks:  make(map[string]*sync.Mutex),
	}
	if err := store.initSchema(); err != nil {
		return nil, nil, fmt.Errorf("journal schema init: %w", err)
	}
	return store, store.Close, nil
}

func (s *sqlStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		type       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_journal_created_at ON journal(created_at);
	`
	_, err := s.writer.Exec(schema)
	return err
}

func (s *sqlStore) Close() error {
	return nil
}

func (s *sqlStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func (s *sqlStore) Append(ctx context.Context, sessionID, eventType string, payload json.RawMessage) (int64, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	query := tx.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM journal WHERE session_id = ?`)
	if err := tx.GetContext(ctx, &last, query, sessionID); err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}

	seq := last + 1
	insert := tx.Rebind(`
		INSERT INTO journal (session_id, seq, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, sessionID, seq, eventType, string(payload), time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("insert journal entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

func (s *sqlStore) ReadAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*Entry, error) {
	query := `
		SELECT session_id, seq, type, payload, created_at
		FROM journal WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []entryRow
	if err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	entries := make([]*Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

func (s *sqlStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	query := s.reader.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM journal WHERE session_id = ?`)
	if err := s.reader.GetContext(ctx, &last, query, sessionID); err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return last, nil
}

func (s *sqlStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.writer.Rebind(`DELETE FROM journal WHERE created_at < ?`)
	result, err := s.writer.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune row count: %w", err)
	}
	return count, nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, sessionID string) error {
	query := s.writer.Rebind(`DELETE FROM journal WHERE session_id = ?`)
	if _, err := s.writer.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("delete session journal: %w", err)
	}

	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return nil
}

// entryRow scans payload as TEXT for portability across drivers.
type entryRow struct {
	SessionID string    `db:"session_id"`
	Seq       int64     `db:"seq"`
	Type      string    `db:"type"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *entryRow) toEntry() *Entry {
	return &Entry{
		SessionID: r.SessionID,
		Seq:       r.Seq,
		Type:      r.Type,
		Payload:   json.RawMessage(r.Payload),
		CreatedAt: r.CreatedAt,
	}
}
