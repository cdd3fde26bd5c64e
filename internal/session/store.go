package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relayci/relay/internal/db"
)

var (
	// ErrNotFound is returned for unknown or deleted sessions.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned when an optimistic status transition
	// loses, meaning the session was not in the expected state.
	ErrConflict = errors.New("session status conflict")
)

// Store persists sessions. Status transitions are optimistic: the
// UPDATE carries the expected current status so concurrent lifecycle
// operations cannot produce an invalid edge.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewStore creates the session store on the shared pool.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{writer: pool.Writer(), reader: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("session schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL DEFAULT '',
		mode                TEXT NOT NULL,
		status              TEXT NOT NULL,
		repo_id             TEXT NOT NULL DEFAULT '',
		repo_branch         TEXT NOT NULL DEFAULT '',
		environment_id      TEXT NOT NULL DEFAULT '',
		model_provider      TEXT NOT NULL DEFAULT '',
		model_id            TEXT NOT NULL DEFAULT '',
		system_prompt       TEXT NOT NULL DEFAULT '',
		provider_type       TEXT NOT NULL DEFAULT '',
		provider_sandbox_id TEXT NOT NULL DEFAULT '',
		image_digest        TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMP NOT NULL,
		last_activity_at    TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_binding
		ON sessions(provider_type, provider_sandbox_id)
		WHERE provider_sandbox_id != '';
	`
	_, err := s.writer.Exec(schema)
	return err
}

// Insert stores a new session row.
func (s *Store) Insert(ctx context.Context, sess *Session) error {
	query := s.writer.Rebind(`
		INSERT INTO sessions (
			id, name, mode, status, repo_id, repo_branch, environment_id,
			model_provider, model_id, system_prompt,
			provider_type, provider_sandbox_id, image_digest,
			created_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.writer.ExecContext(ctx, query,
		sess.ID, sess.Name, sess.Mode, sess.Status,
		sess.RepoID, sess.RepoBranch, sess.EnvironmentID,
		sess.ModelProvider, sess.ModelID, sess.SystemPrompt,
		sess.ProviderType, sess.SandboxID, sess.ImageDigest,
		sess.CreatedAt, sess.LastActivityAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get returns a session by id. Deleted rows are invisible.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	query := s.reader.Rebind(`SELECT * FROM sessions WHERE id = ? AND status != ?`)
	if err := s.reader.GetContext(ctx, &sess, query, id, StatusDeleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// List returns all visible sessions, most recently active first.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	query := s.reader.Rebind(`
		SELECT * FROM sessions WHERE status != ?
		ORDER BY last_activity_at DESC`)
	if err := s.reader.SelectContext(ctx, &sessions, query, StatusDeleted); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Transition moves a session from one of the expected statuses to the
// target status. ErrConflict when the row was not in any expected
// status; ErrNotFound when the id is unknown.
func (s *Store) Transition(ctx context.Context, id string, to Status, expected ...Status) error {
	if len(expected) == 0 {
		return fmt.Errorf("transition to %s: no expected status given", to)
	}
	for _, from := range expected {
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s is not a valid transition", ErrConflict, from, to)
		}
	}

	query, args, err := sqlx.In(`
		UPDATE sessions SET status = ?, last_activity_at = ?
		WHERE id = ? AND status IN (?)`,
		to, time.Now().UTC(), id, expected)
	if err != nil {
		return fmt.Errorf("build transition query: %w", err)
	}

	result, err := s.writer.ExecContext(ctx, s.writer.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition row count: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is not in %v", ErrConflict, id, expected)
	}
	return nil
}

// BindSandbox records the sandbox binding and moves creating -> ready
// in one statement so a concurrent delete cannot interleave.
func (s *Store) BindSandbox(ctx context.Context, id string, binding SandboxBinding) error {
	query := s.writer.Rebind(`
		UPDATE sessions
		SET provider_type = ?, provider_sandbox_id = ?, image_digest = ?,
		    status = ?, last_activity_at = ?
		WHERE id = ? AND status = ?`)
	result, err := s.writer.ExecContext(ctx, query,
		binding.ProviderType, binding.ProviderID, binding.ImageDigest,
		StatusReady, time.Now().UTC(), id, StatusCreating)
	if err != nil {
		return fmt.Errorf("bind sandbox: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("bind row count: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is not creating", ErrConflict, id)
	}
	return nil
}

// MarkDeleted hides the row and clears the binding. Only stopped
// sessions can be deleted.
func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	query := s.writer.Rebind(`
		UPDATE sessions
		SET status = ?, provider_type = '', provider_sandbox_id = '', image_digest = '',
		    last_activity_at = ?
		WHERE id = ? AND status = ?`)
	result, err := s.writer.ExecContext(ctx, query, StatusDeleted, time.Now().UTC(), id, StatusStopped)
	if err != nil {
		return fmt.Errorf("mark session deleted: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete row count: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s is not stopped", ErrConflict, id)
	}
	return nil
}

// Touch bumps lastActivityAt.
func (s *Store) Touch(ctx context.Context, id string) error {
	query := s.writer.Rebind(`UPDATE sessions SET last_activity_at = ? WHERE id = ?`)
	if _, err := s.writer.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// SetNameIfEmpty records the auto-derived name, keeping any name the
// user already chose.
func (s *Store) SetNameIfEmpty(ctx context.Context, id, name string) error {
	query := s.writer.Rebind(`UPDATE sessions SET name = ? WHERE id = ? AND name = ''`)
	if _, err := s.writer.ExecContext(ctx, query, name, id); err != nil {
		return fmt.Errorf("set session name: %w", err)
	}
	return nil
}

// SetModel updates the model preference mid-session.
func (s *Store) SetModel(ctx context.Context, id string, pref ModelPreference) error {
	query := s.writer.Rebind(`
		UPDATE sessions SET model_provider = ?, model_id = ?, last_activity_at = ?
		WHERE id = ?`)
	if _, err := s.writer.ExecContext(ctx, query, pref.Provider, pref.ModelID, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("set session model: %w", err)
	}
	return nil
}
