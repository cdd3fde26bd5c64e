package environment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relayci/relay/internal/db"
)

// Store persists environment templates. The single-default-per-type
// rule is enforced with a partial unique index plus an explicit check
// so callers get a typed conflict instead of a driver error string.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewStore creates the environment store on the shared pool.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{writer: pool.Writer(), reader: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("environment schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS environments (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		sandbox_type TEXT NOT NULL,
		image        TEXT NOT NULL DEFAULT '',
		tier         TEXT NOT NULL DEFAULT 'medium',
		is_default   BOOLEAN NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_environments_default
		ON environments(sandbox_type)
		WHERE is_default;
	`
	_, err := s.writer.Exec(schema)
	return err
}

// List returns all templates, defaults first within each type.
func (s *Store) List(ctx context.Context) ([]*Environment, error) {
	var envs []*Environment
	query := `SELECT * FROM environments ORDER BY sandbox_type, is_default DESC, name`
	if err := s.reader.SelectContext(ctx, &envs, query); err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	return envs, nil
}

// Get returns one template by id.
func (s *Store) Get(ctx context.Context, id string) (*Environment, error) {
	var env Environment
	query := s.reader.Rebind(`SELECT * FROM environments WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &env, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return &env, nil
}

// DefaultFor returns the default template for a sandbox type, or
// ErrNotFound when none is configured.
func (s *Store) DefaultFor(ctx context.Context, sandboxType string) (*Environment, error) {
	var env Environment
	query := s.reader.Rebind(`SELECT * FROM environments WHERE sandbox_type = ? AND is_default`)
	if err := s.reader.GetContext(ctx, &env, query, sandboxType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no default for %s", ErrNotFound, sandboxType)
		}
		return nil, fmt.Errorf("default environment: %w", err)
	}
	return &env, nil
}

// Insert stores a new template. A second default for the same sandbox
// type is a conflict.
func (s *Store) Insert(ctx context.Context, env *Environment) error {
	if env.IsDefault {
		if err := s.checkNoOtherDefault(ctx, env.SandboxType, env.ID); err != nil {
			return err
		}
	}
	query := s.writer.Rebind(`
		INSERT INTO environments (
			id, name, description, sandbox_type, image, tier, is_default,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.writer.ExecContext(ctx, query,
		env.ID, env.Name, env.Description, env.SandboxType,
		env.Image, env.Tier, env.IsDefault, env.CreatedAt, env.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert environment: %w", err)
	}
	return nil
}

// Update replaces a template's mutable fields.
func (s *Store) Update(ctx context.Context, env *Environment) error {
	if env.IsDefault {
		if err := s.checkNoOtherDefault(ctx, env.SandboxType, env.ID); err != nil {
			return err
		}
	}
	query := s.writer.Rebind(`
		UPDATE environments
		SET name = ?, description = ?, sandbox_type = ?, image = ?,
		    tier = ?, is_default = ?, updated_at = ?
		WHERE id = ?`)
	result, err := s.writer.ExecContext(ctx, query,
		env.Name, env.Description, env.SandboxType, env.Image,
		env.Tier, env.IsDefault, time.Now().UTC(), env.ID)
	if err != nil {
		return fmt.Errorf("update environment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update row count: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, env.ID)
	}
	return nil
}

// Delete removes a template. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := s.writer.Rebind(`DELETE FROM environments WHERE id = ?`)
	if _, err := s.writer.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	return nil
}

// Count reports the number of stored templates; the seeder uses it to
// run only on an empty table.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.reader.GetContext(ctx, &n, `SELECT COUNT(*) FROM environments`); err != nil {
		return 0, fmt.Errorf("count environments: %w", err)
	}
	return n, nil
}

func (s *Store) checkNoOtherDefault(ctx context.Context, sandboxType, selfID string) error {
	var id string
	query := s.reader.Rebind(`SELECT id FROM environments WHERE sandbox_type = ? AND is_default AND id != ?`)
	err := s.reader.GetContext(ctx, &id, query, sandboxType, selfID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check default: %w", err)
	}
	return fmt.Errorf("%w: %s (held by %s)", ErrDuplicateDefault, sandboxType, id)
}
