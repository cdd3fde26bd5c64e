package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relayci/relay/internal/crypto"
	"github.com/relayci/relay/internal/db"
)

type sqlStore struct {
	writer  *sqlx.DB
	reader  *sqlx.DB
	keyring *crypto.Keyring
}

var _ Store = (*sqlStore)(nil)

// Provide creates the secret store on the shared database pool.
func Provide(pool *db.Pool, keyring *crypto.Keyring) (Store, func() error, error) {
	store := &sqlStore{writer: pool.Writer(), reader: pool.Reader(), keyring: keyring}
	if err := store.initSchema(); err != nil {
		return nil, nil, fmt.Errorf("secrets schema init: %w", err)
	}
	return store, store.Close, nil
}

func (s *sqlStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		env_var     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		ciphertext  BLOB NOT NULL,
		nonce       BLOB NOT NULL,
		key_version INTEGER NOT NULL,
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_secrets_kind ON secrets(kind);
	`
	_, err := s.writer.Exec(schema)
	return err
}

func (s *sqlStore) Close() error {
	// The pool is owned by the caller.
	return nil
}

func (s *sqlStore) Put(ctx context.Context, secret *SecretWithValue) error {
	now := time.Now().UTC()

	ciphertext, nonce, keyVersion, err := s.keyring.Seal(secret.Value)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	secret.KeyVersion = keyVersion
	secret.UpdatedAt = now

	query := s.writer.Rebind(`
		INSERT INTO secrets (id, name, env_var, kind, ciphertext, nonce, key_version, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			env_var = excluded.env_var,
			kind = excluded.kind,
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			key_version = excluded.key_version,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`)
	_, err = s.writer.ExecContext(ctx, query,
		secret.ID, secret.Name, secret.EnvVar, string(secret.Kind),
		ciphertext, nonce, keyVersion, secret.Enabled, now, now,
	)
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (*SecretWithValue, error) {
	var row secretRow
	query := s.reader.Rebind(`
		SELECT id, name, env_var, kind, ciphertext, nonce, key_version, enabled, created_at, updated_at
		FROM secrets WHERE id = ?`)
	if err := s.reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get secret: %w", err)
	}

	plaintext, err := s.keyring.Open(row.Ciphertext, row.Nonce, row.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %s: %w", id, err)
	}

	return &SecretWithValue{Secret: row.toSecret(), Value: plaintext}, nil
}

func (s *sqlStore) List(ctx context.Context) ([]*Secret, error) {
	var rows []secretRow
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT id, name, env_var, kind, key_version, enabled, created_at, updated_at
		FROM secrets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}

	items := make([]*Secret, len(rows))
	for i, r := range rows {
		secret := r.toSecret()
		items[i] = &secret
	}
	return items, nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	query := s.writer.Rebind(`DELETE FROM secrets WHERE id = ?`)
	if _, err := s.writer.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

func (s *sqlStore) Materialize(ctx context.Context, filter MaterializeFilter) (map[string][]byte, error) {
	query := `
		SELECT id, env_var, ciphertext, nonce, key_version
		FROM secrets WHERE enabled = ?`
	args := []any{true}

	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		in, inArgs, err := sqlx.In(` AND kind IN (?)`, kinds)
		if err != nil {
			return nil, fmt.Errorf("materialize filter: %w", err)
		}
		query += in
		args = append(args, inArgs...)
	}

	var rows []secretRow
	if err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("materialize secrets: %w", err)
	}

	env := make(map[string][]byte, len(rows))
	for _, r := range rows {
		plaintext, err := s.keyring.Open(r.Ciphertext, r.Nonce, r.KeyVersion)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %s: %w", r.ID, err)
		}
		env[r.EnvVar] = plaintext
	}
	return env, nil
}

// secretRow is the DB scan target. Ciphertext and Nonce are only
// populated by queries that need decryption.
type secretRow struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	EnvVar     string    `db:"env_var"`
	Kind       string    `db:"kind"`
	Ciphertext []byte    `db:"ciphertext"`
	Nonce      []byte    `db:"nonce"`
	KeyVersion int       `db:"key_version"`
	Enabled    bool      `db:"enabled"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *secretRow) toSecret() Secret {
	return Secret{
		ID:         r.ID,
		Name:       r.Name,
		EnvVar:     r.EnvVar,
		Kind:       Kind(r.Kind),
		Enabled:    r.Enabled,
		KeyVersion: r.KeyVersion,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
