package secrets

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a secret id does not exist.
var ErrNotFound = errors.New("secret not found")

// Store abstracts secret persistence. Implementations encrypt on write
// and decrypt on read; plaintext leaves the store only through Get and
// Materialize.
type Store interface {
	// Put inserts or replaces the secret, re-encrypting with the
	// current key.
	Put(ctx context.Context, secret *SecretWithValue) error

	// Get returns metadata plus decrypted value.
	Get(ctx context.Context, id string) (*SecretWithValue, error)

	// List returns all secret metadata, never values.
	List(ctx context.Context) ([]*Secret, error)

	// Delete removes a secret. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// Materialize decrypts all enabled secrets matching the filter into
	// an envVar -> plaintext map.
	Materialize(ctx context.Context, filter MaterializeFilter) (map[string][]byte, error)

	// Close releases resources.
	Close() error
}
