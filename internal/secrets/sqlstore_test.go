package secrets

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/crypto"
	"github.com/relayci/relay/internal/db"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	pool, cleanup, err := db.Provide(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "relay.db"),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = cleanup() })

	key := make([]byte, crypto.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyring, err := crypto.NewKeyring(key)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	store, closeStore, err := Provide(pool, keyring)
	if err != nil {
		t.Fatalf("Provide: %v", err)
	}
	t.Cleanup(func() { _ = closeStore() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	value := make([]byte, 1<<20) // 1 MiB of random bytes
	if _, err := io.ReadFull(rand.Reader, value); err != nil {
		t.Fatalf("generate value: %v", err)
	}

	err := store.Put(ctx, &SecretWithValue{
		Secret: Secret{ID: "anthropic_api_key", Name: "Anthropic API Key", EnvVar: "ANTHROPIC_API_KEY", Kind: KindAIProvider, Enabled: true},
		Value:  value,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "anthropic_api_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Value, value) {
		t.Errorf("value mismatch: %d bytes in, %d bytes out", len(value), len(got.Value))
	}
	if got.Kind != KindAIProvider || got.EnvVar != "ANTHROPIC_API_KEY" {
		t.Errorf("metadata mismatch: %+v", got.Secret)
	}
}

func TestPutReplacesOnConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"first", "second"} {
		err := store.Put(ctx, &SecretWithValue{
			Secret: Secret{ID: "github_token", Name: "GitHub Token", EnvVar: "GITHUB_TOKEN", Kind: KindEnvVar, Enabled: true},
			Value:  []byte(v),
		})
		if err != nil {
			t.Fatalf("Put %q: %v", v, err)
		}
	}

	got, err := store.Get(ctx, "github_token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != "second" {
		t.Errorf("expected replaced value %q, got %q", "second", got.Value)
	}

	items, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 secret after upsert, got %d", len(items))
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Put(ctx, &SecretWithValue{
		Secret: Secret{ID: "my_key", Name: "My Key", EnvVar: "MY_KEY", Kind: KindEnvVar, Enabled: true},
		Value:  []byte("v"),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := store.Delete(ctx, "my_key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "my_key"); err != nil {
		t.Errorf("second Delete should succeed, got %v", err)
	}
	if _, err := store.Get(ctx, "my_key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMaterializeFiltersByEnabledAndKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []*SecretWithValue{
		{Secret: Secret{ID: "anthropic_api_key", Name: "Anthropic", EnvVar: "ANTHROPIC_API_KEY", Kind: KindAIProvider, Enabled: true}, Value: []byte("sk-ant")},
		{Secret: Secret{ID: "openai_api_key", Name: "OpenAI", EnvVar: "OPENAI_API_KEY", Kind: KindAIProvider, Enabled: false}, Value: []byte("sk-oai")},
		{Secret: Secret{ID: "github_token", Name: "GitHub", EnvVar: "GITHUB_TOKEN", Kind: KindEnvVar, Enabled: true}, Value: []byte("ghp")},
		{Secret: Secret{ID: "fly_token", Name: "Fly", EnvVar: "FLY_API_TOKEN", Kind: KindSandboxProvider, Enabled: true}, Value: []byte("fly")},
	}
	for _, s := range seed {
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put %s: %v", s.ID, err)
		}
	}

	// Unfiltered: all enabled secrets, disabled ones excluded.
	env, err := store.Materialize(ctx, MaterializeFilter{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(env) != 3 {
		t.Errorf("expected 3 enabled secrets, got %d: %v", len(env), envKeys(env))
	}
	if _, ok := env["OPENAI_API_KEY"]; ok {
		t.Error("disabled secret must not materialize")
	}

	// Kind filter.
	env, err = store.Materialize(ctx, MaterializeFilter{Kinds: []Kind{KindAIProvider, KindEnvVar}})
	if err != nil {
		t.Fatalf("Materialize with filter: %v", err)
	}
	if len(env) != 2 {
		t.Errorf("expected 2 secrets for kind filter, got %d: %v", len(env), envKeys(env))
	}
	if string(env["ANTHROPIC_API_KEY"]) != "sk-ant" || string(env["GITHUB_TOKEN"]) != "ghp" {
		t.Errorf("unexpected materialized values: %v", envKeys(env))
	}
}

func TestListNeverReturnsValues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Put(ctx, &SecretWithValue{
		Secret: Secret{ID: "my_key", Name: "My Key", EnvVar: "MY_KEY", Kind: KindEnvVar, Enabled: true},
		Value:  []byte("plaintext"),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	items, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 secret, got %d", len(items))
	}
	if items[0].KeyVersion != 1 {
		t.Errorf("expected key version 1, got %d", items[0].KeyVersion)
	}
}

func envKeys(env map[string][]byte) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	return keys
}
