package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	pool, cleanup, err := db.Provide(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "relay.db"),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = cleanup() })

	store, err := NewStore(pool)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func newTestSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		Mode:           ModeChat,
		Status:         StatusCreating,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession("s1")
	sess.Name = "debug the flaky test"
	sess.ModelProvider = "anthropic"
	sess.ModelID = "claude-3"
	if err := store.Insert(ctx, sess); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "debug the flaky test" || got.Mode != ModeChat || got.Status != StatusCreating {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.Model() == nil || got.Model().ModelID != "claude-3" {
		t.Errorf("model preference lost: %+v", got.Model())
	}
	if got.Binding() != nil {
		t.Errorf("expected no binding before provisioning, got %+v", got.Binding())
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: want ErrNotFound, got %v", err)
	}
}

func TestTransitionIsOptimistic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, newTestSession("s1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.BindSandbox(ctx, "s1", SandboxBinding{ProviderType: "mock", ProviderID: "mock-s1"}); err != nil {
		t.Fatalf("BindSandbox: %v", err)
	}

	// ready -> running succeeds once.
	if err := store.Transition(ctx, "s1", StatusRunning, StatusReady); err != nil {
		t.Fatalf("Transition ready->running: %v", err)
	}
	// A second attempt loses the optimistic check.
	if err := store.Transition(ctx, "s1", StatusRunning, StatusReady); !errors.Is(err, ErrConflict) {
		t.Errorf("repeat transition: want ErrConflict, got %v", err)
	}
	// Invalid edges are rejected before touching the database.
	if err := store.Transition(ctx, "s1", StatusReady, StatusRunning); !errors.Is(err, ErrConflict) {
		t.Errorf("invalid edge: want ErrConflict, got %v", err)
	}
	// Unknown id distinguishes from a status conflict.
	if err := store.Transition(ctx, "missing", StatusStopped, StatusRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: want ErrNotFound, got %v", err)
	}
}

func TestBindSandboxRequiresCreating(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, newTestSession("s1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	binding := SandboxBinding{ProviderType: "mock", ProviderID: "mock-s1", ImageDigest: "sha256:abc"}
	if err := store.BindSandbox(ctx, "s1", binding); err != nil {
		t.Fatalf("BindSandbox: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusReady {
		t.Errorf("status after bind = %s, want %s", got.Status, StatusReady)
	}
	b := got.Binding()
	if b == nil || b.ProviderID != "mock-s1" || b.ImageDigest != "sha256:abc" {
		t.Errorf("binding = %+v", b)
	}

	// Session is no longer creating; a late bind loses.
	if err := store.BindSandbox(ctx, "s1", binding); !errors.Is(err, ErrConflict) {
		t.Errorf("late bind: want ErrConflict, got %v", err)
	}
}

func TestMarkDeletedHidesRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, newTestSession("s1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Only stopped sessions can be deleted.
	if err := store.MarkDeleted(ctx, "s1"); !errors.Is(err, ErrConflict) {
		t.Errorf("delete creating: want ErrConflict, got %v", err)
	}

	if err := store.Transition(ctx, "s1", StatusStopped, StatusCreating); err != nil {
		t.Fatalf("Transition to stopped: %v", err)
	}
	if err := store.MarkDeleted(ctx, "s1"); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get deleted: want ErrNotFound, got %v", err)
	}
	sessions, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("deleted session still listed: %+v", sessions)
	}
}

func TestBindingUniqueAcrossSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		if err := store.Insert(ctx, newTestSession(id)); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}
	binding := SandboxBinding{ProviderType: "mock", ProviderID: "mock-shared"}
	if err := store.BindSandbox(ctx, "s1", binding); err != nil {
		t.Fatalf("BindSandbox s1: %v", err)
	}
	if err := store.BindSandbox(ctx, "s2", binding); err == nil {
		t.Error("expected unique index violation binding the same sandbox twice")
	}
}

func TestSetNameIfEmptyKeepsUserName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	named := newTestSession("named")
	named.Name = "my session"
	if err := store.Insert(ctx, named); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(ctx, newTestSession("anon")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	for _, id := range []string{"named", "anon"} {
		if err := store.SetNameIfEmpty(ctx, id, "derived"); err != nil {
			t.Fatalf("SetNameIfEmpty %s: %v", id, err)
		}
	}

	got, _ := store.Get(ctx, "named")
	if got.Name != "my session" {
		t.Errorf("user name overwritten: %q", got.Name)
	}
	got, _ = store.Get(ctx, "anon")
	if got.Name != "derived" {
		t.Errorf("derived name not set: %q", got.Name)
	}
}
