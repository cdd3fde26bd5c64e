package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/crypto"
	"github.com/relayci/relay/internal/db"
	"github.com/relayci/relay/internal/environment"
	"github.com/relayci/relay/internal/events/bus"
	"github.com/relayci/relay/internal/github"
	"github.com/relayci/relay/internal/journal"
	"github.com/relayci/relay/internal/logstore"
	"github.com/relayci/relay/internal/sandbox"
	"github.com/relayci/relay/internal/sandbox/mock"
	"github.com/relayci/relay/internal/secrets"
	"github.com/relayci/relay/internal/session"
	"github.com/relayci/relay/pkg/wire"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	dir := t.TempDir()
	pool, cleanup, err := db.Provide(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(dir, "relay.db"),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = cleanup() })

	j, closeJournal, err := journal.Provide(pool)
	if err != nil {
		t.Fatalf("journal.Provide: %v", err)
	}
	t.Cleanup(func() { _ = closeJournal() })

	keyring, err := crypto.Load(filepath.Join(dir, "relay.key"))
	if err != nil {
		t.Fatalf("crypto.Load: %v", err)
	}
	secretStore, closeSecrets, err := secrets.Provide(pool, keyring)
	if err != nil {
		t.Fatalf("secrets.Provide: %v", err)
	}
	t.Cleanup(func() { _ = closeSecrets() })

	envSvc, err := environment.Provide(pool, "", log)
	if err != nil {
		t.Fatalf("environment.Provide: %v", err)
	}

	manager := sandbox.NewManager(sandbox.TypeMock, log)
	manager.Register(mock.NewProvider(log))

	cfg := &config.Config{
		Logging: config.LoggingConfig{Level: "error"},
		Sandbox: config.SandboxConfig{
			DefaultProvider:  sandbox.TypeMock,
			StateDir:         dir,
			ProvisionTimeout: 10,
		},
		Session: config.SessionConfig{
			RPCTimeout:       5,
			SubscriberBuffer: 32,
			ReattachRetries:  1,
		},
	}
	logs := logstore.NewStore(cfg.Sandbox, log)
	t.Cleanup(func() { _ = logs.CloseAll() })

	sessions, closeSessions, err := session.Provide(pool, j, secretStore, envSvc, manager, bus.NewMemoryEventBus(log), logs, cfg, log)
	if err != nil {
		t.Fatalf("session.Provide: %v", err)
	}
	t.Cleanup(func() { _ = closeSessions() })

	return newRouter(cfg, log, routerDeps{
		sessions:     sessions,
		secrets:      secrets.NewService(secretStore, log),
		environments: envSvc,
		github:       github.NewService(secretStore, log),
		manager:      manager,
	})
}

// getEnvelope fetches a path and decodes the {data, error} body.
func getEnvelope(t *testing.T, router http.Handler, path string) (int, wire.Envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(rec, req)

	var env wire.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal %s body %s: %v", path, rec.Body.Bytes(), err)
	}
	return rec.Code, env
}

func TestHealthEnvelope(t *testing.T) {
	router := newTestRouter(t)

	code, env := getEnvelope(t, router, "/health")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if env.Error != nil {
		t.Fatalf("error = %+v, want nil", env.Error)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T %v", env.Data, env.Data)
	}
	if data["ok"] != true {
		t.Errorf("ok = %v, want true", data["ok"])
	}
	if data["version"] != version {
		t.Errorf("version = %v, want %q", data["version"], version)
	}
}

func TestProvidersEnvelope(t *testing.T) {
	router := newTestRouter(t)

	code, env := getEnvelope(t, router, "/api/providers")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if env.Error != nil {
		t.Fatalf("error = %+v, want nil", env.Error)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T %v", env.Data, env.Data)
	}
	if data["defaultProvider"] != sandbox.TypeMock {
		t.Errorf("defaultProvider = %v, want %q", data["defaultProvider"], sandbox.TypeMock)
	}
	providers, ok := data["providers"].(map[string]any)
	if !ok {
		t.Fatalf("providers = %T %v", data["providers"], data["providers"])
	}
	status, ok := providers[sandbox.TypeMock].(map[string]any)
	if !ok {
		t.Fatalf("mock status = %v", providers[sandbox.TypeMock])
	}
	if status["enabled"] != true || status["available"] != true {
		t.Errorf("mock status = %v", status)
	}
}
