package docker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/sandbox"
)

func TestMapState(t *testing.T) {
	cases := map[string]sandbox.Status{
		"created":    sandbox.StatusCreating,
		"running":    sandbox.StatusRunning,
		"restarting": sandbox.StatusRunning,
		"paused":     sandbox.StatusPaused,
		"removing":   sandbox.StatusStopping,
		"exited":     sandbox.StatusStopped,
		"dead":       sandbox.StatusStopped,
		"unknown":    sandbox.StatusError,
	}
	for state, want := range cases {
		if got := mapState(state); got != want {
			t.Errorf("mapState(%q) = %s, want %s", state, got, want)
		}
	}
}

func TestTierLimits(t *testing.T) {
	mem, cpu := tierLimits(sandbox.TierSmall, "")
	if mem != 1<<30 || cpu != 100000 {
		t.Errorf("small tier = (%d, %d)", mem, cpu)
	}

	mem, cpu = tierLimits(sandbox.TierLarge, "")
	if mem != 4<<30 || cpu != 400000 {
		t.Errorf("large tier = (%d, %d)", mem, cpu)
	}

	// Empty tier falls back to the configured default.
	mem, _ = tierLimits("", "medium")
	if mem != 2<<30 {
		t.Errorf("default tier memory = %d, want %d", mem, 2<<30)
	}
}

func TestBuildEnvKeepsSecretsOut(t *testing.T) {
	env := buildEnv(sandbox.CreateOptions{
		SessionID: "sess-1",
		Env:       map[string]string{"B": "2", "A": "1"},
		Secrets:   map[string]string{"ANTHROPIC_API_KEY": "sk-secret"},
	})

	want := []string{"A=1", "B=2", "RELAY_SESSION_ID=sess-1"}
	if len(env) != len(want) {
		t.Fatalf("env = %v, want %v", env, want)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
	for _, e := range env {
		if strings.Contains(e, "sk-secret") {
			t.Errorf("secret leaked into container env: %q", e)
		}
	}
}

func TestWorkspaceCredentialLifecycle(t *testing.T) {
	cfg := config.SandboxConfig{StateDir: t.TempDir()}
	ws := newWorkspace(cfg, "sess-1")
	if err := ws.ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	secrets := map[string]string{
		"OPENAI_API_KEY":    "sk-b",
		"ANTHROPIC_API_KEY": "sk-a",
	}
	if err := ws.writeCredentials(secrets, "ghp_token"); err != nil {
		t.Fatalf("writeCredentials: %v", err)
	}

	path := filepath.Join(ws.agentDir(), credentialsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "ANTHROPIC_API_KEY=sk-a\nGIT_TOKEN=ghp_token\nOPENAI_API_KEY=sk-b\n"
	if string(data) != want {
		t.Errorf("credentials = %q, want %q", data, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("credentials mode = %v, want 0600", info.Mode().Perm())
	}

	if err := ws.removeCredentials(); err != nil {
		t.Fatalf("removeCredentials: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("credentials file still present after remove")
	}
	// Removing again is fine.
	if err := ws.removeCredentials(); err != nil {
		t.Errorf("second removeCredentials: %v", err)
	}
}

func TestCloneRepoSkipsExistingCheckout(t *testing.T) {
	target := t.TempDir()
	if err := os.MkdirAll(filepath.Join(target, ".git"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	// An existing checkout returns without shelling out, so a bogus
	// URL must not produce an error.
	err := cloneRepo(context.Background(), newTestLogger(t), "https://invalid.example/repo.git", "", "", target)
	if err != nil {
		t.Errorf("cloneRepo on existing checkout: %v", err)
	}
}
