package microvm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/logstore"
	"github.com/relayci/relay/internal/sandbox"
)

// echoMonitor is a stand-in monitor binary: it echoes one JSON event
// per stdin line, which is all the provider contract needs.
const echoMonitor = `#!/bin/sh
while read line; do
  echo "{\"type\":\"echo\"}"
done
`

func newTestProvider(t *testing.T) *Provider {
	t.Helper()

	dir := t.TempDir()
	monitor := filepath.Join(dir, "vmmonitor")
	if err := os.WriteFile(monitor, []byte(echoMonitor), 0o755); err != nil {
		t.Fatalf("write monitor script: %v", err)
	}
	kernel := filepath.Join(dir, "vmlinux")
	rootfs := filepath.Join(dir, "rootfs.img")
	for _, f := range []string{kernel, rootfs} {
		if err := os.WriteFile(f, []byte("image"), 0o644); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	sandboxCfg := config.SandboxConfig{StateDir: t.TempDir()}
	return NewProvider(
		config.MicroVMConfig{Enabled: true, MonitorPath: monitor, KernelImage: kernel, RootFSImage: rootfs},
		sandboxCfg,
		logstore.NewStore(sandboxCfg, log),
		log,
	)
}

func TestIsAvailableRequiresMonitorAndImages(t *testing.T) {
	p := newTestProvider(t)
	if !p.IsAvailable(context.Background()) {
		t.Fatal("expected provider to be available")
	}

	missing := NewProvider(
		config.MicroVMConfig{MonitorPath: "/nonexistent/vmmonitor"},
		p.sandboxCfg, p.logs, p.logger,
	)
	if missing.IsAvailable(context.Background()) {
		t.Error("expected provider without a monitor binary to be unavailable")
	}
}

func TestCreateAttachRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	handle, err := p.CreateSandbox(ctx, sandbox.CreateOptions{
		SessionID: "sess-1",
		Secrets:   map[string]string{"API_KEY": "sk-test"},
	})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if handle.Status() != sandbox.StatusRunning {
		t.Fatalf("status = %s, want running", handle.Status())
	}

	ch, err := handle.Attach(ctx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	got := make(chan map[string]any, 1)
	ch.OnMessage(func(line []byte) {
		var msg map[string]any
		if json.Unmarshal(line, &msg) == nil {
			select {
			case got <- msg:
			default:
			}
		}
	})

	if err := ch.Send([]byte(`{"type":"prompt"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-got:
		if msg["type"] != "echo" {
			t.Errorf("unexpected message: %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from monitor process")
	}

	// Credentials were materialized on the agent share.
	credPath := filepath.Join(p.sandboxCfg.SessionDir("sess-1"), "agent", credentialsFile)
	if _, err := os.Stat(credPath); err != nil {
		t.Errorf("credentials file missing: %v", err)
	}

	if err := handle.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if handle.Status() != sandbox.StatusStopped {
		t.Errorf("status after terminate = %s", handle.Status())
	}
	if _, err := os.Stat(credPath); !os.IsNotExist(err) {
		t.Error("credentials still on disk after terminate")
	}
	if _, err := p.GetSandbox(ctx, handle.ProviderID()); err == nil {
		t.Error("expected terminated sandbox to be forgotten")
	}
}

func TestPauseStopsMonitorAndResumeReboots(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	handle, err := p.CreateSandbox(ctx, sandbox.CreateOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}

	if err := handle.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if handle.Status() != sandbox.StatusPaused {
		t.Fatalf("status = %s, want paused", handle.Status())
	}

	credPath := filepath.Join(p.sandboxCfg.SessionDir("sess-1"), "agent", credentialsFile)
	if _, err := os.Stat(credPath); !os.IsNotExist(err) {
		t.Error("credentials still on disk while paused")
	}

	if err := handle.Resume(ctx, map[string]string{"API_KEY": "fresh"}, ""); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if handle.Status() != sandbox.StatusRunning {
		t.Fatalf("status = %s, want running", handle.Status())
	}

	data, err := os.ReadFile(credPath)
	if err != nil {
		t.Fatalf("credentials missing after resume: %v", err)
	}
	if string(data) != "API_KEY=fresh\n" {
		t.Errorf("credentials = %q", data)
	}

	if err := handle.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
}

func TestMonitorCrashMarksSandboxErrored(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	handle, err := p.CreateSandbox(ctx, sandbox.CreateOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	ch, err := handle.Attach(ctx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	closed := make(chan string, 1)
	ch.OnClose(func(reason string) { closed <- reason })

	// Closing stdin makes the echo loop exit, simulating a crash.
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if handle.Status() == sandbox.StatusError {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if handle.Status() != sandbox.StatusError {
		t.Fatalf("status = %s, want error after monitor exit", handle.Status())
	}
}
