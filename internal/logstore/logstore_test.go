package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return NewStore(config.SandboxConfig{StateDir: t.TempDir()}, log)
}

func TestWriterCreatesSessionLog(t *testing.T) {
	s := newTestStore(t)

	w := s.Writer("sess-1")
	if _, err := w.Write([]byte("agent crashed\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close("sess-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(s.Path("sess-1"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "agent crashed\n" {
		t.Errorf("log contents = %q", data)
	}
}

func TestWriterIsReusedPerSession(t *testing.T) {
	s := newTestStore(t)
	if s.Writer("sess-1") != s.Writer("sess-1") {
		t.Error("expected the same writer for repeated calls")
	}
	if s.Writer("sess-1") == s.Writer("sess-2") {
		t.Error("expected distinct writers per session")
	}
}

func TestRemoveDeletesLogFiles(t *testing.T) {
	s := newTestStore(t)

	w := s.Writer("sess-1")
	if _, err := w.Write([]byte("noise\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := s.Remove("sess-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(s.Path("sess-1"))); !os.IsNotExist(err) {
		t.Error("log directory still present after Remove")
	}

	// Removing a session that never logged is fine.
	if err := s.Remove("sess-2"); err != nil {
		t.Errorf("Remove on unused session: %v", err)
	}
}

func TestCloseAllIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	s.Writer("sess-1")

	if err := s.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if err := s.CloseAll(); err != nil {
		t.Fatalf("second CloseAll: %v", err)
	}
}
