// Package logstore captures per-session agent stderr into rolling
// files on the host. Stderr is diagnostics only and is never mixed
// into the session event stream; operators read it straight off disk.
package logstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/logger"
)

const (
	maxSizeMB  = 5
	maxBackups = 3
)

// Store hands out one rolling stderr writer per session. Writers are
// created lazily on first use and live under the session's state
// directory so Remove can take the whole tree in one pass.
type Store struct {
	cfg    config.SandboxConfig
	logger *logger.Logger

	mu      sync.Mutex
	writers map[string]*lumberjack.Logger
}

// NewStore creates a log store rooted at the sandbox state directory.
func NewStore(cfg config.SandboxConfig, log *logger.Logger) *Store {
	return &Store{
		cfg:     cfg,
		logger:  log,
		writers: make(map[string]*lumberjack.Logger),
	}
}

// Provide wires the store into startup and returns its cleanup.
func Provide(cfg *config.Config, log *logger.Logger) (*Store, func() error, error) {
	store := NewStore(cfg.Sandbox, log)
	return store, store.CloseAll, nil
}

// Path returns the session's stderr log path.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.cfg.SessionDir(sessionID), "agent", "stderr.log")
}

// Writer returns the rolling writer for a session, creating it on
// first call. The writer is safe for concurrent use.
func (s *Store) Writer(sessionID string) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writers[sessionID]; ok {
		return w
	}
	w := &lumberjack.Logger{
		Filename:   s.Path(sessionID),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   false,
	}
	s.writers[sessionID] = w
	return w
}

// Close flushes and closes the session's writer. Safe to call for a
// session that never wrote anything.
func (s *Store) Close(sessionID string) error {
	s.mu.Lock()
	w, ok := s.writers[sessionID]
	delete(s.writers, sessionID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return w.Close()
}

// Remove closes the writer and deletes the session's log files,
// including rotated backups. Called when the session is deleted.
func (s *Store) Remove(sessionID string) error {
	if err := s.Close(sessionID); err != nil {
		return fmt.Errorf("close stderr log: %w", err)
	}
	dir := filepath.Dir(s.Path(sessionID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove stderr logs: %w", err)
	}
	return nil
}

// CloseAll closes every open writer. Called during shutdown.
func (s *Store) CloseAll() error {
	s.mu.Lock()
	writers := s.writers
	s.writers = make(map[string]*lumberjack.Logger)
	s.mu.Unlock()

	var firstErr error
	for id, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close stderr log for %s: %w", id, err)
		}
	}
	return firstErr
}
