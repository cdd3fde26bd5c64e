// Package main is the relay server entry point. One binary carries the
// REST API, the WebSocket gateway, and the sandbox providers behind a
// shared SQLite (or Postgres) store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/common/tracing"
	"github.com/relayci/relay/internal/crypto"
	"github.com/relayci/relay/internal/db"
	"github.com/relayci/relay/internal/environment"
	"github.com/relayci/relay/internal/events"
	"github.com/relayci/relay/internal/github"
	"github.com/relayci/relay/internal/journal"
	"github.com/relayci/relay/internal/logstore"
	"github.com/relayci/relay/internal/sandbox"
	"github.com/relayci/relay/internal/sandbox/docker"
	"github.com/relayci/relay/internal/sandbox/microvm"
	"github.com/relayci/relay/internal/sandbox/mock"
	"github.com/relayci/relay/internal/secrets"
	"github.com/relayci/relay/internal/session"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("relay exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting relay...",
		zap.String("default_provider", cfg.Sandbox.DefaultProvider),
		zap.String("state_dir", cfg.Sandbox.StateDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ============================================
	// SHARED INFRASTRUCTURE
	// ============================================

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer busCleanup()
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	pool, dbCleanup, err := db.Provide(cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer dbCleanup()
	log.Info("Database initialized", zap.String("driver", cfg.Database.Driver))

	journalStore, journalCleanup, err := journal.Provide(pool)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer journalCleanup()

	pruner := journal.NewPruner(journalStore,
		cfg.Session.RetentionDuration(),
		cfg.Session.PruneIntervalDuration(),
		log)
	pruner.Start(ctx)
	defer pruner.Stop()

	logs, logsCleanup, err := logstore.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("log store: %w", err)
	}
	defer logsCleanup()

	// ============================================
	// SANDBOX PROVIDERS
	// ============================================

	manager := sandbox.NewManager(cfg.Sandbox.DefaultProvider, log)
	manager.Register(mock.NewProvider(log))

	if cfg.Docker.Enabled {
		containerProvider, err := docker.NewProvider(cfg.Docker, cfg.Sandbox, logs, log)
		if err != nil {
			log.Warn("Container provider disabled - Docker client init failed", zap.Error(err))
		} else {
			defer containerProvider.Close()
			manager.Register(containerProvider)
			if !containerProvider.IsAvailable(ctx) {
				log.Warn("Docker daemon not reachable - container sandboxes will fail until it returns",
					zap.String("host", cfg.Docker.Host))
			}
		}
	}

	if cfg.MicroVM.Enabled {
		manager.Register(microvm.NewProvider(cfg.MicroVM, cfg.Sandbox, logs, log))
	}

	if _, err := manager.Provider(cfg.Sandbox.DefaultProvider); err != nil {
		log.Warn("Default sandbox provider is not registered; session creation with it will fail",
			zap.String("provider", cfg.Sandbox.DefaultProvider))
	}

	// Collect sandboxes orphaned by a previous relay process.
	if result := manager.CleanupAll(ctx); result.Removed > 0 {
		log.Info("Orphaned sandboxes cleaned up", zap.Int("removed", result.Removed))
	}

	// ============================================
	// SERVICES
	// ============================================

	keyring, err := crypto.Load(cfg.Encryption.KeyFile)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	secretStore, secretsCleanup, err := secrets.Provide(pool, keyring)
	if err != nil {
		return fmt.Errorf("secrets store: %w", err)
	}
	defer secretsCleanup()
	secretsSvc := secrets.NewService(secretStore, log)

	envSvc, err := environment.Provide(pool, filepath.Join(cfg.Sandbox.StateDir, "environments.yaml"), log)
	if err != nil {
		return fmt.Errorf("environments: %w", err)
	}

	sessions, sessionsCleanup, err := session.Provide(pool, journalStore, secretStore, envSvc, manager, providedBus.Bus, logs, cfg, log)
	if err != nil {
		return fmt.Errorf("session service: %w", err)
	}

	githubSvc := github.NewService(secretStore, log)

	// ============================================
	// HTTP SERVER
	// ============================================

	router := newRouter(cfg, log, routerDeps{
		sessions:     sessions,
		secrets:      secretsSvc,
		environments: envSvc,
		github:       githubSvc,
		manager:      manager,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("Relay listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws/sessions/:id"),
			zap.String("api", "/api"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutting down relay...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	err = group.Wait()

	// Detach supervisors before removing sandboxes so the reattach loop
	// does not race freshly terminated containers.
	if cerr := sessionsCleanup(); cerr != nil {
		log.Error("Session service shutdown error", zap.Error(cerr))
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if terr := tracing.Shutdown(cleanupCtx); terr != nil {
		log.Warn("Tracing shutdown error", zap.Error(terr))
	}

	log.Info("Relay stopped")
	return err
}
