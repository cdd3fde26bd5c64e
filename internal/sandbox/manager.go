package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
)

// ProviderStatus surfaces daemon health per provider type.
type ProviderStatus struct {
	Enabled      bool         `json:"enabled"`
	Available    bool         `json:"available"`
	Capabilities Capabilities `json:"capabilities"`
}

// Manager is the multi-provider registry. Providers are registered at
// startup and held read-only afterwards; the manager keeps no session
// state in memory, the database is the source of truth.
type Manager struct {
	providers   map[string]Provider
	defaultType string
	logger      *logger.Logger
}

// NewManager creates an empty registry with the given default type.
func NewManager(defaultType string, log *logger.Logger) *Manager {
	return &Manager{
		providers:   make(map[string]Provider),
		defaultType: defaultType,
		logger:      log,
	}
}

// Register adds a provider. Called only during startup wiring.
func (m *Manager) Register(p Provider) {
	m.providers[p.Type()] = p
	m.logger.Info("sandbox provider registered",
		zap.String("provider", p.Type()),
		zap.Bool("lossless_pause", p.Capabilities().LosslessPause))
}

// DefaultType returns the configured default provider type.
func (m *Manager) DefaultType() string {
	return m.defaultType
}

// Provider returns the provider for a type tag.
func (m *Manager) Provider(providerType string) (Provider, error) {
	p, ok := m.providers[providerType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider type %q", ErrProviderUnavailable, providerType)
	}
	return p, nil
}

// CreateForSession provisions a sandbox, picking the default provider
// when providerType is empty. Fails fast when the provider's daemon is
// unreachable so no session row is left dangling.
func (m *Manager) CreateForSession(ctx context.Context, opts CreateOptions, providerType string) (Handle, error) {
	if providerType == "" {
		providerType = m.defaultType
	}
	p, err := m.Provider(providerType)
	if err != nil {
		return nil, err
	}
	if !p.IsAvailable(ctx) {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, providerType)
	}
	return p.CreateSandbox(ctx, opts)
}

// GetHandle routes to the provider for the (type, id) pair.
func (m *Manager) GetHandle(ctx context.Context, providerType, providerID string) (Handle, error) {
	p, err := m.Provider(providerType)
	if err != nil {
		return nil, err
	}
	return p.GetSandbox(ctx, providerID)
}

// ResumeSession fetches the handle and resumes it.
func (m *Manager) ResumeSession(ctx context.Context, providerType, providerID string, secrets map[string]string, repoToken string) (Handle, error) {
	handle, err := m.GetHandle(ctx, providerType, providerID)
	if err != nil {
		return nil, err
	}
	if err := handle.Resume(ctx, secrets, repoToken); err != nil {
		return nil, err
	}
	return handle, nil
}

// AttachSession fetches the handle and attaches a fresh channel.
func (m *Manager) AttachSession(ctx context.Context, providerType, providerID string) (Handle, Channel, error) {
	handle, err := m.GetHandle(ctx, providerType, providerID)
	if err != nil {
		return nil, nil, err
	}
	channel, err := handle.Attach(ctx)
	if err != nil {
		return nil, nil, err
	}
	return handle, channel, nil
}

// Terminate tears down the sandbox. A missing sandbox is treated as
// already terminated.
func (m *Manager) Terminate(ctx context.Context, providerType, providerID string) error {
	handle, err := m.GetHandle(ctx, providerType, providerID)
	if err != nil {
		if errors.Is(err, ErrSandboxNotFound) {
			return nil
		}
		return err
	}
	return handle.Terminate(ctx)
}

// ProviderStatuses reports health per registered provider type.
func (m *Manager) ProviderStatuses(ctx context.Context) map[string]ProviderStatus {
	statuses := make(map[string]ProviderStatus, len(m.providers))
	for name, p := range m.providers {
		statuses[name] = ProviderStatus{
			Enabled:      true,
			Available:    p.IsAvailable(ctx),
			Capabilities: p.Capabilities(),
		}
	}
	return statuses
}

// CleanupAll runs GC across all providers and merges the results.
func (m *Manager) CleanupAll(ctx context.Context) CleanupResult {
	var total CleanupResult
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result, err := m.providers[name].Cleanup(ctx)
		if err != nil {
			m.logger.Warn("provider cleanup failed",
				zap.String("provider", name),
				zap.Error(err))
			continue
		}
		total.Removed += result.Removed
		total.Artifacts = append(total.Artifacts, result.Artifacts...)
	}
	return total
}
