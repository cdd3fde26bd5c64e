package environment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/db"
	"github.com/relayci/relay/internal/sandbox"
	"github.com/relayci/relay/internal/session"
)

// Service validates and applies environment template writes, and
// resolves templates for session provisioning.
type Service struct {
	store  *Store
	logger *logger.Logger
}

var _ session.EnvironmentLookup = (*Service)(nil)

// NewService creates the environment service.
func NewService(store *Store, log *logger.Logger) *Service {
	return &Service{store: store, logger: log}
}

// Provide wires the service plus its store, seeding built-in templates
// from seedPath when the table is empty.
func Provide(pool *db.Pool, seedPath string, log *logger.Logger) (*Service, error) {
	store, err := NewStore(pool)
	if err != nil {
		return nil, err
	}
	svc := NewService(store, log)
	if err := svc.Seed(context.Background(), seedPath); err != nil {
		return nil, err
	}
	return svc, nil
}

// List returns all templates.
func (s *Service) List(ctx context.Context) ([]*Environment, error) {
	return s.store.List(ctx)
}

// Get returns one template.
func (s *Service) Get(ctx context.Context, id string) (*Environment, error) {
	return s.store.Get(ctx, id)
}

// Create validates and stores a new template.
func (s *Service) Create(ctx context.Context, req *WriteRequest) (*Environment, error) {
	env, err := s.fromRequest(req)
	if err != nil {
		return nil, err
	}
	env.ID = uuid.New().String()
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now

	if err := s.store.Insert(ctx, env); err != nil {
		return nil, err
	}
	s.logger.Info("environment created",
		zap.String("id", env.ID),
		zap.String("sandbox_type", env.SandboxType),
		zap.Bool("default", env.IsDefault))
	return env, nil
}

// Update validates and applies a template write.
func (s *Service) Update(ctx context.Context, id string, req *WriteRequest) (*Environment, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	env, err := s.fromRequest(req)
	if err != nil {
		return nil, err
	}
	env.ID = id
	env.CreatedAt = existing.CreatedAt
	env.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Delete removes a template. Idempotent.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// ForSession resolves the template a session should be provisioned
// with: the named one when environmentID is set, otherwise the default
// for the provider type. No template at all is fine; the provider
// falls back to its configured image and tier.
func (s *Service) ForSession(ctx context.Context, environmentID, providerType string) (session.EnvironmentInfo, error) {
	var env *Environment
	var err error

	if environmentID != "" {
		env, err = s.store.Get(ctx, environmentID)
		if err != nil {
			return session.EnvironmentInfo{}, err
		}
		if env.SandboxType != providerType {
			return session.EnvironmentInfo{}, fmt.Errorf(
				"%w: environment %s targets %s, session uses %s",
				ErrValidation, environmentID, env.SandboxType, providerType)
		}
	} else {
		env, err = s.store.DefaultFor(ctx, providerType)
		if errors.Is(err, ErrNotFound) {
			return session.EnvironmentInfo{}, nil
		}
		if err != nil {
			return session.EnvironmentInfo{}, err
		}
	}

	return session.EnvironmentInfo{
		SandboxType: env.SandboxType,
		Image:       env.Image,
		Tier:        env.Tier,
	}, nil
}

func (s *Service) fromRequest(req *WriteRequest) (*Environment, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !validSandboxTypes[req.SandboxType] {
		return nil, fmt.Errorf("%w: unknown sandbox type %q", ErrValidation, req.SandboxType)
	}

	tier := req.Tier
	if tier == "" {
		tier = sandbox.TierMedium
	}
	if !validTiers[tier] {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrValidation, tier)
	}

	// The mock provider runs in-process; container and microVM need an
	// image to boot.
	if req.SandboxType != sandbox.TypeMock && strings.TrimSpace(req.Image) == "" {
		return nil, fmt.Errorf("%w: image is required for %s environments", ErrValidation, req.SandboxType)
	}

	return &Environment{
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		SandboxType: req.SandboxType,
		Image:       strings.TrimSpace(req.Image),
		Tier:        tier,
		IsDefault:   req.IsDefault,
	}, nil
}
