package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
)

// MaxValueSize caps a secret value at 1 MiB.
const MaxValueSize = 1 << 20

// ErrValidation wraps request validation failures.
var ErrValidation = errors.New("validation")

// Service provides validation and defaulting on top of the store.
type Service struct {
	store  Store
	logger *logger.Logger
}

// NewService creates a new secrets service.
func NewService(store Store, log *logger.Logger) *Service {
	return &Service{store: store, logger: log}
}

var (
	idRegex     = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	envVarRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// resolve fills metadata defaults for well-known ids and validates the
// result. Free-form ids must declare env_var and kind themselves.
func resolve(id string, req *PutSecretRequest) (*SecretWithValue, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.EnvVar = strings.TrimSpace(req.EnvVar)

	secret := &SecretWithValue{
		Secret: Secret{
			ID:      id,
			Name:    req.Name,
			EnvVar:  req.EnvVar,
			Kind:    req.Kind,
			Enabled: true,
		},
		Value: []byte(req.Value),
	}
	if req.Enabled != nil {
		secret.Enabled = *req.Enabled
	}

	if known, ok := wellKnown[id]; ok {
		if secret.Name == "" {
			secret.Name = known.Name
		}
		if secret.EnvVar == "" {
			secret.EnvVar = known.EnvVar
		}
		if secret.Kind == "" {
			secret.Kind = known.Kind
		}
	}

	if !idRegex.MatchString(id) || len(id) > 100 {
		return nil, fmt.Errorf("id must be lowercase letters, digits, and underscores")
	}
	if secret.Name == "" || len(secret.Name) > 100 {
		return nil, fmt.Errorf("name must be 1-100 characters")
	}
	if !envVarRegex.MatchString(secret.EnvVar) {
		return nil, fmt.Errorf("env_var must be uppercase letters, digits, and underscores (e.g., MY_API_KEY)")
	}
	if !ValidKinds[secret.Kind] {
		return nil, fmt.Errorf("kind must be one of ai_provider, env_var, sandbox_provider")
	}
	if len(secret.Value) == 0 || len(secret.Value) > MaxValueSize {
		return nil, fmt.Errorf("value must be 1 byte to 1 MiB")
	}
	return secret, nil
}

// Put validates the request and upserts the secret.
func (s *Service) Put(ctx context.Context, id string, req *PutSecretRequest) (*Secret, error) {
	secret, err := resolve(id, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := s.store.Put(ctx, secret); err != nil {
		return nil, err
	}
	s.logger.Info("secret stored",
		zap.String("id", secret.ID),
		zap.String("kind", string(secret.Kind)),
		zap.Bool("enabled", secret.Enabled))
	return &secret.Secret, nil
}

// Get returns metadata plus decrypted value.
func (s *Service) Get(ctx context.Context, id string) (*SecretWithValue, error) {
	return s.store.Get(ctx, id)
}

// List returns all secret metadata.
func (s *Service) List(ctx context.Context) ([]*Secret, error) {
	return s.store.List(ctx)
}

// Delete removes a secret. Unknown ids succeed.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("secret deleted", zap.String("id", id))
	return nil
}

// Materialize builds the env block for a sandbox from enabled secrets
// matching the filter.
func (s *Service) Materialize(ctx context.Context, filter MaterializeFilter) (map[string][]byte, error) {
	return s.store.Materialize(ctx, filter)
}
