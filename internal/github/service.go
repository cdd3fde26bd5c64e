package github

import (
	"context"
	"errors"
	"fmt"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/secrets"
)

// ErrNoToken is returned when no github_token secret is stored.
var ErrNoToken = errors.New("no github token configured")

// Service resolves the stored token per request so a rotated secret
// takes effect without a restart.
type Service struct {
	secrets secrets.Store
	logger  *logger.Logger

	// newClient is swappable for tests.
	newClient func(token string) *Client
}

// NewService creates the github service on the secrets store.
func NewService(sec secrets.Store, log *logger.Logger) *Service {
	return &Service{
		secrets:   sec,
		logger:    log,
		newClient: func(token string) *Client { return NewClient(token) },
	}
}

func (s *Service) client(ctx context.Context) (*Client, error) {
	secret, err := s.secrets.Get(ctx, "github_token")
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("load github token: %w", err)
	}
	if len(secret.Value) == 0 || !secret.Enabled {
		return nil, ErrNoToken
	}
	return s.newClient(string(secret.Value)), nil
}

// ListRepos lists repositories visible to the stored token.
func (s *Service) ListRepos(ctx context.Context, query string, limit int) ([]Repo, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.ListRepos(ctx, query, limit)
}
