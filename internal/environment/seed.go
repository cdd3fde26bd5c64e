package environment

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/relayci/relay/internal/sandbox"
)

// seedFile is the on-disk shape of the built-in template list.
type seedFile struct {
	Environments []seedEntry `yaml:"environments"`
}

type seedEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	SandboxType string `yaml:"sandboxType"`
	Image       string `yaml:"image"`
	Tier        string `yaml:"tier"`
	Default     bool   `yaml:"default"`
}

// Seed loads built-in templates from a yaml file into an empty table.
// A missing path or an already-populated table is a no-op, so operator
// edits survive restarts.
func (s *Service) Seed(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("no environment seed file", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}

	now := time.Now().UTC()
	for _, entry := range seed.Environments {
		tier := sandbox.ResourceTier(entry.Tier)
		if tier == "" {
			tier = sandbox.TierMedium
		}
		env := &Environment{
			ID:          uuid.New().String(),
			Name:        entry.Name,
			Description: entry.Description,
			SandboxType: entry.SandboxType,
			Image:       entry.Image,
			Tier:        tier,
			IsDefault:   entry.Default,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if !validSandboxTypes[env.SandboxType] || !validTiers[env.Tier] {
			s.logger.Warn("skipping invalid seed entry",
				zap.String("name", entry.Name),
				zap.String("sandbox_type", entry.SandboxType),
				zap.String("tier", entry.Tier))
			continue
		}
		if err := s.store.Insert(ctx, env); err != nil {
			return fmt.Errorf("seed environment %q: %w", entry.Name, err)
		}
	}

	s.logger.Info("seeded environment templates",
		zap.String("path", path),
		zap.Int("count", len(seed.Environments)))
	return nil
}
