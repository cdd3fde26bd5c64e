// Package environment manages sandbox environment templates: the
// image, resource tier, and provider type a session is provisioned
// with. At most one template per sandbox type is the default.
package environment

import (
	"errors"
	"time"

	"github.com/relayci/relay/internal/sandbox"
)

var (
	// ErrNotFound is returned for unknown environment ids.
	ErrNotFound = errors.New("environment not found")

	// ErrValidation wraps request validation failures.
	ErrValidation = errors.New("validation")

	// ErrDuplicateDefault is returned when a write would leave two
	// defaults for the same sandbox type.
	ErrDuplicateDefault = errors.New("default environment already exists for sandbox type")
)

// Environment is one provisioning template.
type Environment struct {
	ID          string               `json:"id" db:"id"`
	Name        string               `json:"name" db:"name"`
	Description string               `json:"description,omitempty" db:"description"`
	SandboxType string               `json:"sandboxType" db:"sandbox_type"`
	Image       string               `json:"image,omitempty" db:"image"`
	Tier        sandbox.ResourceTier `json:"tier" db:"tier"`
	IsDefault   bool                 `json:"isDefault" db:"is_default"`
	CreatedAt   time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time            `json:"updatedAt" db:"updated_at"`
}

// WriteRequest is the POST/PUT body for environment templates.
type WriteRequest struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	SandboxType string               `json:"sandboxType"`
	Image       string               `json:"image,omitempty"`
	Tier        sandbox.ResourceTier `json:"tier,omitempty"`
	IsDefault   bool                 `json:"isDefault,omitempty"`
}

var validSandboxTypes = map[string]bool{
	sandbox.TypeMock:      true,
	sandbox.TypeContainer: true,
	sandbox.TypeMicroVM:   true,
}

var validTiers = map[sandbox.ResourceTier]bool{
	sandbox.TierSmall:  true,
	sandbox.TierMedium: true,
	sandbox.TierLarge:  true,
}
