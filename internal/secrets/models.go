package secrets

import "time"

// Kind classifies what a secret is for. It drives materialization
// filters when building the env block for a sandbox.
type Kind string

const (
	KindAIProvider      Kind = "ai_provider"
	KindEnvVar          Kind = "env_var"
	KindSandboxProvider Kind = "sandbox_provider"
)

// ValidKinds is the set of allowed kinds.
var ValidKinds = map[Kind]bool{
	KindAIProvider:      true,
	KindEnvVar:          true,
	KindSandboxProvider: true,
}

// wellKnown maps reserved secret ids to their fixed metadata. Clients
// may store these without supplying env_var or kind.
var wellKnown = map[string]struct {
	Name   string
	EnvVar string
	Kind   Kind
}{
	"anthropic_api_key": {Name: "Anthropic API Key", EnvVar: "ANTHROPIC_API_KEY", Kind: KindAIProvider},
	"openai_api_key":    {Name: "OpenAI API Key", EnvVar: "OPENAI_API_KEY", Kind: KindAIProvider},
	"github_token":      {Name: "GitHub Token", EnvVar: "GITHUB_TOKEN", Kind: KindEnvVar},
}

// Secret is stored secret metadata. The value never appears here.
type Secret struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	EnvVar     string    `json:"env_var" db:"env_var"`
	Kind       Kind      `json:"kind" db:"kind"`
	Enabled    bool      `json:"enabled" db:"enabled"`
	KeyVersion int       `json:"-" db:"key_version"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// SecretWithValue carries the decrypted value alongside metadata. Used
// on the way into Put and out of Get; never serialized to list
// responses.
type SecretWithValue struct {
	Secret
	Value []byte `json:"value,omitempty"`
}

// PutSecretRequest is the request body for PUT /api/secrets/:id.
// The id comes from the URL; name, env_var, and kind may be omitted for
// well-known ids.
type PutSecretRequest struct {
	Name    string `json:"name,omitempty"`
	EnvVar  string `json:"env_var,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
	Value   string `json:"value"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// MaterializeFilter selects which secrets are decrypted into a sandbox
// env block. Empty Kinds means all kinds.
type MaterializeFilter struct {
	Kinds []Kind
}
