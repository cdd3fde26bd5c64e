// Package session implements the session service: the lifecycle state
// machine, the channel supervisor bridging clients to the sandboxed
// agent, and the per-session journal broadcaster.
package session

import (
	"time"
)

// Mode distinguishes plain chat sessions from repo-bound code
// sessions.
type Mode string

const (
	ModeChat Mode = "chat"
	ModeCode Mode = "code"
)

// Status is the session state machine:
// creating -> ready -> running <-> paused -> stopped -> deleted, with
// error reachable from any non-terminal state.
type Status string

const (
	StatusCreating Status = "creating"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusDeleted  Status = "deleted"
)

var validTransitions = map[Status][]Status{
	StatusCreating: {StatusReady, StatusStopped, StatusError},
	StatusReady:    {StatusRunning, StatusStopped, StatusError},
	StatusRunning:  {StatusPaused, StatusStopped, StatusError},
	StatusPaused:   {StatusRunning, StatusStopped, StatusError},
	StatusStopped:  {StatusDeleted},
	StatusError:    {StatusStopped},
	StatusDeleted:  {},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SandboxBinding ties a session to its provisioned sandbox. Present
// iff the session is in ready, running, or paused.
type SandboxBinding struct {
	ProviderType string `json:"providerType"`
	ProviderID   string `json:"providerId"`
	ImageDigest  string `json:"imageDigest,omitempty"`
}

// ModelPreference selects the AI model the agent should use.
type ModelPreference struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// Session is the central entity binding a client conversation to an
// agent sandbox.
type Session struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Mode           Mode      `json:"mode" db:"mode"`
	Status         Status    `json:"status" db:"status"`
	RepoID         string    `json:"repoId,omitempty" db:"repo_id"`
	RepoBranch     string    `json:"repoBranch,omitempty" db:"repo_branch"`
	EnvironmentID  string    `json:"environmentId,omitempty" db:"environment_id"`
	ModelProvider  string    `json:"modelProvider,omitempty" db:"model_provider"`
	ModelID        string    `json:"modelId,omitempty" db:"model_id"`
	SystemPrompt   string    `json:"systemPrompt,omitempty" db:"system_prompt"`
	ProviderType   string    `json:"-" db:"provider_type"`
	SandboxID      string    `json:"-" db:"provider_sandbox_id"`
	ImageDigest    string    `json:"-" db:"image_digest"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	LastActivityAt time.Time `json:"lastActivityAt" db:"last_activity_at"`

	// WSEndpoint is derived, not stored.
	WSEndpoint string `json:"wsEndpoint,omitempty" db:"-"`
}

// Binding returns the sandbox binding, or nil when unbound.
func (s *Session) Binding() *SandboxBinding {
	if s.SandboxID == "" {
		return nil
	}
	return &SandboxBinding{
		ProviderType: s.ProviderType,
		ProviderID:   s.SandboxID,
		ImageDigest:  s.ImageDigest,
	}
}

// Model returns the model preference, or nil when unset.
func (s *Session) Model() *ModelPreference {
	if s.ModelID == "" {
		return nil
	}
	return &ModelPreference{Provider: s.ModelProvider, ModelID: s.ModelID}
}

// CreateRequest is the POST /api/sessions body.
type CreateRequest struct {
	Mode          Mode   `json:"mode"`
	Name          string `json:"name,omitempty"`
	RepoID        string `json:"repoId,omitempty"`
	RepoBranch    string `json:"repoBranch,omitempty"`
	EnvironmentID string `json:"environmentId,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	ModelID       string `json:"modelId,omitempty"`
	SystemPrompt  string `json:"systemPrompt,omitempty"`
	ProviderType  string `json:"providerType,omitempty"`
}

// ConnectInfo is the GET /api/sessions/:id/connect payload a client
// needs to open the WebSocket.
type ConnectInfo struct {
	SessionID    string `json:"sessionId"`
	Status       Status `json:"status"`
	LastSeq      int64  `json:"lastSeq"`
	SandboxReady bool   `json:"sandboxReady"`
	WSEndpoint   string `json:"wsEndpoint"`
}

// wsEndpoint derives the WebSocket path for a session.
func wsEndpoint(sessionID string) string {
	return "/ws/sessions/" + sessionID
}
