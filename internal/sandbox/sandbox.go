// Package sandbox defines the provider abstraction for agent execution
// environments. A provider provisions sandboxes; a handle drives one
// sandbox's lifecycle; a channel is the line-delimited JSON pipe to the
// agent process inside it.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Provider type tags. Dispatch is by this closed set; the session row
// stores the tag next to the provider-scoped id.
const (
	TypeMock      = "mock"
	TypeContainer = "container"
	TypeMicroVM   = "microvm"
)

// Status is the sandbox state machine:
// creating -> running <-> paused -> stopping -> stopped | error.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

var validTransitions = map[Status][]Status{
	StatusCreating: {StatusRunning, StatusStopping, StatusError},
	StatusRunning:  {StatusPaused, StatusStopping, StatusError},
	StatusPaused:   {StatusRunning, StatusStopping, StatusError},
	StatusStopping: {StatusStopped, StatusError},
	StatusStopped:  {},
	StatusError:    {StatusStopping},
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

var (
	// ErrSandboxNotFound is returned when the backing resource for a
	// provider id is gone.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrProviderUnavailable is returned when the provider's backing
	// daemon is unreachable or disabled.
	ErrProviderUnavailable = errors.New("sandbox provider unavailable")
)

// Capabilities is advertised by a provider at registration.
type Capabilities struct {
	LosslessPause  bool `json:"losslessPause"`
	PersistentDisk bool `json:"persistentDisk"`
}

// ResourceTier selects provider-specific resource limits.
type ResourceTier string

const (
	TierSmall  ResourceTier = "small"
	TierMedium ResourceTier = "medium"
	TierLarge  ResourceTier = "large"
)

// CreateOptions parameterize sandbox provisioning.
type CreateOptions struct {
	SessionID    string
	Env          map[string]string
	Secrets      map[string]string // envVar -> plaintext, written to credential files
	RepoURL      string
	RepoBranch   string
	RepoToken    string
	ResourceTier ResourceTier
	Image        string
}

// Info describes one provisioned sandbox for listing and GC.
type Info struct {
	ProviderID string    `json:"providerId"`
	SessionID  string    `json:"sessionId"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CleanupResult reports what a provider GC pass removed.
type CleanupResult struct {
	Removed   int      `json:"removed"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Provider provisions and tracks sandboxes of one type.
type Provider interface {
	// Type returns the provider type tag.
	Type() string

	// Capabilities returns the static capability set.
	Capabilities() Capabilities

	// IsAvailable is a cheap health probe (daemon ping).
	IsAvailable(ctx context.Context) bool

	// CreateSandbox provisions infrastructure and starts the agent.
	// The returned handle's provider id is stable for the sandbox's
	// lifetime.
	CreateSandbox(ctx context.Context, opts CreateOptions) (Handle, error)

	// GetSandbox reattaches to an existing sandbox by provider id.
	// Fails ErrSandboxNotFound if the backing resource is gone.
	GetSandbox(ctx context.Context, providerID string) (Handle, error)

	// ListSandboxes enumerates sandboxes this provider knows about.
	ListSandboxes(ctx context.Context) ([]Info, error)

	// Cleanup garbage-collects stopped and orphaned instances.
	Cleanup(ctx context.Context) (CleanupResult, error)
}

// Handle drives one sandbox.
type Handle interface {
	// ProviderID is the provider-scoped sandbox id.
	ProviderID() string

	// SessionID is the owning session.
	SessionID() string

	// Status returns the current state.
	Status() Status

	// Resume transitions paused -> running and re-writes ephemeral
	// credential files with fresh material.
	Resume(ctx context.Context, secrets map[string]string, repoToken string) error

	// Attach returns the duplex channel to the agent. Calling Attach
	// again closes the previous channel (its onClose fires with
	// ReasonReattach) and returns a fresh one, so stdin has a single
	// writer.
	Attach(ctx context.Context) (Channel, error)

	// Pause is a best-effort suspend preserving the workspace.
	Pause(ctx context.Context) error

	// Terminate unconditionally moves to stopped, closes any open
	// channel, and releases provider resources.
	Terminate(ctx context.Context) error

	// OnStatusChange registers a handler for state transitions and
	// returns an unsubscribe function.
	OnStatusChange(handler func(Status)) (unsubscribe func())
}

// Channel close reasons passed to onClose handlers.
const (
	ReasonReattach   = "reattached"
	ReasonPeerExit   = "peer_exit"
	ReasonClosed     = "closed"
	ReasonTerminated = "terminated"
)

// Channel is the line-delimited duplex JSON connection to the agent.
type Channel interface {
	// Send writes one JSON-encoded message plus newline to the agent's
	// stdin. Sends on a closed channel are silently dropped.
	Send(line []byte) error

	// OnMessage registers a handler for each stdout line. Handlers run
	// synchronously in arrival order.
	OnMessage(handler func(line []byte))

	// OnClose registers a handler that fires exactly once with the
	// close reason.
	OnClose(handler func(reason string))

	// Close closes stdin; it does not kill the sandbox.
	Close() error
}
