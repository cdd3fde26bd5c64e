// Package events names the event bus subjects used across the relay.
package events

// Event types for session lifecycle.
const (
	SessionCreated       = "session.created"
	SessionStatusChanged = "session.status_changed"
	SessionDeleted       = "session.deleted"
)

// Event types for sandbox state transitions. Published per session so
// the gateway can mirror them to attached clients.
const (
	SandboxStatus = "sandbox.status"
)

// Event types for journaled agent events. Published per session after
// the journal append assigns the seq.
const (
	AgentEvent = "agent.event"
)

// BuildSandboxStatusSubject creates a sandbox status subject for a specific session.
func BuildSandboxStatusSubject(sessionID string) string {
	return SandboxStatus + "." + sessionID
}

// BuildSandboxStatusWildcardSubject creates a wildcard subscription for all sandbox status events.
func BuildSandboxStatusWildcardSubject() string {
	return SandboxStatus + ".*"
}

// BuildAgentEventSubject creates an agent event subject for a specific session.
func BuildAgentEventSubject(sessionID string) string {
	return AgentEvent + "." + sessionID
}

// BuildAgentEventWildcardSubject creates a wildcard subscription for all agent events.
func BuildAgentEventWildcardSubject() string {
	return AgentEvent + ".*"
}
