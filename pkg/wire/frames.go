// Package wire defines the frame types exchanged between the relay and
// its clients, and the envelope used by the REST API. Frames travel as
// line-delimited JSON over the session WebSocket.
package wire

import "encoding/json"

// Frame type tags for server-initiated frames. Only agent events carry
// a seq; the rest are meta frames emitted over the wire and never
// journaled.
const (
	FrameConnected     = "connected"
	FrameReplayStart   = "replay_start"
	FrameReplayEnd     = "replay_end"
	FrameSandboxStatus = "sandbox_status"
	FrameError         = "error"
	FrameResponse      = "response"
)

// Frame type tags for the native tool bridge (§ agent-side capability
// calls fulfilled by the client host).
const (
	FrameNativeToolRequest  = "native_tool_request"
	FrameNativeToolResponse = "native_tool_response"
	FrameNativeToolCancel   = "native_tool_cancel"
)

// Error codes surfaced in error frames and REST errors.
const (
	CodeValidation          = "VALIDATION"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeSandboxNotFound     = "SANDBOX_NOT_FOUND"
	CodeSandboxFailure      = "SANDBOX_FAILURE"
	CodeRequestTimeout      = "REQUEST_TIMEOUT"
	CodeConnectionLost      = "CONNECTION_LOST"
	CodeCancelled           = "CANCELLED"
	CodeDecryptFailed       = "DECRYPT_FAILED"
	CodeLag                 = "lag"
	CodeInternal            = "INTERNAL"
)

// ConnectedFrame is the first frame on every subscriber stream.
type ConnectedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	LastSeq   int64  `json:"lastSeq"`
}

// ReplayStartFrame brackets the journaled history replayed to a
// subscriber that reconnects with a stale cursor.
type ReplayStartFrame struct {
	Type string `json:"type"`
	From int64  `json:"from"`
	To   int64  `json:"to"`
}

// ReplayEndFrame marks the replay-to-live cutover.
type ReplayEndFrame struct {
	Type string `json:"type"`
}

// EventFrame wraps one journaled agent event. Payload is the original
// agent event object, opaque to the relay.
type EventFrame struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SandboxStatusFrame mirrors sandbox state machine transitions to
// subscribers. Never journaled.
type SandboxStatusFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// ErrorFrame reports a transport-level error to a subscriber.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ResponseFrame correlates an agent response (or a relay-synthesized
// failure) to a client command by command name and optional id.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewConnected builds a connected frame.
func NewConnected(sessionID string, lastSeq int64) ConnectedFrame {
	return ConnectedFrame{Type: FrameConnected, SessionID: sessionID, LastSeq: lastSeq}
}

// NewReplayStart builds a replay_start frame for the inclusive range [from, to].
func NewReplayStart(from, to int64) ReplayStartFrame {
	return ReplayStartFrame{Type: FrameReplayStart, From: from, To: to}
}

// NewReplayEnd builds a replay_end frame.
func NewReplayEnd() ReplayEndFrame {
	return ReplayEndFrame{Type: FrameReplayEnd}
}

// NewSandboxStatus builds a sandbox_status frame.
func NewSandboxStatus(sessionID, status string) SandboxStatusFrame {
	return SandboxStatusFrame{Type: FrameSandboxStatus, SessionID: sessionID, Status: status}
}

// NewError builds an error frame.
func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Code: code, Message: message}
}

// NewFailureResponse builds a relay-synthesized failed response frame,
// used when an RPC call times out or the channel dies mid-call.
func NewFailureResponse(id, command, errCode string) ResponseFrame {
	return ResponseFrame{
		Type:    FrameResponse,
		ID:      id,
		Command: command,
		Success: false,
		Error:   errCode,
	}
}
