package session

import (
	"encoding/json"
	"fmt"
)

// Native tool bridge: the agent raises native_tool_request frames for
// capabilities only the client host can provide; the outbound routing
// lives in handleLine. This side carries the client's answer back to
// the agent's stdin. Correlation is the agent's callId; the relay
// routes and validates nothing beyond its presence.

// HandleNativeToolResponse writes a client native_tool_response line
// to the agent.
func (s *Supervisor) HandleNativeToolResponse(line []byte) error {
	var frame struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return fmt.Errorf("malformed native_tool_response: %w", err)
	}
	if frame.CallID == "" {
		return fmt.Errorf("native_tool_response missing callId")
	}

	s.mu.Lock()
	ch := s.channel
	closed := s.closed
	s.mu.Unlock()
	if closed || ch == nil {
		return ErrConnectionLost
	}
	return ch.Send(line)
}
