package mock

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Agent simulates the in-sandbox agent deterministically. It consumes
// command lines and emits event lines through the provided sink, in
// the same JSONL vocabulary a real agent speaks. The container and
// microVM providers run the same engine as a standalone binary via
// cmd/mock-agent.
type Agent struct {
	sessionID string
	emit      func(line []byte)
	delay     time.Duration

	mu           sync.Mutex
	provider     string
	modelID      string
	running      bool
	aborted      bool
	messageCount int
	messages     []storedMessage
}

type storedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentOption configures the simulated agent.
type AgentOption func(*Agent)

// WithDelay inserts a pause between streamed events. Zero by default
// so tests run fast.
func WithDelay(d time.Duration) AgentOption {
	return func(a *Agent) { a.delay = d }
}

// NewAgent creates a simulated agent emitting event lines via emit.
func NewAgent(sessionID string, emit func(line []byte), opts ...AgentOption) *Agent {
	a := &Agent{
		sessionID: sessionID,
		emit:      emit,
		provider:  "anthropic",
		modelID:   "mock-default",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// command is the inbound message shape. Fields beyond Type are
// populated per command.
type command struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Message  string          `json:"message,omitempty"`
	Provider string          `json:"provider,omitempty"`
	ModelID  string          `json:"modelId,omitempty"`
	CallID   string          `json:"callId,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// HandleLine processes one command line. Commands are handled in the
// order they arrive; callers must not invoke this concurrently.
func (a *Agent) HandleLine(line []byte) {
	var cmd command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return
	}

	switch cmd.Type {
	case "prompt":
		a.handlePrompt(cmd)
	case "abort":
		a.handleAbort(cmd)
	case "get_state":
		a.handleGetState(cmd)
	case "set_model":
		a.handleSetModel(cmd)
	case "get_messages":
		a.handleGetMessages(cmd)
	case "get_available_models":
		a.handleGetAvailableModels(cmd)
	case "native_tool_response":
		a.handleNativeToolResponse(cmd)
	case "simulate_silence":
		// Swallowed without a response; exercises caller timeouts.
	default:
		// Unknown commands are ignored; the relay already rejected
		// anything it does not want forwarded.
	}
}

func (a *Agent) send(v any) {
	line, err := json.Marshal(v)
	if err != nil {
		return
	}
	a.emit(line)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
}

func (a *Agent) sendEvent(fields map[string]any) {
	a.send(fields)
}

func (a *Agent) sendResponse(id, cmdName string, success bool, result any, errText string) {
	resp := map[string]any{
		"type":    "response",
		"command": cmdName,
		"success": success,
	}
	if id != "" {
		resp["id"] = id
	}
	if result != nil {
		resp["result"] = result
	}
	if errText != "" {
		resp["error"] = errText
	}
	a.send(resp)
}

// handlePrompt starts one turn. The streamed sequence runs on its own
// goroutine so abort and state queries stay responsive mid-turn:
// agent_start, message_start, message_update+, message_end, agent_end.
// Prompts mentioning "tool" add a tool execution pair; prompts
// mentioning "native" raise a native_tool_request first.
func (a *Agent) handlePrompt(cmd command) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		a.sendResponse(cmd.ID, "prompt", false, nil, "agent is busy")
		return
	}
	a.running = true
	a.aborted = false
	a.messageCount++
	messageID := fmt.Sprintf("msg-%d", a.messageCount)
	a.messages = append(a.messages, storedMessage{Role: "user", Content: cmd.Message})
	a.mu.Unlock()

	go a.runPrompt(cmd, messageID)
}

func (a *Agent) runPrompt(cmd command, messageID string) {
	a.sendEvent(map[string]any{"type": "agent_start", "sessionId": a.sessionID})
	a.sendEvent(map[string]any{"type": "message_start", "messageId": messageID, "role": "assistant"})

	lower := strings.ToLower(cmd.Message)

	if strings.Contains(lower, "native") {
		a.sendEvent(map[string]any{
			"type":     "native_tool_request",
			"callId":   fmt.Sprintf("native-%d", a.messageCount),
			"toolName": "host_prompt",
			"args":     map[string]any{"question": "Proceed?"},
		})
	}

	var reply strings.Builder
	for _, chunk := range replyChunks(cmd.Message) {
		if a.isAborted() {
			break
		}
		reply.WriteString(chunk)
		a.sendEvent(map[string]any{
			"type":      "message_update",
			"messageId": messageID,
			"delta":     chunk,
		})
	}

	if strings.Contains(lower, "tool") && !a.isAborted() {
		toolID := fmt.Sprintf("tool-%d", a.messageCount)
		a.sendEvent(map[string]any{
			"type":     "tool_execution_start",
			"toolId":   toolID,
			"toolName": "read_file",
			"args":     map[string]any{"path": "README.md"},
		})
		a.sendEvent(map[string]any{
			"type":   "tool_execution_end",
			"toolId": toolID,
			"result": map[string]any{"ok": true, "bytes": 1024},
		})
	}

	a.sendEvent(map[string]any{"type": "message_end", "messageId": messageID})

	a.mu.Lock()
	aborted := a.aborted
	a.running = false
	if !aborted {
		a.messages = append(a.messages, storedMessage{Role: "assistant", Content: reply.String()})
	}
	a.mu.Unlock()

	if aborted {
		a.sendEvent(map[string]any{"type": "agent_end", "success": false, "error": "aborted"})
	} else {
		a.sendEvent(map[string]any{"type": "agent_end", "success": true})
	}
}

// replyChunks splits the echo reply into streamable deltas.
func replyChunks(prompt string) []string {
	reply := "You said: " + prompt + ". All done."
	words := strings.Fields(reply)

	var chunks []string
	for i := 0; i < len(words); i += 3 {
		end := i + 3
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (a *Agent) isAborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted
}

func (a *Agent) handleAbort(cmd command) {
	a.mu.Lock()
	wasRunning := a.running
	if wasRunning {
		a.aborted = true
	}
	a.mu.Unlock()

	a.sendResponse(cmd.ID, "abort", true, map[string]any{"wasRunning": wasRunning}, "")
}

func (a *Agent) handleGetState(cmd command) {
	a.mu.Lock()
	state := map[string]any{
		"sessionId":    a.sessionID,
		"status":       "idle",
		"provider":     a.provider,
		"modelId":      a.modelID,
		"messageCount": len(a.messages),
	}
	if a.running {
		state["status"] = "running"
	}
	a.mu.Unlock()

	a.sendResponse(cmd.ID, "get_state", true, state, "")
}

func (a *Agent) handleSetModel(cmd command) {
	if cmd.ModelID == "" {
		a.sendResponse(cmd.ID, "set_model", false, nil, "modelId is required")
		return
	}

	a.mu.Lock()
	if cmd.Provider != "" {
		a.provider = cmd.Provider
	}
	a.modelID = cmd.ModelID
	provider, modelID := a.provider, a.modelID
	a.mu.Unlock()

	a.sendResponse(cmd.ID, "set_model", true, map[string]any{
		"provider": provider,
		"modelId":  modelID,
	}, "")
}

func (a *Agent) handleGetMessages(cmd command) {
	a.mu.Lock()
	messages := make([]storedMessage, len(a.messages))
	copy(messages, a.messages)
	a.mu.Unlock()

	a.sendResponse(cmd.ID, "get_messages", true, map[string]any{"messages": messages}, "")
}

func (a *Agent) handleGetAvailableModels(cmd command) {
	a.sendResponse(cmd.ID, "get_available_models", true, map[string]any{
		"models": []map[string]string{
			{"provider": "anthropic", "modelId": "mock-default"},
			{"provider": "anthropic", "modelId": "mock-fast"},
			{"provider": "openai", "modelId": "mock-slow"},
		},
	}, "")
}

// handleNativeToolResponse acknowledges a host-fulfilled native tool
// call with a follow-up event so tests can observe the round trip.
func (a *Agent) handleNativeToolResponse(cmd command) {
	if cmd.CallID == "" {
		return
	}
	a.sendEvent(map[string]any{
		"type":   "native_tool_result_ack",
		"callId": cmd.CallID,
	})
}
