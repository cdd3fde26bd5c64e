package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/common/tracing"
	"github.com/relayci/relay/internal/journal"
	"github.com/relayci/relay/internal/sandbox"
	"github.com/relayci/relay/pkg/wire"
)

// RPC failure sentinels. The codes they carry surface in the response
// frame sent back to the caller.
var (
	ErrRequestTimeout = errors.New(wire.CodeRequestTimeout)
	ErrCancelled      = errors.New(wire.CodeCancelled)
	ErrConnectionLost = errors.New(wire.CodeConnectionLost)
)

// Supervisor owns a session's attached channel. It is the only stdin
// writer, classifies every stdout line (RPC response, native tool
// frame, journaled event), and keeps the channel alive while the
// session runs, re-attaching on transport death up to a retry bound.
type Supervisor struct {
	sessionID    string
	providerType string
	providerID   string

	journal journal.Journal
	bcast   *Broadcaster
	manager *sandbox.Manager
	logger  *logger.Logger

	rpcTimeout      time.Duration
	reattachRetries int

	// onFirstPrompt and onFailure are service hooks: name derivation +
	// ready->running, and the session error transition.
	onFirstPrompt func(sessionID, message string)
	onFailure     func(sessionID string)

	mu         sync.Mutex
	channel    sandbox.Channel
	pending    map[string]*pendingCall
	closed     bool
	promptSeen bool
}

type pendingCall struct {
	id      string
	command string
	done    chan wire.ResponseFrame
}

func newSupervisor(sessionID, providerType, providerID string, j journal.Journal, bcast *Broadcaster, m *sandbox.Manager, log *logger.Logger, rpcTimeout time.Duration, reattachRetries int) *Supervisor {
	return &Supervisor{
		sessionID:       sessionID,
		providerType:    providerType,
		providerID:      providerID,
		journal:         j,
		bcast:           bcast,
		manager:         m,
		logger:          log,
		rpcTimeout:      rpcTimeout,
		reattachRetries: reattachRetries,
		pending:         make(map[string]*pendingCall),
	}
}

// bind takes ownership of a freshly attached channel.
func (s *Supervisor) bind(ch sandbox.Channel) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	ch.OnMessage(s.handleLine)
	ch.OnClose(func(reason string) { s.handleClose(ch, reason) })
}

// agentLine is the minimal shape needed to classify an outbound line.
type agentLine struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Command string `json:"command"`
}

// handleLine classifies one agent stdout line. Runs synchronously on
// the channel's delivery path, which serializes journal appends and
// keeps seq assignment in arrival order.
func (s *Supervisor) handleLine(line []byte) {
	var meta agentLine
	if err := json.Unmarshal(line, &meta); err != nil {
		s.logger.Warn("dropping non-JSON agent line",
			zap.String("session_id", s.sessionID),
			zap.Error(err))
		return
	}

	switch meta.Type {
	case wire.FrameResponse:
		var resp wire.ResponseFrame
		if err := json.Unmarshal(line, &resp); err != nil {
			return
		}
		if !s.fulfill(resp) {
			// No pending caller; surface to subscribers so clients
			// driving commands over the socket still see it.
			s.bcast.PublishFrame(json.RawMessage(line))
		}

	case wire.FrameNativeToolRequest, wire.FrameNativeToolCancel:
		// Live-only while a client is attached; journaled otherwise so
		// the next subscriber replays it and the agent just perceives
		// a slow responder.
		if s.bcast.SubscriberCount() > 0 {
			s.bcast.PublishFrame(json.RawMessage(line))
			return
		}
		s.journalAndBroadcast(meta.Type, line)

	default:
		s.journalAndBroadcast(meta.Type, line)
	}
}

func (s *Supervisor) journalAndBroadcast(eventType string, line []byte) {
	seq, err := s.journal.Append(context.Background(), s.sessionID, eventType, line)
	if err != nil {
		s.logger.Error("journal append failed, dropping event",
			zap.String("session_id", s.sessionID),
			zap.String("type", eventType),
			zap.Error(err))
		return
	}
	s.bcast.PublishEvent(seq, wire.EventFrame{Seq: seq, Type: eventType, Payload: line})
}

// fulfill matches a response to a pending call by id, falling back to
// command name for agents that echo no id.
func (s *Supervisor) fulfill(resp wire.ResponseFrame) bool {
	s.mu.Lock()
	call, ok := s.pending[resp.ID]
	if !ok && resp.Command != "" {
		for key, c := range s.pending {
			if c.command == resp.Command {
				call, ok = c, true
				delete(s.pending, key)
				break
			}
		}
	} else if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	call.done <- resp
	return true
}

// Call writes a command line and awaits the correlated response.
// Fails with REQUEST_TIMEOUT, CANCELLED, or CONNECTION_LOST.
func (s *Supervisor) Call(ctx context.Context, command string, params map[string]any) (wire.ResponseFrame, error) {
	ctx, span := tracing.TraceAgentCall(ctx, s.sessionID, command)
	resp, err := s.call(ctx, command, params)
	tracing.EndSpan(span, err)
	return resp, err
}

func (s *Supervisor) call(ctx context.Context, command string, params map[string]any) (wire.ResponseFrame, error) {
	id := uuid.New().String()

	msg := make(map[string]any, len(params)+2)
	for k, v := range params {
		msg[k] = v
	}
	msg["type"] = command
	msg["id"] = id
	line, err := json.Marshal(msg)
	if err != nil {
		return wire.ResponseFrame{}, fmt.Errorf("marshal command: %w", err)
	}

	call := &pendingCall{id: id, command: command, done: make(chan wire.ResponseFrame, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wire.NewFailureResponse(id, command, wire.CodeConnectionLost), ErrConnectionLost
	}
	s.pending[id] = call
	ch := s.channel
	s.mu.Unlock()

	if err := ch.Send(line); err != nil {
		s.deregister(id)
		return wire.NewFailureResponse(id, command, wire.CodeConnectionLost), ErrConnectionLost
	}

	timer := time.NewTimer(s.rpcTimeout)
	defer timer.Stop()

	select {
	case resp := <-call.done:
		if resp.Error == wire.CodeConnectionLost {
			return resp, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		s.deregister(id)
		return wire.NewFailureResponse(id, command, wire.CodeRequestTimeout), ErrRequestTimeout
	case <-ctx.Done():
		s.deregister(id)
		// Best-effort abort so the agent stops working on it.
		if abort, err := json.Marshal(map[string]any{"type": "abort", "id": uuid.New().String()}); err == nil {
			_ = ch.Send(abort)
		}
		return wire.NewFailureResponse(id, command, wire.CodeCancelled), ErrCancelled
	}
}

func (s *Supervisor) deregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Send forwards a raw client command line to the agent, fire and
// forget. The first prompt triggers the service's ready->running hook.
func (s *Supervisor) Send(line []byte) error {
	var meta agentLine
	if err := json.Unmarshal(line, &meta); err != nil {
		return fmt.Errorf("malformed command: %w", err)
	}

	if meta.Type == "prompt" {
		s.notePrompt(line)
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

func (s *Supervisor) notePrompt(line []byte) {
	s.mu.Lock()
	first := !s.promptSeen
	s.promptSeen = true
	hook := s.onFirstPrompt
	s.mu.Unlock()

	if !first || hook == nil {
		return
	}
	var prompt struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(line, &prompt)
	hook(s.sessionID, prompt.Message)
}

// handleClose reacts to the channel dying. Re-attach is attempted for
// transport death; a steal (re-attach by a newer channel) or an
// explicit terminate just fails the in-flight calls.
func (s *Supervisor) handleClose(ch sandbox.Channel, reason string) {
	s.mu.Lock()
	if s.channel != ch && reason != sandbox.ReasonReattach {
		// Stale channel from a previous bind; nothing to do.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.failPending(wire.CodeConnectionLost)

	switch reason {
	case sandbox.ReasonPeerExit:
		go s.reattach()
	case sandbox.ReasonReattach:
		// A newer attach owns stdin now. If it was ours, bind already
		// replaced the channel; if another supervisor stole it, this
		// one is done.
		s.mu.Lock()
		if s.channel == ch {
			s.closed = true
		}
		s.mu.Unlock()
	default:
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
}

// failPending fails every in-flight call with the given code.
func (s *Supervisor) failPending(code string) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingCall)
	s.mu.Unlock()

	for _, call := range pending {
		call.done <- wire.NewFailureResponse(call.id, call.command, code)
	}
}

// reattach retries attaching a fresh channel while the session should
// still be live. Exhausted retries fail the session and journal a
// synthetic agent_end so replaying clients see a clean ending.
func (s *Supervisor) reattach() {
	ctx := context.Background()

	for attempt := 1; attempt <= s.reattachRetries; attempt++ {
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		_, ch, err := s.manager.AttachSession(ctx, s.providerType, s.providerID)
		if err == nil {
			s.logger.Info("re-attached agent channel",
				zap.String("session_id", s.sessionID),
				zap.Int("attempt", attempt))
			s.bind(ch)
			return
		}
		s.logger.Warn("re-attach failed",
			zap.String("session_id", s.sessionID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	s.mu.Lock()
	s.closed = true
	hook := s.onFailure
	s.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{
		"type":    "agent_end",
		"success": false,
		"error":   "transport_disconnect",
	})
	s.journalAndBroadcast("agent_end", payload)

	if hook != nil {
		hook(s.sessionID)
	}
}

// Close shuts the supervisor down without touching the sandbox.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	s.failPending(wire.CodeConnectionLost)
	if ch != nil {
		_ = ch.Close()
	}
}

// Closed reports whether the supervisor has shut down.
func (s *Supervisor) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
