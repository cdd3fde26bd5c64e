// Package mock provides an in-memory sandbox provider that simulates
// agent behavior deterministically. It backs tests and local
// development without a container daemon.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/sandbox"
)

// Provider implements sandbox.Provider entirely in memory.
type Provider struct {
	logger *logger.Logger
	delay  time.Duration

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

var _ sandbox.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithAgentDelay makes the simulated agent pause between streamed
// events.
func WithAgentDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

// NewProvider creates the mock provider.
func NewProvider(log *logger.Logger, opts ...Option) *Provider {
	p := &Provider{
		logger:    log,
		sandboxes: make(map[string]*Sandbox),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Type returns the provider type tag.
func (p *Provider) Type() string { return sandbox.TypeMock }

// Capabilities advertises lossless pause; everything lives in memory.
func (p *Provider) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{LosslessPause: true, PersistentDisk: false}
}

// IsAvailable always succeeds.
func (p *Provider) IsAvailable(ctx context.Context) bool { return true }

// CreateSandbox starts a simulated agent for the session.
func (p *Provider) CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	providerID := "mock-" + opts.SessionID

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sandboxes[providerID]; exists {
		return nil, fmt.Errorf("sandbox already exists for session %s", opts.SessionID)
	}

	s := &Sandbox{
		providerID: providerID,
		sessionID:  opts.SessionID,
		provider:   p,
		status:     sandbox.StatusCreating,
		statusSubs: make(map[int]func(sandbox.Status)),
		inbox:      make(chan []byte, 64),
		done:       make(chan struct{}),
		secrets:    opts.Secrets,
		createdAt:  time.Now().UTC(),
	}
	s.agent = NewAgent(opts.SessionID, s.deliverOut, WithDelay(p.delay))

	go s.agentLoop()

	p.sandboxes[providerID] = s
	s.setStatus(sandbox.StatusRunning)

	p.logger.Debug("mock sandbox created",
		zap.String("session_id", opts.SessionID),
		zap.String("provider_id", providerID))
	return s, nil
}

// GetSandbox reattaches by provider id.
func (p *Provider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sandboxes[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrSandboxNotFound, providerID)
	}
	return s, nil
}

// ListSandboxes enumerates live sandboxes.
func (p *Provider) ListSandboxes(ctx context.Context) ([]sandbox.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]sandbox.Info, 0, len(p.sandboxes))
	for _, s := range p.sandboxes {
		infos = append(infos, sandbox.Info{
			ProviderID: s.providerID,
			SessionID:  s.sessionID,
			Status:     s.Status(),
			CreatedAt:  s.createdAt,
		})
	}
	return infos, nil
}

// Cleanup removes sandboxes that reached a terminal state.
func (p *Provider) Cleanup(ctx context.Context) (sandbox.CleanupResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result sandbox.CleanupResult
	for id, s := range p.sandboxes {
		status := s.Status()
		if status == sandbox.StatusStopped || status == sandbox.StatusError {
			delete(p.sandboxes, id)
			result.Removed++
			result.Artifacts = append(result.Artifacts, id)
		}
	}
	return result, nil
}

func (p *Provider) remove(providerID string) {
	p.mu.Lock()
	delete(p.sandboxes, providerID)
	p.mu.Unlock()
}

// Sandbox is one simulated agent environment.
type Sandbox struct {
	providerID string
	sessionID  string
	provider   *Provider
	agent      *Agent
	inbox      chan []byte
	done       chan struct{}
	createdAt  time.Time

	mu         sync.Mutex
	status     sandbox.Status
	channel    *sandbox.StdioChannel
	statusSubs map[int]func(sandbox.Status)
	nextSub    int
	secrets    map[string]string
	doneOnce   sync.Once
}

var _ sandbox.Handle = (*Sandbox)(nil)

// agentLoop serializes command handling; one goroutine per sandbox.
func (s *Sandbox) agentLoop() {
	for {
		select {
		case line := <-s.inbox:
			s.agent.HandleLine(line)
		case <-s.done:
			return
		}
	}
}

// deliverOut routes an agent event line to the currently attached
// channel, if any. Events emitted while detached are dropped, the same
// as stdout with no reader on a real provider pipe.
func (s *Sandbox) deliverOut(line []byte) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		ch.Deliver(line)
	}
}

// ProviderID returns the stable provider-scoped id.
func (s *Sandbox) ProviderID() string { return s.providerID }

// SessionID returns the owning session id.
func (s *Sandbox) SessionID() string { return s.sessionID }

// Status returns the current state.
func (s *Sandbox) Status() sandbox.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sandbox) setStatus(to sandbox.Status) {
	s.mu.Lock()
	if s.status == to || !sandbox.CanTransition(s.status, to) {
		s.mu.Unlock()
		return
	}
	s.status = to
	handlers := make([]func(sandbox.Status), 0, len(s.statusSubs))
	for _, h := range s.statusSubs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(to)
	}
}

// Resume transitions paused -> running. The simulated agent keeps all
// state in memory, so nothing is re-materialized beyond recording the
// fresh secrets.
func (s *Sandbox) Resume(ctx context.Context, secrets map[string]string, repoToken string) error {
	s.mu.Lock()
	status := s.status
	if secrets != nil {
		s.secrets = secrets
	}
	s.mu.Unlock()

	switch status {
	case sandbox.StatusRunning:
		return nil
	case sandbox.StatusPaused:
		s.setStatus(sandbox.StatusRunning)
		return nil
	default:
		return fmt.Errorf("cannot resume sandbox in status %s", status)
	}
}

// Attach returns a fresh channel, closing any previous one so stdin
// keeps a single writer.
func (s *Sandbox) Attach(ctx context.Context) (sandbox.Channel, error) {
	s.mu.Lock()
	if s.status == sandbox.StatusStopped || s.status == sandbox.StatusStopping {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is stopped", sandbox.ErrSandboxNotFound, s.providerID)
	}
	prev := s.channel
	ch := sandbox.NewStdioChannel(&inboxWriter{sandbox: s})
	s.channel = ch
	s.mu.Unlock()

	if prev != nil {
		prev.CloseWithReason(sandbox.ReasonReattach)
	}
	return ch, nil
}

// Pause suspends the sandbox; in-memory state survives.
func (s *Sandbox) Pause(ctx context.Context) error {
	if s.Status() != sandbox.StatusRunning {
		return fmt.Errorf("cannot pause sandbox in status %s", s.Status())
	}
	s.setStatus(sandbox.StatusPaused)
	return nil
}

// Terminate stops the agent, closes the channel, and forgets the
// sandbox.
func (s *Sandbox) Terminate(ctx context.Context) error {
	s.setStatus(sandbox.StatusStopping)

	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	if ch != nil {
		ch.CloseWithReason(sandbox.ReasonTerminated)
	}
	s.doneOnce.Do(func() { close(s.done) })

	s.setStatus(sandbox.StatusStopped)
	s.provider.remove(s.providerID)
	return nil
}

// OnStatusChange registers a transition handler.
func (s *Sandbox) OnStatusChange(handler func(sandbox.Status)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.statusSubs[id] = handler
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.statusSubs, id)
		s.mu.Unlock()
	}
}

// inboxWriter feeds channel sends into the agent loop. Each Write is
// one line with a trailing newline added by the channel.
type inboxWriter struct {
	sandbox *Sandbox
}

func (w *inboxWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	for len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}

	select {
	case w.sandbox.inbox <- line:
	case <-w.sandbox.done:
		// Sandbox terminated; drop.
	default:
		// Inbox full; drop rather than block the supervisor.
	}
	return len(p), nil
}
