package docker

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/logstore"
	"github.com/relayci/relay/internal/sandbox"
)

// Container labels identifying sandboxes this relay manages.
const (
	labelManaged = "relay.managed"
	labelSession = "relay.session_id"
)

const (
	stopTimeout   = 10 * time.Second
	pingTimeout   = 2 * time.Second
	maxLineSize   = 10 * 1024 * 1024 // matches the agent's max frame size
	containerWork = "/workspace"
	containerGit  = "/git"
	containerHome = "/agent"
)

// Provider runs agent sandboxes as Docker containers. The container id
// doubles as the provider id; labels make sandboxes recoverable across
// relay restarts without any in-memory registry of record.
type Provider struct {
	client     *Client
	cfg        config.DockerConfig
	sandboxCfg config.SandboxConfig
	logs       *logstore.Store
	logger     *logger.Logger

	mu      sync.Mutex
	handles map[string]*containerSandbox
}

var _ sandbox.Provider = (*Provider)(nil)

// NewProvider creates the container provider and its Docker client.
func NewProvider(dockerCfg config.DockerConfig, sandboxCfg config.SandboxConfig, logs *logstore.Store, log *logger.Logger) (*Provider, error) {
	cli, err := NewClient(dockerCfg, log)
	if err != nil {
		return nil, err
	}
	return &Provider{
		client:     cli,
		cfg:        dockerCfg,
		sandboxCfg: sandboxCfg,
		logs:       logs,
		logger:     log,
		handles:    make(map[string]*containerSandbox),
	}, nil
}

// Close releases the Docker client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Type returns the provider type tag.
func (p *Provider) Type() string { return sandbox.TypeContainer }

// Capabilities: docker pause freezes processes but open connections do
// not survive long suspends, so pause is advertised lossy. The
// workspace bind mount persists across pause and daemon restarts.
func (p *Provider) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{LosslessPause: false, PersistentDisk: true}
}

// IsAvailable pings the daemon with a short deadline.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return p.client.Ping(ctx) == nil
}

// CreateSandbox provisions the session directories, clones the repo if
// requested, and starts the agent container with stdin attached.
func (p *Provider) CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	ws := newWorkspace(p.sandboxCfg, opts.SessionID)
	if err := ws.ensure(); err != nil {
		return nil, err
	}
	if err := ws.writeCredentials(opts.Secrets, opts.RepoToken); err != nil {
		return nil, err
	}

	if opts.RepoURL != "" {
		if err := cloneRepo(ctx, p.logger, opts.RepoURL, opts.RepoBranch, opts.RepoToken, ws.workspaceDir()); err != nil {
			return nil, err
		}
	}

	imageName := opts.Image
	if imageName == "" {
		imageName = p.cfg.DefaultImage
	}
	if err := p.client.PullImage(ctx, imageName); err != nil {
		// A stale local image may still be usable; create decides.
		p.logger.Warn("image pull failed, trying local image",
			zap.String("image", imageName),
			zap.Error(err))
	}

	memory, cpuQuota := tierLimits(opts.ResourceTier, p.sandboxCfg.DefaultResourceTier)

	spec := ContainerSpec{
		Name:       "relay-agent-" + opts.SessionID,
		Image:      imageName,
		Env:        buildEnv(opts),
		WorkingDir: containerWork,
		Mounts: []MountSpec{
			{Source: ws.workspaceDir(), Target: containerWork},
			{Source: ws.agentDir(), Target: containerHome},
			{Source: ws.gitDir(), Target: containerGit},
		},
		NetworkMode: p.cfg.DefaultNetwork,
		Memory:      memory,
		CPUQuota:    cpuQuota,
		Labels: map[string]string{
			labelManaged: "true",
			labelSession: opts.SessionID,
		},
	}

	containerID, err := p.client.CreateAgentContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := p.client.StartContainer(ctx, containerID); err != nil {
		_ = p.client.RemoveContainer(context.WithoutCancel(ctx), containerID)
		return nil, err
	}

	s := p.newHandle(containerID, opts.SessionID, ws, sandbox.StatusCreating)
	s.setStatus(sandbox.StatusRunning)

	p.logger.Info("container sandbox started",
		zap.String("session_id", opts.SessionID),
		zap.String("container_id", containerID))
	return s, nil
}

// GetSandbox reattaches to an existing container by id. The handle is
// cached so repeated lookups share channel bookkeeping.
func (p *Provider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	p.mu.Lock()
	if s, ok := p.handles[providerID]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	state, err := p.client.InspectContainer(ctx, providerID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", sandbox.ErrSandboxNotFound, providerID)
		}
		return nil, err
	}
	if state.Labels[labelManaged] != "true" {
		return nil, fmt.Errorf("%w: %s is not a managed sandbox", sandbox.ErrSandboxNotFound, providerID)
	}

	sessionID := state.Labels[labelSession]
	ws := newWorkspace(p.sandboxCfg, sessionID)
	s := p.newHandle(state.ID, sessionID, ws, mapState(state.State))
	return s, nil
}

// ListSandboxes enumerates managed containers, including stopped ones.
func (p *Provider) ListSandboxes(ctx context.Context) ([]sandbox.Info, error) {
	summaries, err := p.client.ListByLabels(ctx, map[string]string{labelManaged: "true"})
	if err != nil {
		return nil, err
	}

	infos := make([]sandbox.Info, 0, len(summaries))
	for _, s := range summaries {
		infos = append(infos, sandbox.Info{
			ProviderID: s.ID,
			SessionID:  s.Labels[labelSession],
			Status:     mapState(s.State),
			CreatedAt:  s.CreatedAt,
		})
	}
	return infos, nil
}

// Cleanup removes managed containers that already exited. Run at
// startup to collect sandboxes orphaned by a previous relay process.
func (p *Provider) Cleanup(ctx context.Context) (sandbox.CleanupResult, error) {
	summaries, err := p.client.ListByLabels(ctx, map[string]string{labelManaged: "true"})
	if err != nil {
		return sandbox.CleanupResult{}, err
	}

	var result sandbox.CleanupResult
	for _, s := range summaries {
		if s.State != "exited" && s.State != "dead" {
			continue
		}
		if err := p.client.RemoveContainer(ctx, s.ID); err != nil && !IsNotFound(err) {
			p.logger.Warn("failed to remove exited sandbox container",
				zap.String("container_id", s.ID),
				zap.Error(err))
			continue
		}
		p.forget(s.ID)
		result.Removed++
		result.Artifacts = append(result.Artifacts, s.ID)
	}
	return result, nil
}

func (p *Provider) newHandle(containerID, sessionID string, ws workspace, status sandbox.Status) *containerSandbox {
	s := &containerSandbox{
		provider:    p,
		containerID: containerID,
		sessionID:   sessionID,
		ws:          ws,
		status:      status,
		statusSubs:  make(map[int]func(sandbox.Status)),
		createdAt:   time.Now().UTC(),
	}
	p.mu.Lock()
	p.handles[containerID] = s
	p.mu.Unlock()
	return s
}

func (p *Provider) forget(containerID string) {
	p.mu.Lock()
	delete(p.handles, containerID)
	p.mu.Unlock()
}

// buildEnv flattens non-secret env plus the session id. Secrets travel
// via the credential file, never the container env, so docker inspect
// does not leak them.
func buildEnv(opts sandbox.CreateOptions) []string {
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		env = append(env, k+"="+opts.Env[k])
	}
	env = append(env, "RELAY_SESSION_ID="+opts.SessionID)
	return env
}

// tierLimits maps a resource tier to Memory bytes and CPUQuota
// microseconds per scheduling period.
func tierLimits(tier sandbox.ResourceTier, fallback string) (int64, int64) {
	if tier == "" {
		tier = sandbox.ResourceTier(fallback)
	}
	switch tier {
	case sandbox.TierMedium:
		return 2 << 30, 200000
	case sandbox.TierLarge:
		return 4 << 30, 400000
	default:
		return 1 << 30, 100000
	}
}

// mapState translates a docker container state to the sandbox state
// machine.
func mapState(state string) sandbox.Status {
	switch state {
	case "created":
		return sandbox.StatusCreating
	case "running", "restarting":
		return sandbox.StatusRunning
	case "paused":
		return sandbox.StatusPaused
	case "removing":
		return sandbox.StatusStopping
	case "exited", "dead":
		return sandbox.StatusStopped
	default:
		return sandbox.StatusError
	}
}

// containerSandbox is the Handle for one agent container.
type containerSandbox struct {
	provider    *Provider
	containerID string
	sessionID   string
	ws          workspace
	createdAt   time.Time

	mu         sync.Mutex
	status     sandbox.Status
	channel    *sandbox.StdioChannel
	attach     *AttachStreams
	statusSubs map[int]func(sandbox.Status)
	nextSub    int
}

var _ sandbox.Handle = (*containerSandbox)(nil)

// ProviderID returns the container id.
func (s *containerSandbox) ProviderID() string { return s.containerID }

// SessionID returns the owning session id.
func (s *containerSandbox) SessionID() string { return s.sessionID }

// Status returns the current state.
func (s *containerSandbox) Status() sandbox.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *containerSandbox) setStatus(to sandbox.Status) {
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

// Attach opens a fresh stdio channel, closing any previous one so the
// agent's stdin has a single writer. A read pump per attach delivers
// demultiplexed stdout lines until the stream ends.
func (s *containerSandbox) Attach(ctx context.Context) (sandbox.Channel, error) {
	s.mu.Lock()
	if s.status == sandbox.StatusStopped || s.status == sandbox.StatusStopping {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is stopped", sandbox.ErrSandboxNotFound, s.containerID)
	}
	s.mu.Unlock()

	streams, err := s.provider.client.AttachContainer(ctx, s.containerID, s.provider.logs.Writer(s.sessionID))
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", sandbox.ErrSandboxNotFound, s.containerID)
		}
		return nil, err
	}

	ch := sandbox.NewStdioChannel(streams.Stdin)

	s.mu.Lock()
	prevCh, prevAttach := s.channel, s.attach
	s.channel, s.attach = ch, streams
	s.mu.Unlock()

	if prevCh != nil {
		prevCh.CloseWithReason(sandbox.ReasonReattach)
	}
	if prevAttach != nil {
		prevAttach.Close()
	}

	go s.readPump(ch, streams)
	return ch, nil
}

// readPump scans stdout lines into the channel. When the stream ends
// while the channel is still current, the agent process died and the
// channel closes with peer_exit.
func (s *containerSandbox) readPump(ch *sandbox.StdioChannel, streams *AttachStreams) {
	scanner := bufio.NewScanner(streams.Stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		ch.Deliver(line)
	}

	if err := scanner.Err(); err != nil {
		s.provider.logger.Debug("sandbox stdout pump ended",
			zap.String("container_id", s.containerID),
			zap.Error(err))
	}

	s.mu.Lock()
	current := s.channel == ch
	if current {
		s.channel = nil
		s.attach = nil
	}
	s.mu.Unlock()

	if current {
		ch.CloseWithReason(sandbox.ReasonPeerExit)
		streams.Close()
	}
}

// Pause freezes the container, then strips credential files so no
// secret material rests on disk while suspended.
func (s *containerSandbox) Pause(ctx context.Context) error {
	if s.Status() != sandbox.StatusRunning {
		return fmt.Errorf("cannot pause sandbox in status %s", s.Status())
	}
	if err := s.provider.client.PauseContainer(ctx, s.containerID); err != nil {
		return err
	}
	s.setStatus(sandbox.StatusPaused)

	if err := s.ws.removeCredentials(); err != nil {
		s.provider.logger.Warn("failed to remove credentials on pause",
			zap.String("session_id", s.sessionID),
			zap.Error(err))
	}
	return nil
}

// Resume re-materializes fresh credentials and unfreezes the
// container. Resuming a running sandbox is a no-op.
func (s *containerSandbox) Resume(ctx context.Context, secrets map[string]string, repoToken string) error {
	switch s.Status() {
	case sandbox.StatusRunning:
		return nil
	case sandbox.StatusPaused:
	default:
		return fmt.Errorf("cannot resume sandbox in status %s", s.Status())
	}

	if err := s.ws.writeCredentials(secrets, repoToken); err != nil {
		return err
	}
	if err := s.provider.client.UnpauseContainer(ctx, s.containerID); err != nil {
		return err
	}
	s.setStatus(sandbox.StatusRunning)
	return nil
}

// Terminate stops and removes the container and scrubs credentials.
// The workspace directory stays for post-mortem until session GC.
func (s *containerSandbox) Terminate(ctx context.Context) error {
	s.setStatus(sandbox.StatusStopping)

	s.mu.Lock()
	ch, attach := s.channel, s.attach
	s.channel, s.attach = nil, nil
	s.mu.Unlock()

	if ch != nil {
		ch.CloseWithReason(sandbox.ReasonTerminated)
	}
	if attach != nil {
		attach.Close()
	}

	if err := s.provider.client.StopContainer(ctx, s.containerID, stopTimeout); err != nil && !IsNotFound(err) {
		s.provider.logger.Warn("failed to stop sandbox container",
			zap.String("container_id", s.containerID),
			zap.Error(err))
	}
	if err := s.provider.client.RemoveContainer(ctx, s.containerID); err != nil && !IsNotFound(err) {
		return err
	}

	if err := s.ws.removeCredentials(); err != nil {
		s.provider.logger.Warn("failed to remove credentials on terminate",
			zap.String("session_id", s.sessionID),
			zap.Error(err))
	}
	s.provider.logs.Close(s.sessionID)

	s.setStatus(sandbox.StatusStopped)
	s.provider.forget(s.containerID)
	return nil
}

// OnStatusChange registers a transition handler.
func (s *containerSandbox) OnStatusChange(handler func(sandbox.Status)) func() {
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
