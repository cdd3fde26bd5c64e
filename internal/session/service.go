package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/common/tracing"
	"github.com/relayci/relay/internal/db"
	"github.com/relayci/relay/internal/events"
	"github.com/relayci/relay/internal/events/bus"
	"github.com/relayci/relay/internal/journal"
	"github.com/relayci/relay/internal/logstore"
	"github.com/relayci/relay/internal/sandbox"
	"github.com/relayci/relay/internal/secrets"
	"github.com/relayci/relay/pkg/wire"
)

// ErrValidation wraps request validation failures.
var ErrValidation = errors.New("validation")

// SecretSource is the slice of the secrets API the session service
// needs. Both the secrets store and service satisfy it.
type SecretSource interface {
	Materialize(ctx context.Context, filter secrets.MaterializeFilter) (map[string][]byte, error)
}

// EnvironmentInfo is what the session service needs from an
// environment template to provision a sandbox.
type EnvironmentInfo struct {
	SandboxType string
	Image       string
	Tier        sandbox.ResourceTier
}

// EnvironmentLookup resolves an environment id (or the default for a
// provider type) into provisioning parameters.
type EnvironmentLookup interface {
	ForSession(ctx context.Context, environmentID, providerType string) (EnvironmentInfo, error)
}

// Service owns the session lifecycle: rows, provisioning, supervisors,
// and broadcasters. Providers hold the sandboxes; the database is the
// source of truth for what belongs to whom.
type Service struct {
	store    *Store
	journal  journal.Journal
	secrets  SecretSource
	envs     EnvironmentLookup
	manager  *sandbox.Manager
	bus      bus.EventBus
	logs     *logstore.Store
	logger   *logger.Logger
	provTime time.Duration
	sessCfg  config.SessionConfig

	mu           sync.Mutex
	supervisors  map[string]*Supervisor
	broadcasters map[string]*Broadcaster
	statusUnsubs map[string]func()

	statusSub bus.Subscription
}

// NewService wires the session service. envs may be nil when no
// environment templates are configured.
func NewService(store *Store, j journal.Journal, sec SecretSource, envs EnvironmentLookup, m *sandbox.Manager, eventBus bus.EventBus, logs *logstore.Store, cfg *config.Config, log *logger.Logger) *Service {
	s := &Service{
		store:        store,
		journal:      j,
		secrets:      sec,
		envs:         envs,
		manager:      m,
		bus:          eventBus,
		logs:         logs,
		logger:       log,
		provTime:     time.Duration(cfg.Sandbox.ProvisionTimeout) * time.Second,
		sessCfg:      cfg.Session,
		supervisors:  make(map[string]*Supervisor),
		broadcasters: make(map[string]*Broadcaster),
		statusUnsubs: make(map[string]func()),
	}

	// Sandbox status reaches subscribers through the bus rather than a
	// direct push, so a NATS deployment also relays frames for sandboxes
	// owned by another process.
	sub, err := eventBus.Subscribe(events.BuildSandboxStatusWildcardSubject(), s.onSandboxStatusEvent)
	if err != nil {
		log.Warn("sandbox status subscription failed", zap.Error(err))
	} else {
		s.statusSub = sub
	}
	return s
}

// Provide wires the service plus its store and returns its cleanup.
func Provide(pool *db.Pool, j journal.Journal, sec SecretSource, envs EnvironmentLookup, m *sandbox.Manager, eventBus bus.EventBus, logs *logstore.Store, cfg *config.Config, log *logger.Logger) (*Service, func() error, error) {
	store, err := NewStore(pool)
	if err != nil {
		return nil, nil, err
	}
	svc := NewService(store, j, sec, envs, m, eventBus, logs, cfg, log)
	return svc, func() error { svc.Close(); return nil }, nil
}

// Create validates the request, inserts the row in creating, and
// provisions the sandbox asynchronously. Provider availability is
// checked first so no row is committed for a dead provider.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	switch req.Mode {
	case ModeChat, ModeCode:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrValidation, req.Mode)
	}
	if req.Mode == ModeCode && req.RepoID == "" {
		return nil, fmt.Errorf("%w: code sessions require repoId", ErrValidation)
	}
	if req.Mode == ModeChat && req.RepoID != "" {
		return nil, fmt.Errorf("%w: chat sessions cannot carry repoId", ErrValidation)
	}

	providerType := req.ProviderType
	if providerType == "" {
		providerType = s.manager.DefaultType()
	}
	provider, err := s.manager.Provider(providerType)
	if err != nil {
		return nil, err
	}
	if !provider.IsAvailable(ctx) {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrProviderUnavailable, providerType)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Mode:           req.Mode,
		Status:         StatusCreating,
		RepoID:         req.RepoID,
		RepoBranch:     req.RepoBranch,
		EnvironmentID:  req.EnvironmentID,
		ModelProvider:  req.ModelProvider,
		ModelID:        req.ModelID,
		SystemPrompt:   req.SystemPrompt,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.store.Insert(ctx, sess); err != nil {
		return nil, err
	}
	s.publish(events.SessionCreated, map[string]any{"sessionId": sess.ID, "mode": sess.Mode})

	go s.provision(sess.ID, providerType)

	out := *sess
	out.WSEndpoint = wsEndpoint(sess.ID)
	return &out, nil
}

// provision creates the sandbox and binds it, bounded by the provision
// timeout. Failure moves the session to error with a synthetic
// agent_end so clients see a clean ending.
func (s *Service) provision(sessionID, providerType string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.provTime)
	defer cancel()

	ctx, span := tracing.TraceSandboxCreate(ctx, sessionID, providerType)
	var provErr error
	defer func() { tracing.EndSpan(span, provErr) }()

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		// Deleted before provisioning started.
		return
	}

	opts, err := s.buildCreateOptions(ctx, sess, providerType)
	if err != nil {
		provErr = err
		s.failSession(sessionID, true, err.Error())
		return
	}

	handle, err := s.manager.CreateForSession(ctx, opts, providerType)
	if err != nil {
		provErr = err
		s.logger.Error("sandbox provisioning failed",
			zap.String("session_id", sessionID),
			zap.String("provider", providerType),
			zap.Error(err))
		s.failSession(sessionID, true, "sandbox_provision_failed")
		return
	}

	binding := SandboxBinding{
		ProviderType: providerType,
		ProviderID:   handle.ProviderID(),
		ImageDigest:  opts.Image,
	}
	if err := s.store.BindSandbox(ctx, sessionID, binding); err != nil {
		provErr = err
		// The session went away mid-provision; don't leak the sandbox.
		s.logger.Warn("binding lost, terminating fresh sandbox",
			zap.String("session_id", sessionID),
			zap.Error(err))
		_ = handle.Terminate(context.WithoutCancel(ctx))
		return
	}

	s.watchSandbox(sessionID, handle)
	s.publish(events.SessionStatusChanged, map[string]any{"sessionId": sessionID, "status": StatusReady})
}

// buildCreateOptions assembles env, secrets, repo, and image inputs
// for the provider.
func (s *Service) buildCreateOptions(ctx context.Context, sess *Session, providerType string) (sandbox.CreateOptions, error) {
	material, err := s.secrets.Materialize(ctx, secrets.MaterializeFilter{
		Kinds: []secrets.Kind{secrets.KindAIProvider, secrets.KindEnvVar},
	})
	if err != nil {
		return sandbox.CreateOptions{}, fmt.Errorf("materialize secrets: %w", err)
	}
	secretEnv := make(map[string]string, len(material))
	for envVar, plaintext := range material {
		secretEnv[envVar] = string(plaintext)
	}

	opts := sandbox.CreateOptions{
		SessionID: sess.ID,
		Secrets:   secretEnv,
		Env:       map[string]string{},
	}
	if sess.ModelID != "" {
		opts.Env["RELAY_MODEL_PROVIDER"] = sess.ModelProvider
		opts.Env["RELAY_MODEL_ID"] = sess.ModelID
	}
	if sess.Mode == ModeCode {
		opts.RepoURL = sess.RepoID
		opts.RepoBranch = sess.RepoBranch
		opts.RepoToken = secretEnv["GITHUB_TOKEN"]
	}

	if s.envs != nil {
		info, err := s.envs.ForSession(ctx, sess.EnvironmentID, providerType)
		if err != nil {
			return sandbox.CreateOptions{}, err
		}
		opts.Image = info.Image
		opts.ResourceTier = info.Tier
	}
	return opts, nil
}

// watchSandbox mirrors provider status transitions onto the event bus
// and fails the session when the sandbox errors. Subscribers see the
// transition through onSandboxStatusEvent.
func (s *Service) watchSandbox(sessionID string, handle sandbox.Handle) {
	s.mu.Lock()
	if _, watching := s.statusUnsubs[sessionID]; watching {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	unsub := handle.OnStatusChange(func(status sandbox.Status) {
		s.publishAs(events.BuildSandboxStatusSubject(sessionID), events.SandboxStatus, map[string]any{
			"sessionId": sessionID,
			"status":    string(status),
		})
		if status == sandbox.StatusError {
			s.failSession(sessionID, true, "sandbox_error")
		}
	})

	s.mu.Lock()
	s.statusUnsubs[sessionID] = unsub
	s.mu.Unlock()
}

// Get returns a session with its derived wsEndpoint.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.WSEndpoint = wsEndpoint(sess.ID)
	return sess, nil
}

// List returns visible sessions.
func (s *Service) List(ctx context.Context) ([]*Session, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		sess.WSEndpoint = wsEndpoint(sess.ID)
	}
	return sessions, nil
}

// Connect returns what a client needs to open the session WebSocket.
func (s *Service) Connect(ctx context.Context, id string) (*ConnectInfo, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	lastSeq, err := s.journal.LastSeq(ctx, id)
	if err != nil {
		return nil, err
	}
	ready := sess.Status == StatusReady || sess.Status == StatusRunning || sess.Status == StatusPaused
	return &ConnectInfo{
		SessionID:    id,
		Status:       sess.Status,
		LastSeq:      lastSeq,
		SandboxReady: ready,
		WSEndpoint:   wsEndpoint(id),
	}, nil
}

// Events returns a history page.
func (s *Service) Events(ctx context.Context, id string, afterSeq int64, limit int) ([]*journal.Entry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.journal.ReadAfter(ctx, id, afterSeq, limit)
}

// Touch bumps session activity.
func (s *Service) Touch(ctx context.Context, id string) {
	if err := s.store.Touch(ctx, id); err != nil {
		s.logger.Warn("touch failed", zap.String("session_id", id), zap.Error(err))
	}
}

// Delete stops the session, terminates its sandbox, and hides the row.
// Unknown ids are success; delete is idempotent.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	s.teardown(id)

	if sess.Status != StatusStopped {
		err = s.store.Transition(ctx, id, StatusStopped,
			StatusCreating, StatusReady, StatusRunning, StatusPaused, StatusError)
		if err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}

	if b := sess.Binding(); b != nil {
		if err := s.manager.Terminate(ctx, b.ProviderType, b.ProviderID); err != nil {
			s.logger.Warn("sandbox terminate on delete failed",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}
	if err := s.logs.Remove(id); err != nil {
		s.logger.Warn("stderr log cleanup failed", zap.String("session_id", id), zap.Error(err))
	}

	if err := s.store.MarkDeleted(ctx, id); err != nil {
		return err
	}
	s.publish(events.SessionDeleted, map[string]any{"sessionId": id})
	return nil
}

// Pause suspends a running session's sandbox.
func (s *Service) Pause(ctx context.Context, id string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	b := sess.Binding()
	if sess.Status != StatusRunning || b == nil {
		return fmt.Errorf("%w: cannot pause session in status %s", ErrConflict, sess.Status)
	}

	handle, err := s.manager.GetHandle(ctx, b.ProviderType, b.ProviderID)
	if err != nil {
		return err
	}
	if err := handle.Pause(ctx); err != nil {
		return err
	}
	if err := s.store.Transition(ctx, id, StatusPaused, StatusRunning); err != nil {
		return err
	}
	s.publish(events.SessionStatusChanged, map[string]any{"sessionId": id, "status": StatusPaused})
	return nil
}

// Resume unfreezes a paused session, re-materializing fresh secrets
// into the sandbox first.
func (s *Service) Resume(ctx context.Context, id string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	b := sess.Binding()
	if sess.Status != StatusPaused || b == nil {
		return fmt.Errorf("%w: cannot resume session in status %s", ErrConflict, sess.Status)
	}

	material, err := s.secrets.Materialize(ctx, secrets.MaterializeFilter{
		Kinds: []secrets.Kind{secrets.KindAIProvider, secrets.KindEnvVar},
	})
	if err != nil {
		return err
	}
	secretEnv := make(map[string]string, len(material))
	for envVar, plaintext := range material {
		secretEnv[envVar] = string(plaintext)
	}

	if _, err := s.manager.ResumeSession(ctx, b.ProviderType, b.ProviderID, secretEnv, secretEnv["GITHUB_TOKEN"]); err != nil {
		return err
	}
	if err := s.store.Transition(ctx, id, StatusRunning, StatusPaused); err != nil {
		return err
	}
	s.publish(events.SessionStatusChanged, map[string]any{"sessionId": id, "status": StatusRunning})
	return nil
}

// BroadcasterFor returns the session's broadcaster, creating it on
// first use. Broadcasters survive subscriber churn.
func (s *Service) BroadcasterFor(sessionID string) *Broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasters[sessionID]
	if !ok {
		b = NewBroadcaster(sessionID, s.journal, s.sessCfg.SubscriberBuffer, s.logger)
		s.broadcasters[sessionID] = b
	}
	return b
}

// SupervisorFor returns the session's channel supervisor, attaching
// the agent channel on first use.
func (s *Service) SupervisorFor(ctx context.Context, sessionID string) (*Supervisor, error) {
	s.mu.Lock()
	if sup, ok := s.supervisors[sessionID]; ok && !sup.Closed() {
		s.mu.Unlock()
		return sup, nil
	}
	s.mu.Unlock()

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	b := sess.Binding()
	if b == nil {
		return nil, fmt.Errorf("%w: session %s has no sandbox", ErrConflict, sessionID)
	}

	handle, ch, err := s.manager.AttachSession(ctx, b.ProviderType, b.ProviderID)
	if err != nil {
		return nil, err
	}

	sup := newSupervisor(sessionID, b.ProviderType, b.ProviderID,
		s.journal, s.BroadcasterFor(sessionID), s.manager, s.logger,
		time.Duration(s.sessCfg.RPCTimeout)*time.Second, s.sessCfg.ReattachRetries)
	sup.onFirstPrompt = s.onFirstPrompt
	sup.onFailure = func(id string) { s.failSession(id, false, "transport_disconnect") }
	sup.bind(ch)

	s.watchSandbox(sessionID, handle)

	s.mu.Lock()
	s.supervisors[sessionID] = sup
	s.mu.Unlock()
	return sup, nil
}

// onFirstPrompt derives the session name from the first prompt and
// moves ready -> running.
func (s *Service) onFirstPrompt(sessionID, message string) {
	ctx := context.Background()

	if name := deriveName(message); name != "" {
		if err := s.store.SetNameIfEmpty(ctx, sessionID, name); err != nil {
			s.logger.Warn("name derivation failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	err := s.store.Transition(ctx, sessionID, StatusRunning, StatusReady)
	if err != nil && !errors.Is(err, ErrConflict) {
		s.logger.Warn("ready->running transition failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err == nil {
		s.publish(events.SessionStatusChanged, map[string]any{"sessionId": sessionID, "status": StatusRunning})
	}
}

// failSession moves a session to error and optionally journals the
// synthetic agent_end (the supervisor journals its own on transport
// death).
func (s *Service) failSession(sessionID string, appendEnd bool, reason string) {
	ctx := context.Background()

	err := s.store.Transition(ctx, sessionID, StatusError,
		StatusCreating, StatusReady, StatusRunning, StatusPaused)
	if err != nil {
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) {
			s.logger.Error("error transition failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return
	}

	if appendEnd {
		payload := []byte(fmt.Sprintf(`{"type":"agent_end","success":false,"error":%q}`, reason))
		seq, err := s.journal.Append(ctx, sessionID, "agent_end", payload)
		if err != nil {
			s.logger.Error("synthetic agent_end append failed",
				zap.String("session_id", sessionID), zap.Error(err))
		} else {
			s.BroadcasterFor(sessionID).PublishEvent(seq,
				wire.EventFrame{Seq: seq, Type: "agent_end", Payload: payload})
		}
	}

	s.publish(events.SessionStatusChanged, map[string]any{
		"sessionId": sessionID,
		"status":    StatusError,
		"reason":    reason,
	})
}

// teardown stops the supervisor, broadcaster, and status watcher.
func (s *Service) teardown(sessionID string) {
	s.mu.Lock()
	sup := s.supervisors[sessionID]
	delete(s.supervisors, sessionID)
	b := s.broadcasters[sessionID]
	delete(s.broadcasters, sessionID)
	unsub := s.statusUnsubs[sessionID]
	delete(s.statusUnsubs, sessionID)
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup != nil {
		sup.Close()
	}
	if b != nil {
		b.Close()
	}
}

// Close tears everything down; called at shutdown.
func (s *Service) Close() {
	if s.statusSub != nil {
		_ = s.statusSub.Unsubscribe()
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.supervisors)+len(s.broadcasters))
	seen := make(map[string]bool)
	for id := range s.supervisors {
		ids = append(ids, id)
		seen[id] = true
	}
	for id := range s.broadcasters {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.teardown(id)
	}
}

// onSandboxStatusEvent turns sandbox status bus events into
// sandbox_status frames on the session stream.
func (s *Service) onSandboxStatusEvent(_ context.Context, event *bus.Event) error {
	data, ok := event.Data.(map[string]any)
	if !ok {
		return nil
	}
	sessionID, _ := data["sessionId"].(string)
	status, _ := data["status"].(string)
	if sessionID == "" || status == "" {
		return nil
	}
	s.BroadcasterFor(sessionID).PublishFrame(wire.NewSandboxStatus(sessionID, status))
	return nil
}

func (s *Service) publish(subject string, data map[string]any) {
	s.publishAs(subject, subject, data)
}

func (s *Service) publishAs(subject, eventType string, data map[string]any) {
	event := bus.NewEvent(eventType, "session-service", data)
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// deriveName builds a short label from the first prompt.
func deriveName(message string) string {
	name := strings.Join(strings.Fields(message), " ")
	if name == "" {
		return ""
	}
	runes := []rune(name)
	if len(runes) > 48 {
		name = strings.TrimSpace(string(runes[:48]))
	}
	return name
}
