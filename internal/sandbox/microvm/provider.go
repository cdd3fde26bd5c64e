// Package microvm implements the sandbox provider driving a microVM
// monitor binary. Each sandbox is one monitor process booting a VM
// from the configured kernel and rootfs; the agent's JSONL stdio is
// bridged over the monitor's own stdin/stdout. Pause stops the VM and
// keeps the workspace disk, so losslessPause is not advertised.
package microvm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/logstore"
	"github.com/relayci/relay/internal/sandbox"
)

const (
	maxLineSize     = 10 * 1024 * 1024
	shutdownTimeout = 10 * time.Second
	credentialsFile = "credentials.env"
)

// Provider runs sandboxes as microVM monitor processes.
type Provider struct {
	cfg        config.MicroVMConfig
	sandboxCfg config.SandboxConfig
	logs       *logstore.Store
	logger     *logger.Logger

	mu  sync.Mutex
	vms map[string]*microVM
}

var _ sandbox.Provider = (*Provider)(nil)

// NewProvider creates the microVM provider.
func NewProvider(cfg config.MicroVMConfig, sandboxCfg config.SandboxConfig, logs *logstore.Store, log *logger.Logger) *Provider {
	return &Provider{
		cfg:        cfg,
		sandboxCfg: sandboxCfg,
		logs:       logs,
		logger:     log,
		vms:        make(map[string]*microVM),
	}
}

// Type returns the provider type tag.
func (p *Provider) Type() string { return sandbox.TypeMicroVM }

// Capabilities: pause tears the VM down and resume boots a fresh one,
// only the workspace disk survives.
func (p *Provider) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{LosslessPause: false, PersistentDisk: true}
}

// IsAvailable checks the monitor binary and images exist.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	info, err := os.Stat(p.cfg.MonitorPath)
	if err != nil || info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return false
	}
	if _, err := os.Stat(p.cfg.KernelImage); err != nil {
		return false
	}
	if _, err := os.Stat(p.cfg.RootFSImage); err != nil {
		return false
	}
	return true
}

// CreateSandbox prepares the session directory and boots a VM.
func (p *Provider) CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	providerID := "vm-" + opts.SessionID

	p.mu.Lock()
	if _, exists := p.vms[providerID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("sandbox already exists for session %s", opts.SessionID)
	}
	p.mu.Unlock()

	root := p.sandboxCfg.SessionDir(opts.SessionID)
	for _, dir := range []string{filepath.Join(root, "workspace"), filepath.Join(root, "agent"), filepath.Join(root, "git")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session dir %s: %w", dir, err)
		}
	}
	if err := writeCredentials(root, opts.Secrets, opts.RepoToken); err != nil {
		return nil, err
	}

	vm := &microVM{
		providerID: providerID,
		sessionID:  opts.SessionID,
		provider:   p,
		root:       root,
		env:        opts.Env,
		image:      opts.Image,
		status:     sandbox.StatusCreating,
		statusSubs: make(map[int]func(sandbox.Status)),
		createdAt:  time.Now().UTC(),
	}
	if err := vm.boot(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.vms[providerID] = vm
	p.mu.Unlock()
	vm.setStatus(sandbox.StatusRunning)

	p.logger.Info("microvm sandbox booted",
		zap.String("session_id", opts.SessionID),
		zap.String("provider_id", providerID))
	return vm, nil
}

// GetSandbox reattaches by provider id. VMs do not survive a relay
// restart, so anything not in the map is gone.
func (p *Provider) GetSandbox(ctx context.Context, providerID string) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	vm, ok := p.vms[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrSandboxNotFound, providerID)
	}
	return vm, nil
}

// ListSandboxes enumerates known VMs.
func (p *Provider) ListSandboxes(ctx context.Context) ([]sandbox.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]sandbox.Info, 0, len(p.vms))
	for _, vm := range p.vms {
		infos = append(infos, sandbox.Info{
			ProviderID: vm.providerID,
			SessionID:  vm.sessionID,
			Status:     vm.Status(),
			CreatedAt:  vm.createdAt,
		})
	}
	return infos, nil
}

// Cleanup drops VMs that reached a terminal state.
func (p *Provider) Cleanup(ctx context.Context) (sandbox.CleanupResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result sandbox.CleanupResult
	for id, vm := range p.vms {
		status := vm.Status()
		if status == sandbox.StatusStopped || status == sandbox.StatusError {
			delete(p.vms, id)
			result.Removed++
			result.Artifacts = append(result.Artifacts, id)
		}
	}
	return result, nil
}

func (p *Provider) forget(providerID string) {
	p.mu.Lock()
	delete(p.vms, providerID)
	p.mu.Unlock()
}

// writeCredentials materializes secrets on the agent share; the VM
// mounts it read-only.
func writeCredentials(root string, secrets map[string]string, repoToken string) error {
	entries := make(map[string]string, len(secrets)+1)
	for k, v := range secrets {
		entries[k] = v
	}
	if repoToken != "" {
		entries["GIT_TOKEN"] = repoToken
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + "=" + entries[k] + "\n")
	}

	path := filepath.Join(root, "agent", credentialsFile)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func removeCredentials(root string) error {
	path := filepath.Join(root, "agent", credentialsFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// microVM is one monitor process.
type microVM struct {
	providerID string
	sessionID  string
	provider   *Provider
	root       string
	env        map[string]string
	image      string
	createdAt  time.Time

	mu         sync.Mutex
	status     sandbox.Status
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	exited     chan struct{}
	channel    *sandbox.StdioChannel
	statusSubs map[int]func(sandbox.Status)
	nextSub    int
	generation int
}

var _ sandbox.Handle = (*microVM)(nil)

// boot starts a monitor process and wires its stdio. Called under no
// lock at create time and under the resume path.
func (vm *microVM) boot(ctx context.Context) error {
	p := vm.provider

	args := []string{
		"--kernel", p.cfg.KernelImage,
		"--rootfs", p.cfg.RootFSImage,
		"--workdir", vm.root,
		"--id", vm.sessionID,
	}
	if vm.image != "" {
		args = append(args, "--image", vm.image)
	}

	cmd := exec.Command(p.cfg.MonitorPath, args...)
	cmd.Env = os.Environ()
	for k, v := range vm.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "RELAY_SESSION_ID="+vm.sessionID)
	cmd.Stderr = p.logs.Writer(vm.sessionID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("monitor stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("monitor stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start vm monitor: %w", err)
	}

	vm.mu.Lock()
	vm.cmd = cmd
	vm.stdin = stdin
	vm.exited = make(chan struct{})
	vm.generation++
	generation := vm.generation
	exited := vm.exited
	vm.mu.Unlock()

	go vm.readPump(stdout, generation)
	go vm.wait(cmd, generation, exited)
	return nil
}

// readPump delivers monitor stdout lines to the current channel. One
// pump per boot; a stale generation exits quietly after a re-boot.
func (vm *microVM) readPump(stdout io.Reader, generation int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		vm.mu.Lock()
		stale := vm.generation != generation
		ch := vm.channel
		vm.mu.Unlock()
		if stale {
			return
		}
		if ch != nil {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			ch.Deliver(line)
		}
	}
}

// wait reaps the monitor process. An exit while the VM is still
// supposed to run marks the sandbox errored and closes the channel.
func (vm *microVM) wait(cmd *exec.Cmd, generation int, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	vm.mu.Lock()
	stale := vm.generation != generation
	status := vm.status
	ch := vm.channel
	if !stale {
		vm.channel = nil
	}
	vm.mu.Unlock()

	if stale {
		return
	}

	if status == sandbox.StatusRunning || status == sandbox.StatusCreating {
		vm.provider.logger.Warn("vm monitor exited unexpectedly",
			zap.String("session_id", vm.sessionID),
			zap.Error(err))
		if ch != nil {
			ch.CloseWithReason(sandbox.ReasonPeerExit)
		}
		vm.setStatus(sandbox.StatusError)
	}
}

// shutdown terminates the monitor process, SIGTERM then SIGKILL. The
// reaper goroutine owns Wait; shutdown just watches for the exit.
func (vm *microVM) shutdown() {
	vm.mu.Lock()
	cmd := vm.cmd
	exited := vm.exited
	vm.generation++
	vm.cmd = nil
	vm.stdin = nil
	vm.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(shutdownTimeout):
		_ = cmd.Process.Kill()
		<-exited
	}
}

// ProviderID returns the provider-scoped id.
func (vm *microVM) ProviderID() string { return vm.providerID }

// SessionID returns the owning session id.
func (vm *microVM) SessionID() string { return vm.sessionID }

// Status returns the current state.
func (vm *microVM) Status() sandbox.Status {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.status
}

func (vm *microVM) setStatus(to sandbox.Status) {
	vm.mu.Lock()
	if vm.status == to || !sandbox.CanTransition(vm.status, to) {
		vm.mu.Unlock()
		return
	}
	vm.status = to
	handlers := make([]func(sandbox.Status), 0, len(vm.statusSubs))
	for _, h := range vm.statusSubs {
		handlers = append(handlers, h)
	}
	vm.mu.Unlock()

	for _, h := range handlers {
		h(to)
	}
}

// Attach returns a fresh channel over the monitor's stdin, closing the
// previous one.
func (vm *microVM) Attach(ctx context.Context) (sandbox.Channel, error) {
	vm.mu.Lock()
	if vm.status == sandbox.StatusStopped || vm.status == sandbox.StatusStopping {
		vm.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is stopped", sandbox.ErrSandboxNotFound, vm.providerID)
	}
	if vm.stdin == nil {
		vm.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has no running monitor", sandbox.ErrSandboxNotFound, vm.providerID)
	}
	prev := vm.channel
	ch := sandbox.NewStdioChannel(vm.stdin)
	vm.channel = ch
	vm.mu.Unlock()

	if prev != nil {
		prev.CloseWithReason(sandbox.ReasonReattach)
	}
	return ch, nil
}

// Pause shuts the VM down, keeping the workspace disk. Credentials
// come off disk while suspended.
func (vm *microVM) Pause(ctx context.Context) error {
	if vm.Status() != sandbox.StatusRunning {
		return fmt.Errorf("cannot pause sandbox in status %s", vm.Status())
	}

	vm.mu.Lock()
	ch := vm.channel
	vm.channel = nil
	vm.mu.Unlock()
	if ch != nil {
		ch.CloseWithReason(sandbox.ReasonClosed)
	}

	vm.setStatus(sandbox.StatusPaused)
	vm.shutdown()

	if err := removeCredentials(vm.root); err != nil {
		vm.provider.logger.Warn("failed to remove credentials on pause",
			zap.String("session_id", vm.sessionID),
			zap.Error(err))
	}
	return nil
}

// Resume boots a fresh VM on the preserved workspace with fresh
// credentials.
func (vm *microVM) Resume(ctx context.Context, secrets map[string]string, repoToken string) error {
	switch vm.Status() {
	case sandbox.StatusRunning:
		return nil
	case sandbox.StatusPaused:
	default:
		return fmt.Errorf("cannot resume sandbox in status %s", vm.Status())
	}

	if err := writeCredentials(vm.root, secrets, repoToken); err != nil {
		return err
	}
	if err := vm.boot(ctx); err != nil {
		return err
	}
	vm.setStatus(sandbox.StatusRunning)
	return nil
}

// Terminate shuts the VM down and forgets it.
func (vm *microVM) Terminate(ctx context.Context) error {
	vm.setStatus(sandbox.StatusStopping)

	vm.mu.Lock()
	ch := vm.channel
	vm.channel = nil
	vm.mu.Unlock()
	if ch != nil {
		ch.CloseWithReason(sandbox.ReasonTerminated)
	}

	vm.shutdown()

	if err := removeCredentials(vm.root); err != nil {
		vm.provider.logger.Warn("failed to remove credentials on terminate",
			zap.String("session_id", vm.sessionID),
			zap.Error(err))
	}
	vm.provider.logs.Close(vm.sessionID)

	vm.setStatus(sandbox.StatusStopped)
	vm.provider.forget(vm.providerID)
	return nil
}

// OnStatusChange registers a transition handler.
func (vm *microVM) OnStatusChange(handler func(sandbox.Status)) func() {
	vm.mu.Lock()
	id := vm.nextSub
	vm.nextSub++
	vm.statusSubs[id] = handler
	vm.mu.Unlock()

	return func() {
		vm.mu.Lock()
		delete(vm.statusSubs, id)
		vm.mu.Unlock()
	}
}
