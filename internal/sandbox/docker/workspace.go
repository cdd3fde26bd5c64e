package docker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/logger"
)

// credentialsFile holds secret material as KEY=VALUE lines. It lives
// on the agent mount and is deleted whenever the sandbox is paused, so
// secrets are never at rest in a suspended sandbox.
const credentialsFile = "credentials.env"

// workspace is the per-session host directory layout:
// <state>/sessions/<id>/{workspace,agent,git}.
type workspace struct {
	root string
}

func newWorkspace(cfg config.SandboxConfig, sessionID string) workspace {
	return workspace{root: cfg.SessionDir(sessionID)}
}

func (w workspace) workspaceDir() string { return filepath.Join(w.root, "workspace") }
func (w workspace) agentDir() string     { return filepath.Join(w.root, "agent") }
func (w workspace) gitDir() string       { return filepath.Join(w.root, "git") }

// ensure creates the mount directories.
func (w workspace) ensure() error {
	for _, dir := range []string{w.workspaceDir(), w.agentDir(), w.gitDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session dir %s: %w", dir, err)
		}
	}
	return nil
}

// writeCredentials materializes secrets onto the agent mount. The file
// is owner-only; keys are sorted so rewrites are deterministic.
func (w workspace) writeCredentials(secrets map[string]string, repoToken string) error {
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
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(entries[k])
		b.WriteByte('\n')
	}

	path := filepath.Join(w.agentDir(), credentialsFile)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// removeCredentials deletes the credential file. Missing is fine.
func (w workspace) removeCredentials() error {
	path := filepath.Join(w.agentDir(), credentialsFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// cloneRepo clones the session's repository into the workspace mount.
// Already-cloned workspaces are left alone so resume paths are cheap.
func cloneRepo(ctx context.Context, log *logger.Logger, repoURL, branch, token, targetPath string) error {
	gitDir := filepath.Join(targetPath, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		return nil
	}

	cloneURL := repoURL
	if token != "" && strings.HasPrefix(repoURL, "https://") {
		cloneURL = "https://x-access-token:" + token + "@" + strings.TrimPrefix(repoURL, "https://")
	}

	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, cloneURL, targetPath)

	log.Info("cloning repository into workspace",
		zap.String("url", repoURL),
		zap.String("branch", branch),
		zap.String("target", targetPath))

	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		// Keep the token out of the error output.
		msg := strings.ReplaceAll(string(out), token, "***")
		return fmt.Errorf("git clone failed: %s: %w", msg, err)
	}
	return nil
}
