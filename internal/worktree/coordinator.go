// Package worktree manages git worktree leases for agent sessions. Every
// agent works in its own worktree under a shared base directory; paths are
// deterministic so a restarted daemon finds existing leases on disk.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
)

// Coordinator errors.
var (
	ErrWorktreeExists   = errors.New("worktree already exists")
	ErrWorktreeNotFound = errors.New("worktree not found")
	ErrRepoNotGit       = errors.New("repository path is not a git repository")
	ErrGitCommandFailed = errors.New("git command failed")
)

// Config holds the coordinator settings.
type Config struct {
	// BasePath is the directory worktrees are created under.
	BasePath string
	// RepositoryPath is the main checkout worktrees attach to.
	RepositoryPath string
	// DefaultBranch is the branch new task branches fork from. Empty means
	// detect from the repository HEAD.
	DefaultBranch string
}

// Lease describes one provisioned worktree.
type Lease struct {
	AgentName string
	TaskID    string
	Purpose   string
	Path      string
	Branch    string
	ReadOnly  bool
}

// Coordinator provisions and removes git worktrees. Mutations of a single
// repository are serialized through a per-repo mutex because git locks the
// worktree metadata dir.
type Coordinator struct {
	config Config
	logger *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewCoordinator creates a coordinator and ensures the base directory exists.
func NewCoordinator(cfg Config, log *logger.Logger) (*Coordinator, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("worktree base path is required")
	}
	if cfg.RepositoryPath == "" {
		return nil, fmt.Errorf("repository path is required")
	}
	if log == nil {
		log = logger.Default()
	}

	basePath, err := expandPath(cfg.BasePath)
	if err != nil {
		return nil, err
	}
	cfg.BasePath = basePath
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	c := &Coordinator{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-coordinator")),
		repoLocks: make(map[string]*sync.Mutex),
	}

	if !c.isGitRepo(cfg.RepositoryPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotGit, cfg.RepositoryPath)
	}
	return c, nil
}

// TaskWorktreePath returns the deterministic path for an agent's task
// worktree without touching disk.
func (c *Coordinator) TaskWorktreePath(agentName, taskID string) string {
	return filepath.Join(c.config.BasePath, agentName, taskID)
}

// PurposeWorktreePath returns the deterministic path for an agent's
// purpose-scoped worktree (triage, review).
func (c *Coordinator) PurposeWorktreePath(agentName, purpose string) string {
	return filepath.Join(c.config.BasePath, agentName, purpose)
}

// ProvisionTaskWorktree creates a worktree for agentName working taskID on
// the given branch, forking from the default branch when the branch does not
// exist yet. Returns ErrWorktreeExists when the path is already a valid
// worktree, with the lease describing the existing one.
func (c *Coordinator) ProvisionTaskWorktree(ctx context.Context, agentName, taskID, branch string) (*Lease, error) {
	path := c.TaskWorktreePath(agentName, taskID)
	lease := &Lease{AgentName: agentName, TaskID: taskID, Path: path, Branch: branch}

	if c.WorktreeExists(path) {
		return lease, fmt.Errorf("worktree %s: %w", path, ErrWorktreeExists)
	}

	lock := c.getRepoLock(c.config.RepositoryPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create agent directory: %w", err)
	}

	var cmd *exec.Cmd
	if c.branchExists(branch) {
		// Resuming a handoff or recovered task on its existing branch.
		cmd = exec.CommandContext(ctx, "git", "worktree", "add", path, branch)
	} else {
		base, err := c.GetDefaultBranch(ctx)
		if err != nil {
			return nil, err
		}
		cmd = exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, base)
	}
	cmd.Dir = c.config.RepositoryPath

	if output, err := cmd.CombinedOutput(); err != nil {
		c.logger.Error("git worktree add failed",
			zap.String("path", path),
			zap.String("branch", branch),
			zap.String("output", string(output)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	c.logger.Info("provisioned task worktree",
		zap.String("agent", agentName),
		zap.String("task_id", taskID),
		zap.String("path", path),
		zap.String("branch", branch))
	return lease, nil
}

// ProvisionPurposeWorktree creates a read-only worktree at a detached HEAD
// of the default branch, for sessions that inspect but never commit. Returns
// ErrWorktreeExists with the lease when the path is already a worktree; the
// existing checkout may be a stale leftover detached at an old HEAD, so
// callers force-remove and retry rather than reuse it.
func (c *Coordinator) ProvisionPurposeWorktree(ctx context.Context, agentName, purpose string) (*Lease, error) {
	path := c.PurposeWorktreePath(agentName, purpose)
	lease := &Lease{AgentName: agentName, Purpose: purpose, Path: path, ReadOnly: true}

	if c.WorktreeExists(path) {
		return lease, fmt.Errorf("worktree %s: %w", path, ErrWorktreeExists)
	}

	lock := c.getRepoLock(c.config.RepositoryPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create agent directory: %w", err)
	}

	base, err := c.GetDefaultBranch(ctx)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "--detach", path, base)
	cmd.Dir = c.config.RepositoryPath
	if output, err := cmd.CombinedOutput(); err != nil {
		c.logger.Error("git worktree add failed",
			zap.String("path", path),
			zap.String("output", string(output)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	c.logger.Info("provisioned purpose worktree",
		zap.String("agent", agentName),
		zap.String("purpose", purpose),
		zap.String("path", path))
	return lease, nil
}

// Remove removes a worktree, falling back to a direct delete plus prune when
// git refuses.
func (c *Coordinator) Remove(ctx context.Context, path string) error {
	lock := c.getRepoLock(c.config.RepositoryPath)
	lock.Lock()
	defer lock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = c.config.RepositoryPath
	if output, err := cmd.CombinedOutput(); err != nil {
		c.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(path); err != nil {
			return err
		}
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = c.config.RepositoryPath
		if err := prune.Run(); err != nil {
			c.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}

	c.logger.Info("removed worktree", zap.String("path", path))
	return nil
}

// WorktreeExists reports whether path is a valid git worktree. Worktrees
// carry a .git file containing a gitdir pointer, not a .git directory.
func (c *Coordinator) WorktreeExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// GetDefaultBranch returns the configured default branch, or the current
// HEAD branch of the repository when unconfigured.
func (c *Coordinator) GetDefaultBranch(ctx context.Context) (string, error) {
	if c.config.DefaultBranch != "" {
		return c.config.DefaultBranch, nil
	}
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = c.config.RepositoryPath
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: failed to resolve default branch", ErrGitCommandFailed)
	}
	return strings.TrimSpace(string(output)), nil
}

// GetWorkspaceRoot returns the main repository checkout path.
func (c *Coordinator) GetWorkspaceRoot() string {
	return c.config.RepositoryPath
}

// BasePath returns the worktree base directory.
func (c *Coordinator) BasePath() string {
	return c.config.BasePath
}

func (c *Coordinator) getRepoLock(repoPath string) *sync.Mutex {
	c.repoLockMu.Lock()
	defer c.repoLockMu.Unlock()

	if lock, ok := c.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	c.repoLocks[repoPath] = lock
	return lock
}

func (c *Coordinator) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func (c *Coordinator) branchExists(branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = c.config.RepositoryPath
	return cmd.Run() == nil
}

func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
