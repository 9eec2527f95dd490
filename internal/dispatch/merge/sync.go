package merge

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// Per-command timeouts for the pre-merge sync step.
const (
	fetchTimeout = 60 * time.Second
	mergeTimeout = 120 * time.Second
)

// GitSyncer brings a task worktree up to date with the default branch
// before a merge steward is spawned into it.
type GitSyncer struct {
	logger *logger.Logger
}

// NewGitSyncer creates a syncer.
func NewGitSyncer(log *logger.Logger) *GitSyncer {
	if log == nil {
		log = logger.Default()
	}
	return &GitSyncer{logger: log.WithFields(zap.String("component", "merge-sync"))}
}

// Sync runs git fetch origin and merges origin/<defaultBranch> into the
// worktree. A conflicted merge is left in place so the steward can resolve
// it; the conflicting files are reported in the result.
func (g *GitSyncer) Sync(ctx context.Context, worktreePath, defaultBranch string) *v1.SyncResult {
	result := &v1.SyncResult{SyncedAt: time.Now().UTC()}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	cmd := exec.CommandContext(fetchCtx, "git", "fetch", "origin")
	cmd.Dir = worktreePath
	if output, err := cmd.CombinedOutput(); err != nil {
		g.logger.Warn("git fetch failed",
			zap.String("worktree", worktreePath),
			zap.String("output", string(output)),
			zap.Error(err))
		result.Outcome = v1.SyncOutcomeError
		result.Message = "fetch failed: " + strings.TrimSpace(string(output))
		return result
	}

	mergeCtx, cancel := context.WithTimeout(ctx, mergeTimeout)
	defer cancel()
	cmd = exec.CommandContext(mergeCtx, "git", "merge", "--no-edit", "origin/"+defaultBranch)
	cmd.Dir = worktreePath
	if output, err := cmd.CombinedOutput(); err != nil {
		conflicts := g.conflictingFiles(ctx, worktreePath)
		if len(conflicts) > 0 {
			result.Outcome = v1.SyncOutcomeConflicts
			result.Conflicts = conflicts
			return result
		}
		g.logger.Warn("git merge failed",
			zap.String("worktree", worktreePath),
			zap.String("output", string(output)),
			zap.Error(err))
		result.Outcome = v1.SyncOutcomeError
		result.Message = "merge failed: " + strings.TrimSpace(string(output))
		return result
	}

	result.Outcome = v1.SyncOutcomeSuccess
	return result
}

func (g *GitSyncer) conflictingFiles(ctx context.Context, worktreePath string) []string {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", "--diff-filter=U")
	cmd.Dir = worktreePath
	output, err := cmd.Output()
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}
