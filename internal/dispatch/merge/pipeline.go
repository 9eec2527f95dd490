// Package merge drives tasks from REVIEW to CLOSED through merge stewards:
// steward selection, the pre-spawn sync step, and the two recovery polls
// that unstick abandoned or prematurely closed merges.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
	"github.com/stoneforge/stoneforge/internal/dispatch/assignment"
	"github.com/stoneforge/stoneforge/internal/dispatch/pool"
	"github.com/stoneforge/stoneforge/internal/dispatch/session"
	"github.com/stoneforge/stoneforge/internal/dispatch/spawner"
	"github.com/stoneforge/stoneforge/internal/prompts"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/worktree"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// maxRecoveryAttempts caps both recovery counters. A task that exhausts its
// attempts stays put until a human intervenes.
const maxRecoveryAttempts = 3

// mergePurpose names the steward's conventional purpose worktree.
const mergePurpose = "merge"

// TaskStore is the slice of storage the pipeline consumes.
type TaskStore interface {
	ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*v1.Task, error)
	UpdateTask(ctx context.Context, task *v1.Task) error
	GetEntity(ctx context.Context, id string) (*v1.Entity, error)
	GetDocument(ctx context.Context, id string) (*v1.Document, error)
}

// StewardRegistry answers which merge stewards are idle.
type StewardRegistry interface {
	IdleStewards(ctx context.Context, focus v1.StewardFocus) []*v1.Entity
}

// SessionManager is the slice of the session manager the pipeline consumes.
type SessionManager interface {
	GetActiveSession(ctx context.Context, entityID string) (*v1.Session, error)
	StartSession(ctx context.Context, entityID string, opts session.StartOptions) (*v1.Session, *spawner.Emitter, error)
}

// WorktreeProvider provisions and reclaims merge worktrees.
type WorktreeProvider interface {
	ProvisionTaskWorktree(ctx context.Context, agentName, taskID, branch string) (*worktree.Lease, error)
	PurposeWorktreePath(agentName, purpose string) string
	WorktreeExists(path string) bool
	Remove(ctx context.Context, path string) error
	GetDefaultBranch(ctx context.Context) (string, error)
}

// Syncer performs the pre-spawn sync step.
type Syncer interface {
	Sync(ctx context.Context, worktreePath, defaultBranch string) *v1.SyncResult
}

// SlotPool gates steward spawns.
type SlotPool interface {
	CanSpawn(req pool.SpawnRequest) bool
	OnAgentSpawned(req pool.SpawnRequest)
}

// Config tunes the recovery polls.
type Config struct {
	ClosedUnmergedGracePeriod     time.Duration
	StuckMergeRecoveryGracePeriod time.Duration
}

// StewardSpawn records one steward session started during a poll.
type StewardSpawn struct {
	TaskID    string
	StewardID string
	SessionID string
	Worktree  string
}

// Result summarizes one steward-trigger poll.
type Result struct {
	Processed int
	Spawned   []StewardSpawn
}

// RecoveryResult summarizes one recovery poll.
type RecoveryResult struct {
	Processed int
	Recovered int
}

// Pipeline owns the merge lifecycle of REVIEW tasks.
type Pipeline struct {
	store     TaskStore
	registry  StewardRegistry
	sessions  SessionManager
	worktrees WorktreeProvider
	syncer    Syncer
	pool      SlotPool
	config    Config
	logger    *logger.Logger

	now func() time.Time // swappable for tests
}

// NewPipeline creates a merge pipeline.
func NewPipeline(store TaskStore, registry StewardRegistry, sessions SessionManager, worktrees WorktreeProvider, syncer Syncer, slots SlotPool, cfg Config, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Default()
	}
	if cfg.ClosedUnmergedGracePeriod <= 0 {
		cfg.ClosedUnmergedGracePeriod = 2 * time.Minute
	}
	if cfg.StuckMergeRecoveryGracePeriod <= 0 {
		cfg.StuckMergeRecoveryGracePeriod = 10 * time.Minute
	}
	return &Pipeline{
		store:     store,
		registry:  registry,
		sessions:  sessions,
		worktrees: worktrees,
		syncer:    syncer,
		pool:      slots,
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "merge-pipeline")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PollStewardTasks pairs eligible REVIEW tasks with idle merge stewards,
// highest-priority task first, one steward per task.
func (p *Pipeline) PollStewardTasks(ctx context.Context) (*Result, error) {
	tasks, err := p.store.ListTasks(ctx, storage.TaskFilter{
		Statuses:      []v1.TaskStatus{v1.TaskStatusReview},
		MergeStatuses: []v1.MergeStatus{v1.MergeStatusPending},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list review tasks: %w", err)
	}

	eligible := make([]*v1.Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Assignee == "" {
			eligible = append(eligible, task)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})

	result := &Result{Processed: len(eligible)}
	if len(eligible) == 0 {
		return result, nil
	}

	stewards := p.registry.IdleStewards(ctx, v1.StewardFocusMerge)
	var errs []error
	next := 0
	for _, task := range eligible {
		if next >= len(stewards) {
			break
		}
		steward := stewards[next]
		if p.pool != nil && !p.pool.CanSpawn(pool.SpawnRequest{
			AgentID:      steward.ID,
			Role:         v1.RoleSteward,
			StewardFocus: v1.StewardFocusMerge,
		}) {
			break
		}

		spawn, err := p.assignSteward(ctx, task, steward)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		if spawn == nil {
			// Stale registry snapshot: the steward picked up a session
			// since the idle scan. The task waits for the next poll.
			next++
			continue
		}
		result.Spawned = append(result.Spawned, *spawn)
		next++
	}
	return result, errors.Join(errs...)
}

func (p *Pipeline) assignSteward(ctx context.Context, task *v1.Task, steward *v1.Entity) (*StewardSpawn, error) {
	defaultBranch, err := p.worktrees.GetDefaultBranch(ctx)
	if err != nil {
		return nil, err
	}

	// Re-check the lease: the worker's worktree may have been reclaimed.
	wt := task.Orchestrator.Worktree
	if wt == "" || !p.worktrees.WorktreeExists(wt) {
		branch := task.Orchestrator.Branch
		if branch == "" {
			branch = assignment.DefaultBranch(steward.Name, task.ID)
		}
		lease, err := p.worktrees.ProvisionTaskWorktree(ctx, steward.Name, task.ID, branch)
		if err != nil {
			return nil, fmt.Errorf("failed to provision merge worktree: %w", err)
		}
		wt = lease.Path
		task.Orchestrator.Worktree = lease.Path
		task.Orchestrator.Branch = lease.Branch
	}

	syncResult := p.syncer.Sync(ctx, wt, defaultBranch)
	task.Orchestrator.LastSyncResult = syncResult

	prompt, err := p.stewardPrompt(ctx, task, steward, wt, syncResult)
	if err != nil {
		return nil, err
	}

	sess, _, err := p.sessions.StartSession(ctx, steward.ID, session.StartOptions{
		Role:             v1.RoleSteward,
		WorkingDirectory: wt,
		InitialPrompt:    prompt,
		Persist:          true,
	})
	if err != nil {
		if errors.Is(err, session.ErrAlreadyActive) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to spawn steward session: %w", err)
	}

	task.Assignee = steward.ID
	task.Orchestrator.AssignedAgent = steward.ID
	task.Orchestrator.MergeStatus = v1.MergeStatusTesting
	task.Orchestrator.SessionID = sess.ProviderSessionID
	task.Orchestrator.SessionHistory = append(task.Orchestrator.SessionHistory, v1.TaskSessionRecord{
		SessionID:         sess.ID,
		ProviderSessionID: sess.ProviderSessionID,
		AgentID:           steward.ID,
		AgentName:         steward.Name,
		AgentRole:         v1.RoleSteward,
		StartedAt:         sess.CreatedAt,
	})
	if err := p.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist steward assignment: %w", err)
	}

	if p.pool != nil {
		p.pool.OnAgentSpawned(pool.SpawnRequest{
			AgentID:      steward.ID,
			Role:         v1.RoleSteward,
			StewardFocus: v1.StewardFocusMerge,
		})
	}

	p.logger.Info("spawned merge steward",
		zap.String("task_id", task.ID),
		zap.String("steward", steward.Name),
		zap.String("sync_outcome", string(syncResult.Outcome)))
	return &StewardSpawn{
		TaskID:    task.ID,
		StewardID: steward.ID,
		SessionID: sess.ID,
		Worktree:  wt,
	}, nil
}

func (p *Pipeline) stewardPrompt(ctx context.Context, task *v1.Task, steward *v1.Entity, wt string, syncResult *v1.SyncResult) (string, error) {
	base, err := prompts.Render(prompts.MergeSteward, prompts.Vars{
		AgentName: steward.Name,
		TaskID:    task.ID,
		TaskTitle: task.Title,
		Worktree:  wt,
		Branch:    task.Orchestrator.Branch,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(base)

	b.WriteString("\n\n## Sync result\n")
	switch syncResult.Outcome {
	case v1.SyncOutcomeSuccess:
		b.WriteString("The branch is up to date with the default branch.\n")
	case v1.SyncOutcomeConflicts:
		b.WriteString("Merging the default branch produced conflicts. Resolve these files first, before testing:\n")
		for _, file := range syncResult.Conflicts {
			fmt.Fprintf(&b, "- %s\n", file)
		}
	case v1.SyncOutcomeError:
		fmt.Fprintf(&b, "The automatic sync failed: %s\nBring the branch up to date manually before testing.\n", syncResult.Message)
	}

	if task.DescriptionRef != "" {
		doc, err := p.store.GetDocument(ctx, task.DescriptionRef)
		if err != nil {
			p.logger.Warn("failed to load task description",
				zap.String("task_id", task.ID),
				zap.Error(err))
		} else {
			b.WriteString("\n## Task description\n")
			b.WriteString(doc.Content)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

// RecoverStuckMerges resets tasks parked in testing or merging with no live
// steward session past the grace period, up to maxRecoveryAttempts times.
func (p *Pipeline) RecoverStuckMerges(ctx context.Context) (*RecoveryResult, error) {
	tasks, err := p.store.ListTasks(ctx, storage.TaskFilter{
		MergeStatuses: []v1.MergeStatus{v1.MergeStatusTesting, v1.MergeStatusMerging},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight merges: %w", err)
	}

	result := &RecoveryResult{}
	var errs []error
	for _, task := range tasks {
		result.Processed++
		if p.now().Sub(task.UpdatedAt) < p.config.StuckMergeRecoveryGracePeriod {
			continue
		}
		if task.Assignee != "" {
			if active, _ := p.sessions.GetActiveSession(ctx, task.Assignee); active != nil {
				continue
			}
		}
		if task.Orchestrator.StuckMergeRecoveryCount >= maxRecoveryAttempts {
			p.logger.Warn("stuck merge exhausted recovery attempts",
				zap.String("task_id", task.ID),
				zap.String("merge_status", string(task.Orchestrator.MergeStatus)))
			continue
		}

		p.removeStewardWorktree(ctx, task)

		task.Orchestrator.MergeStatus = v1.MergeStatusPending
		task.Orchestrator.StuckMergeRecoveryCount++
		task.Assignee = ""
		task.Orchestrator.AssignedAgent = ""
		if err := p.store.UpdateTask(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		result.Recovered++
		p.logger.Info("recovered stuck merge",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Orchestrator.StuckMergeRecoveryCount))
	}
	return result, errors.Join(errs...)
}

// removeStewardWorktree force-removes the previously assigned steward's
// conventional merge worktree, if any.
func (p *Pipeline) removeStewardWorktree(ctx context.Context, task *v1.Task) {
	if task.Assignee == "" {
		return
	}
	steward, err := p.store.GetEntity(ctx, task.Assignee)
	if err != nil {
		return
	}
	path := p.worktrees.PurposeWorktreePath(steward.Name, mergePurpose)
	if !p.worktrees.WorktreeExists(path) {
		return
	}
	if err := p.worktrees.Remove(ctx, path); err != nil {
		p.logger.Warn("failed to remove stale merge worktree",
			zap.String("path", path),
			zap.Error(err))
	}
}

// ReconcileClosedUnmerged pushes tasks that were closed without reaching
// merged back to REVIEW after the grace period, up to maxRecoveryAttempts
// times. Tasks that never entered the merge pipeline are left alone.
func (p *Pipeline) ReconcileClosedUnmerged(ctx context.Context) (*RecoveryResult, error) {
	tasks, err := p.store.ListTasks(ctx, storage.TaskFilter{
		Statuses: []v1.TaskStatus{v1.TaskStatusClosed},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list closed tasks: %w", err)
	}

	result := &RecoveryResult{}
	var errs []error
	for _, task := range tasks {
		ms := task.Orchestrator.MergeStatus
		if ms == "" || ms == v1.MergeStatusMerged {
			continue
		}
		result.Processed++
		if task.ClosedAt == nil || p.now().Sub(*task.ClosedAt) < p.config.ClosedUnmergedGracePeriod {
			continue
		}
		if task.Orchestrator.ReconciliationCount >= maxRecoveryAttempts {
			p.logger.Warn("closed-unmerged task exhausted reconciliation attempts",
				zap.String("task_id", task.ID))
			continue
		}

		task.Status = v1.TaskStatusReview
		task.ClosedAt = nil
		task.CloseReason = ""
		task.Assignee = ""
		task.Orchestrator.AssignedAgent = ""
		task.Orchestrator.MergeStatus = v1.MergeStatusPending
		task.Orchestrator.ReconciliationCount++
		if err := p.store.UpdateTask(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		result.Recovered++
		p.logger.Info("reconciled closed-unmerged task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Orchestrator.ReconciliationCount))
	}
	return result, errors.Join(errs...)
}
