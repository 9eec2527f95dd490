package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/dispatch/assignment"
	"github.com/stoneforge/stoneforge/internal/dispatch/pool"
	"github.com/stoneforge/stoneforge/internal/dispatch/session"
	"github.com/stoneforge/stoneforge/internal/events"
	"github.com/stoneforge/stoneforge/internal/prompts"
	"github.com/stoneforge/stoneforge/internal/storage"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// reaperReason is recorded on sessions terminated by the duration reaper.
const reaperReason = "Exceeded maximum session duration"

// reapSessions force-terminates sessions older than MaxSessionDuration.
func (d *Daemon) reapSessions(ctx context.Context) (int, error) {
	sessions := d.sessions.ListSessions(ctx, session.Filter{
		Statuses: []v1.SessionStatus{
			v1.SessionStatusStarting,
			v1.SessionStatusRunning,
			v1.SessionStatusSuspended,
		},
	})

	processed := 0
	var errs []error
	cutoff := time.Now().UTC().Add(-d.config.MaxSessionDuration)
	for _, sess := range sessions {
		if sess.CreatedAt.After(cutoff) {
			continue
		}
		processed++
		if err := d.sessions.StopSession(ctx, sess.ID, session.StopOptions{
			Reason:   reaperReason,
			Graceful: false,
		}); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
			continue
		}
		d.logger.Info("reaped overlong session",
			zap.String("session_id", sess.ID),
			zap.String("entity_id", sess.EntityID),
			zap.Duration("age", time.Since(sess.CreatedAt)))
	}
	return processed, errors.Join(errs...)
}

// pollInboxes delegates to the inbox router and emits the per-item events.
func (d *Daemon) pollInboxes(ctx context.Context) (int, error) {
	result, err := d.inbox.PollInboxes(ctx)
	if result == nil {
		return 0, err
	}
	for _, fwd := range result.Forwarded {
		d.publish(ctx, events.MessageForwarded, map[string]any{
			"messageId": fwd.MessageID,
			"agentId":   fwd.EntityID,
		})
	}
	for _, triage := range result.Triage {
		d.publish(ctx, events.AgentTriageSpawned, map[string]any{
			"agentId":   triage.EntityID,
			"channelId": triage.ChannelID,
			"worktree":  triage.Worktree,
		})
	}
	return result.Processed, err
}

// pollWorkerAvailability resumes suspended persistent workers. When the
// resume surfaces ready tasks, the top one is dispatched into the freshly
// resumed session.
func (d *Daemon) pollWorkerAvailability(ctx context.Context) (int, error) {
	workers := d.registry.IdleWorkers(ctx, v1.WorkerModePersistent)

	processed := 0
	var errs []error
	for _, worker := range workers {
		processed++
		sess, _, uwp, err := d.sessions.ResumeSession(ctx, worker.ID, session.ResumeOptions{
			StartOptions: session.StartOptions{
				Role:    v1.RoleWorker,
				Persist: true,
			},
			GetReadyTasks: func(ctx context.Context, _ string, limit int) ([]*v1.Task, error) {
				tasks, err := d.assigner.ReadyTasks(ctx)
				if err != nil {
					return nil, err
				}
				if len(tasks) > limit {
					tasks = tasks[:limit]
				}
				return tasks, nil
			},
		})
		if err != nil {
			if errors.Is(err, session.ErrNotResumable) || errors.Is(err, session.ErrAlreadyActive) {
				continue
			}
			errs = append(errs, fmt.Errorf("worker %s: %w", worker.Name, err))
			continue
		}

		d.publish(ctx, events.SessionResumed, map[string]any{
			"agentId":   worker.ID,
			"sessionId": sess.ID,
		})
		if d.onSessionStarted != nil {
			d.onSessionStarted(sess, nil, worker.ID, "")
		}

		if uwp != nil && len(uwp.Tasks) > 0 {
			if err := d.dispatchIntoSession(ctx, uwp.Tasks[0], worker, sess); err != nil {
				errs = append(errs, fmt.Errorf("worker %s: %w", worker.Name, err))
			}
		}
	}
	return processed, errors.Join(errs...)
}

// dispatchIntoSession assigns the task to an already-running worker session
// and tells the worker about it.
func (d *Daemon) dispatchIntoSession(ctx context.Context, task *v1.Task, worker *v1.Entity, sess *v1.Session) error {
	path, branch, err := d.resolveWorktree(ctx, task, worker)
	if err != nil {
		return err
	}
	if _, err := d.assigner.Dispatch(ctx, task.ID, worker.ID, assignment.Options{
		Branch:        branch,
		Worktree:      path,
		SessionID:     sess.ProviderSessionID,
		MarkAsStarted: true,
	}); err != nil {
		return err
	}
	if err := d.assigner.BindSession(ctx, task.ID, worker, sess); err != nil {
		return err
	}

	d.publish(ctx, events.TaskDispatched, map[string]any{
		"taskId":  task.ID,
		"agentId": worker.ID,
	})
	return d.sessions.MessageSession(ctx, sess.ID, session.MessageOptions{
		Content: fmt.Sprintf("You have been assigned task %s: %q.\nWork in the worktree at %s on branch %s.",
			task.ID, task.Title, path, branch),
	})
}

// pollStewardTasks delegates to the merge pipeline and emits spawn events.
func (d *Daemon) pollStewardTasks(ctx context.Context) (int, error) {
	result, err := d.merge.PollStewardTasks(ctx)
	if result == nil {
		return 0, err
	}
	for _, spawn := range result.Spawned {
		d.publish(ctx, events.AgentSpawned, map[string]any{
			"agentId":  spawn.StewardID,
			"worktree": spawn.Worktree,
		})
		d.publish(ctx, events.TaskDispatched, map[string]any{
			"taskId":  spawn.TaskID,
			"agentId": spawn.StewardID,
		})
	}
	return result.Processed, err
}

// pollWorkflowTasks dispatches ready tasks to idle workers, highest
// effective priority first.
func (d *Daemon) pollWorkflowTasks(ctx context.Context) (int, error) {
	ready, err := d.assigner.ReadyTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load ready tasks: %w", err)
	}
	if len(ready) == 0 {
		return 0, nil
	}

	workers := d.registry.IdleWorkers(ctx, "")
	processed := 0
	var errs []error
	next := 0
	for _, task := range ready {
		if next >= len(workers) {
			break
		}
		worker := workers[next]
		processed++

		req := pool.SpawnRequest{
			AgentID:    worker.ID,
			Role:       v1.RoleWorker,
			WorkerMode: worker.WorkerMode,
		}
		if d.pool != nil && !d.pool.CanSpawn(req) {
			next++
			continue
		}

		if err := d.dispatchToWorker(ctx, task, worker, false); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		if d.pool != nil {
			d.pool.OnAgentSpawned(req)
		}
		next++
	}
	return processed, errors.Join(errs...)
}

// dispatchToWorker provisions the worktree, binds the task, spawns a
// headless worker session and emits the dispatch events.
func (d *Daemon) dispatchToWorker(ctx context.Context, task *v1.Task, worker *v1.Entity, restart bool) error {
	path, branch, err := d.resolveWorktree(ctx, task, worker)
	if err != nil {
		return err
	}

	if _, err := d.assigner.Dispatch(ctx, task.ID, worker.ID, assignment.Options{
		Branch:        branch,
		Worktree:      path,
		MarkAsStarted: true,
		Restart:       restart,
	}); err != nil {
		return err
	}

	prompt, err := d.workerPrompt(ctx, task, worker, path, branch)
	if err != nil {
		return err
	}
	if restart {
		prompt = prompts.WithInterruptedPreamble(prompt)
	}

	sess, emitter, err := d.sessions.StartSession(ctx, worker.ID, session.StartOptions{
		Role:             v1.RoleWorker,
		WorkingDirectory: path,
		InitialPrompt:    prompt,
		Persist:          true,
	})
	if err != nil {
		return err
	}
	if err := d.assigner.BindSession(ctx, task.ID, worker, sess); err != nil {
		d.logger.Warn("failed to bind session to task",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	d.publish(ctx, events.TaskDispatched, map[string]any{
		"taskId":  task.ID,
		"agentId": worker.ID,
	})
	d.publish(ctx, events.AgentSpawned, map[string]any{
		"agentId":  worker.ID,
		"worktree": path,
	})
	if d.onSessionStarted != nil {
		d.onSessionStarted(sess, emitter, worker.ID, prompt)
	}

	d.logger.Info("dispatched task to worker",
		zap.String("task_id", task.ID),
		zap.String("worker", worker.Name),
		zap.String("worktree", path),
		zap.Bool("restart", restart))
	return nil
}

// resolveWorktree re-checks the task's lease and recreates it when the
// stored path has been reclaimed.
func (d *Daemon) resolveWorktree(ctx context.Context, task *v1.Task, worker *v1.Entity) (string, string, error) {
	branch := task.Orchestrator.Branch
	if branch == "" {
		branch = assignment.DefaultBranch(worker.Name, task.ID)
	}

	path := task.Orchestrator.Worktree
	if path != "" && d.worktrees.WorktreeExists(path) {
		return path, branch, nil
	}

	path = d.worktrees.TaskWorktreePath(worker.Name, task.ID)
	if d.worktrees.WorktreeExists(path) {
		return path, branch, nil
	}
	lease, err := d.worktrees.ProvisionTaskWorktree(ctx, worker.Name, task.ID, branch)
	if err != nil {
		return "", "", fmt.Errorf("failed to provision worktree: %w", err)
	}
	return lease.Path, lease.Branch, nil
}

func (d *Daemon) workerPrompt(ctx context.Context, task *v1.Task, worker *v1.Entity, path, branch string) (string, error) {
	base, err := prompts.Render(prompts.Worker, prompts.Vars{
		AgentName: worker.Name,
		TaskID:    task.ID,
		TaskTitle: task.Title,
		Worktree:  path,
		Branch:    branch,
	})
	if err != nil {
		return "", err
	}
	if task.DescriptionRef == "" {
		return base, nil
	}
	doc, err := d.store.GetDocument(ctx, task.DescriptionRef)
	if err != nil {
		d.logger.Warn("failed to load task description",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return base, nil
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n## Task description\n")
	b.WriteString(doc.Content)
	b.WriteString("\n")
	return b.String(), nil
}

// reconcileClosedUnmerged wraps the merge pipeline's reconciliation poll.
func (d *Daemon) reconcileClosedUnmerged(ctx context.Context) (int, error) {
	result, err := d.merge.ReconcileClosedUnmerged(ctx)
	if result == nil {
		return 0, err
	}
	return result.Processed, err
}

// recoverStuckMerges wraps the merge pipeline's stuck-merge poll.
func (d *Daemon) recoverStuckMerges(ctx context.Context) (int, error) {
	result, err := d.merge.RecoverStuckMerges(ctx)
	if result == nil {
		return 0, err
	}
	return result.Processed, err
}

// recoverOrphans restores the no-orphan invariant: every IN_PROGRESS task
// with an assignee gets a live session, resumed from the stored provider
// session where possible, restarted fresh with the interrupted preamble
// otherwise.
func (d *Daemon) recoverOrphans(ctx context.Context) (int, error) {
	tasks, err := d.store.ListTasks(ctx, storage.TaskFilter{
		Statuses: []v1.TaskStatus{v1.TaskStatusInProgress},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list in-progress tasks: %w", err)
	}

	processed := 0
	var errs []error
	for _, task := range tasks {
		if task.Assignee == "" {
			continue
		}
		if active, _ := d.sessions.GetActiveSession(ctx, task.Assignee); active != nil {
			continue
		}
		processed++

		worker, err := d.store.GetEntity(ctx, task.Assignee)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		if err := d.recoverOrphanedTask(ctx, task, worker); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			d.notify(ctx, "warning", "Orphan recovery failed",
				fmt.Sprintf("task %s (%s): %v", task.ID, task.Title, err))
		}
	}
	return processed, errors.Join(errs...)
}

func (d *Daemon) recoverOrphanedTask(ctx context.Context, task *v1.Task, worker *v1.Entity) error {
	path, _, err := d.resolveWorktree(ctx, task, worker)
	if err != nil {
		return err
	}

	if task.Orchestrator.SessionID != "" {
		sess, _, _, err := d.sessions.ResumeSession(ctx, worker.ID, session.ResumeOptions{
			StartOptions: session.StartOptions{
				Role:             v1.RoleWorker,
				WorkingDirectory: path,
				Persist:          true,
			},
			ProviderSessionID: task.Orchestrator.SessionID,
		})
		if err == nil {
			if err := d.assigner.BindSession(ctx, task.ID, worker, sess); err != nil {
				d.logger.Warn("failed to bind resumed session",
					zap.String("task_id", task.ID),
					zap.Error(err))
			}
			d.publish(ctx, events.SessionResumed, map[string]any{
				"agentId":   worker.ID,
				"sessionId": sess.ID,
			})
			if d.onSessionStarted != nil {
				d.onSessionStarted(sess, nil, worker.ID, "")
			}
			d.logger.Info("resumed orphaned session",
				zap.String("task_id", task.ID),
				zap.String("worker", worker.Name))
			return nil
		}
		d.logger.Warn("orphan resume failed, restarting fresh",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	return d.dispatchToWorker(ctx, task, worker, true)
}
