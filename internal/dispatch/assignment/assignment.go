// Package assignment binds tasks to agents: orchestrator metadata, task
// status transitions, and the notification message to the task creator.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
	"github.com/stoneforge/stoneforge/internal/storage"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// ErrIllegalTransition is returned when markAsStarted is requested against a
// task that is already past IN_PROGRESS.
var ErrIllegalTransition = errors.New("illegal task status transition")

// TaskStore is the slice of storage the assigner consumes.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	UpdateTask(ctx context.Context, task *v1.Task) error
	ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*v1.Task, error)
	ReadyTasks(ctx context.Context) ([]*v1.Task, error)
	GetEntity(ctx context.Context, id string) (*v1.Entity, error)
	CreateDirectChannel(ctx context.Context, memberIDs []string) (*v1.Channel, error)
	PostMessage(ctx context.Context, msg *v1.Message) (*v1.Message, error)
}

// Options shapes one dispatch call.
type Options struct {
	// Branch overrides the default agent/<agentName>/<taskId> branch.
	Branch string
	// Worktree is the provisioned working directory.
	Worktree string
	// SessionID is the provider-owned session id, when already known.
	SessionID string
	// MarkAsStarted transitions OPEN -> IN_PROGRESS.
	MarkAsStarted bool
	// Restart flags the notification as a restart of interrupted work.
	Restart bool
}

// Result is returned from Dispatch.
type Result struct {
	Task            *v1.Task
	Agent           *v1.Entity
	Notification    *v1.Message
	Channel         *v1.Channel
	IsNewAssignment bool
	DispatchedAt    time.Time
}

// Query filters task queries.
type Query struct {
	Statuses      []v1.TaskStatus
	MergeStatuses []v1.MergeStatus
}

// Assignment pairs a task with its orchestrator metadata for observers.
type Assignment struct {
	Task *v1.Task
	Meta v1.OrchestratorMeta
}

// Assigner performs the task-agent binding.
type Assigner struct {
	store  TaskStore
	logger *logger.Logger
}

// New creates an assigner.
func New(store TaskStore, log *logger.Logger) *Assigner {
	if log == nil {
		log = logger.Default()
	}
	return &Assigner{
		store:  store,
		logger: log.WithFields(zap.String("component", "task-assignment")),
	}
}

// DefaultBranch is the conventional task branch for an agent.
func DefaultBranch(agentName, taskID string) string {
	return fmt.Sprintf("agent/%s/%s", agentName, taskID)
}

// Dispatch binds the task to the agent. Repeating a dispatch with the same
// agent is a reassignment: the notification type changes and the task state
// stays where the first call left it.
func (a *Assigner) Dispatch(ctx context.Context, taskID, agentID string, opts Options) (*Result, error) {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	agent, err := a.store.GetEntity(ctx, agentID)
	if err != nil {
		return nil, err
	}

	isNew := task.Assignee != agentID

	branch := opts.Branch
	if branch == "" {
		if task.Orchestrator.Branch != "" {
			branch = task.Orchestrator.Branch
		} else {
			branch = DefaultBranch(agent.Name, task.ID)
		}
	}

	task.Assignee = agentID
	task.Orchestrator.AssignedAgent = agentID
	task.Orchestrator.Branch = branch
	if opts.Worktree != "" {
		task.Orchestrator.Worktree = opts.Worktree
	}
	if opts.SessionID != "" {
		task.Orchestrator.SessionID = opts.SessionID
	}

	if opts.MarkAsStarted {
		switch task.Status {
		case v1.TaskStatusOpen:
			task.Status = v1.TaskStatusInProgress
		case v1.TaskStatusInProgress:
			// Already started; reassignment keeps it.
		default:
			return nil, fmt.Errorf("%w: cannot start task in status %s", ErrIllegalTransition, task.Status)
		}
	}

	if err := a.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist assignment: %w", err)
	}

	result := &Result{
		Task:            task,
		Agent:           agent,
		IsNewAssignment: isNew,
		DispatchedAt:    time.Now().UTC(),
	}

	// Notify the task creator on their direct channel with the agent. A
	// creator-less task (system-generated) gets no notification.
	if task.CreatedBy != "" && task.CreatedBy != agentID {
		channel, err := a.store.CreateDirectChannel(ctx, []string{agentID, task.CreatedBy})
		if err != nil {
			a.logger.Warn("failed to resolve notification channel",
				zap.String("task_id", taskID),
				zap.Error(err))
			return result, nil
		}

		msgType := v1.MessageTypeTaskAssignment
		if !isNew {
			msgType = v1.MessageTypeTaskReassignment
		}
		notification, err := a.store.PostMessage(ctx, &v1.Message{
			ChannelID: channel.ID,
			SenderID:  agentID,
			Content:   fmt.Sprintf("Task %q assigned to %s", task.Title, agent.Name),
			Metadata: v1.MessageMetadata{
				Type:     msgType,
				TaskID:   task.ID,
				Priority: task.Priority,
				Restart:  opts.Restart,
			},
		})
		if err != nil {
			a.logger.Warn("failed to post assignment notification",
				zap.String("task_id", taskID),
				zap.Error(err))
		} else {
			result.Channel = channel
			result.Notification = notification
		}
	}

	a.logger.Info("dispatched task",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.String("branch", branch),
		zap.Bool("new_assignment", isNew))
	return result, nil
}

// BindSession records a spawned session against the task: the live provider
// session id plus an append-only session-history entry.
func (a *Assigner) BindSession(ctx context.Context, taskID string, agent *v1.Entity, session *v1.Session) error {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	task.Orchestrator.SessionID = session.ProviderSessionID
	task.Orchestrator.SessionHistory = append(task.Orchestrator.SessionHistory, v1.TaskSessionRecord{
		SessionID:         session.ID,
		ProviderSessionID: session.ProviderSessionID,
		AgentID:           agent.ID,
		AgentName:         agent.Name,
		AgentRole:         agent.Role,
		StartedAt:         session.CreatedAt,
	})
	return a.store.UpdateTask(ctx, task)
}

// GetAgentTasks returns tasks assigned to the entity matching the query.
func (a *Assigner) GetAgentTasks(ctx context.Context, entityID string, query Query) ([]*v1.Task, error) {
	return a.store.ListTasks(ctx, storage.TaskFilter{
		Assignee:      entityID,
		Statuses:      query.Statuses,
		MergeStatuses: query.MergeStatuses,
	})
}

// GetUnassignedTasks returns unassigned tasks matching the query.
func (a *Assigner) GetUnassignedTasks(ctx context.Context, query Query) ([]*v1.Task, error) {
	return a.store.ListTasks(ctx, storage.TaskFilter{
		Unassigned:    true,
		Statuses:      query.Statuses,
		MergeStatuses: query.MergeStatuses,
	})
}

// ListAssignments exposes orchestrator metadata alongside each task.
func (a *Assigner) ListAssignments(ctx context.Context, query Query) ([]Assignment, error) {
	tasks, err := a.store.ListTasks(ctx, storage.TaskFilter{
		Statuses:      query.Statuses,
		MergeStatuses: query.MergeStatuses,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Assignment, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, Assignment{Task: task, Meta: task.Orchestrator})
	}
	return out, nil
}

// ReadyTasks proxies the storage layer's authoritative ready queue.
func (a *Assigner) ReadyTasks(ctx context.Context) ([]*v1.Task, error) {
	return a.store.ReadyTasks(ctx)
}
