// Package daemon drives the scheduling cycle: a timer-fired sequence of
// sub-polls over inboxes, idle workers, merge stewards and recovery paths.
// One cycle runs at a time; a tick that arrives mid-cycle is skipped.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/config"
	"github.com/stoneforge/stoneforge/internal/common/logger"
	"github.com/stoneforge/stoneforge/internal/dispatch/assignment"
	"github.com/stoneforge/stoneforge/internal/dispatch/inbox"
	"github.com/stoneforge/stoneforge/internal/dispatch/merge"
	"github.com/stoneforge/stoneforge/internal/dispatch/pool"
	"github.com/stoneforge/stoneforge/internal/dispatch/session"
	"github.com/stoneforge/stoneforge/internal/dispatch/spawner"
	"github.com/stoneforge/stoneforge/internal/events"
	"github.com/stoneforge/stoneforge/internal/events/bus"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/worktree"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// stopDrainTimeout bounds how long Stop waits for the in-flight cycle.
const stopDrainTimeout = 30 * time.Second

// Poll kinds, used in PollResult.PollType and manual triggers.
const (
	PollSessionReaper    = "session_reaper"
	PollInbox            = "inbox"
	PollWorkerAvail      = "worker_availability"
	PollStewardTrigger   = "steward_trigger"
	PollWorkflowTasks    = "workflow_tasks"
	PollReconciliation   = "closed_unmerged_reconciliation"
	PollStuckMerge       = "stuck_merge_recovery"
	PollOrphanRecovery   = "orphan_recovery"
)

// ErrUnknownPoll is returned by TriggerPoll for an unrecognized kind.
var ErrUnknownPoll = errors.New("unknown poll kind")

// ErrAlreadyRunning is returned by Start when the daemon is running.
var ErrAlreadyRunning = errors.New("daemon already running")

// PollResult is the per-sub-poll outcome reported to observers.
type PollResult struct {
	PollType      string    `json:"pollType"`
	StartedAt     time.Time `json:"startedAt"`
	DurationMS    int64     `json:"durationMs"`
	Processed     int       `json:"processed"`
	Errors        int       `json:"errors"`
	ErrorMessages []string  `json:"errorMessages,omitempty"`
}

// Store is the slice of storage the daemon consumes directly.
type Store interface {
	ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*v1.Task, error)
	GetEntity(ctx context.Context, id string) (*v1.Entity, error)
	ListEntities(ctx context.Context, filter storage.EntityFilter) ([]*v1.Entity, error)
	GetDocument(ctx context.Context, id string) (*v1.Document, error)
}

// SessionManager is the slice of the session manager the daemon consumes.
type SessionManager interface {
	StartSession(ctx context.Context, entityID string, opts session.StartOptions) (*v1.Session, *spawner.Emitter, error)
	ResumeSession(ctx context.Context, entityID string, opts session.ResumeOptions) (*v1.Session, *spawner.Emitter, *session.UWPCheck, error)
	StopSession(ctx context.Context, sessionID string, opts session.StopOptions) error
	GetActiveSession(ctx context.Context, entityID string) (*v1.Session, error)
	ListSessions(ctx context.Context, filter session.Filter) []*v1.Session
	LoadSessionState(ctx context.Context, entityID string) (*v1.Session, error)
	MessageSession(ctx context.Context, sessionID string, opts session.MessageOptions) error
}

// AgentRegistry answers which agents are idle.
type AgentRegistry interface {
	Refresh(ctx context.Context) error
	IdleWorkers(ctx context.Context, mode v1.WorkerMode) []*v1.Entity
}

// Assigner binds tasks to agents.
type Assigner interface {
	Dispatch(ctx context.Context, taskID, agentID string, opts assignment.Options) (*assignment.Result, error)
	BindSession(ctx context.Context, taskID string, agent *v1.Entity, sess *v1.Session) error
	ReadyTasks(ctx context.Context) ([]*v1.Task, error)
}

// InboxPoller runs the inbox routing poll.
type InboxPoller interface {
	PollInboxes(ctx context.Context) (*inbox.Result, error)
}

// MergePipeline runs the steward and recovery polls.
type MergePipeline interface {
	PollStewardTasks(ctx context.Context) (*merge.Result, error)
	RecoverStuckMerges(ctx context.Context) (*merge.RecoveryResult, error)
	ReconcileClosedUnmerged(ctx context.Context) (*merge.RecoveryResult, error)
}

// WorktreeProvider provisions task worktrees for dispatch.
type WorktreeProvider interface {
	TaskWorktreePath(agentName, taskID string) string
	WorktreeExists(path string) bool
	ProvisionTaskWorktree(ctx context.Context, agentName, taskID, branch string) (*worktree.Lease, error)
}

// SlotPool gates spawns.
type SlotPool interface {
	CanSpawn(req pool.SpawnRequest) bool
	OnAgentSpawned(req pool.SpawnRequest)
}

// EventPublisher is the outbound slice of the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// SessionStartedFunc is invoked exactly once per session the daemon starts.
type SessionStartedFunc func(sess *v1.Session, emitter *spawner.Emitter, entityID, initialPrompt string)

// Daemon owns the poll loop.
type Daemon struct {
	config    config.DispatchConfig
	store     Store
	sessions  SessionManager
	registry  AgentRegistry
	assigner  Assigner
	inbox     InboxPoller
	merge     MergePipeline
	worktrees WorktreeProvider
	pool      SlotPool
	events    EventPublisher
	logger    *logger.Logger

	onSessionStarted SessionStartedFunc

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	// cycleMu serializes poll cycles; a tick that cannot take it is skipped.
	cycleMu sync.Mutex

	resultsMu   sync.Mutex
	lastResults map[string]PollResult
}

// Options wires a daemon.
type Options struct {
	Config           config.DispatchConfig
	Store            Store
	Sessions         SessionManager
	Registry         AgentRegistry
	Assigner         Assigner
	Inbox            InboxPoller
	Merge            MergePipeline
	Worktrees        WorktreeProvider
	Pool             SlotPool
	Events           EventPublisher
	Logger           *logger.Logger
	OnSessionStarted SessionStartedFunc
}

// New creates a daemon. The poll interval is clamped to its supported range.
func New(opts Options) *Daemon {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	opts.Config.Normalize()
	return &Daemon{
		config:           opts.Config,
		store:            opts.Store,
		sessions:         opts.Sessions,
		registry:         opts.Registry,
		assigner:         opts.Assigner,
		inbox:            opts.Inbox,
		merge:            opts.Merge,
		worktrees:        opts.Worktrees,
		pool:             opts.Pool,
		events:           opts.Events,
		logger:           log.WithFields(zap.String("component", "dispatch-daemon")),
		onSessionStarted: opts.OnSessionStarted,
		lastResults:      make(map[string]PollResult),
	}
}

// Start reconciles persisted session state, runs one synchronous
// orphan-recovery pass, then begins the poll timer.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	d.mu.Unlock()

	d.reconcileSessions(ctx)

	if d.config.OrphanRecoveryEnabled {
		d.runPoll(ctx, PollOrphanRecovery, d.recoverOrphans)
	}

	go d.loop(ctx)

	d.notify(ctx, "info", "Dispatch daemon started", "")
	d.logger.Info("daemon started",
		zap.Duration("poll_interval", d.config.PollInterval))
	return nil
}

// Stop halts the timer and waits for the in-flight cycle, up to 30s.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	done := d.done
	d.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		d.logger.Warn("stop timed out waiting for in-flight cycle")
	}

	d.notify(ctx, "info", "Dispatch daemon stopped", "")
	d.logger.Info("daemon stopped")
	return nil
}

// Running reports whether the poll loop is active.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// LastResults returns the most recent result per poll kind.
func (d *Daemon) LastResults() map[string]PollResult {
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	out := make(map[string]PollResult, len(d.lastResults))
	for k, v := range d.lastResults {
		out[k] = v
	}
	return out
}

// PollInterval returns the effective (clamped) poll interval.
func (d *Daemon) PollInterval() time.Duration {
	return d.config.PollInterval
}

func (d *Daemon) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

// runCycle executes the sub-polls in their contractual order. Sub-poll
// failures are counted and reported, never propagated.
func (d *Daemon) runCycle(ctx context.Context) {
	if !d.cycleMu.TryLock() {
		d.logger.Debug("previous cycle still running, tick skipped")
		return
	}
	defer d.cycleMu.Unlock()

	if d.config.MaxSessionDuration > 0 {
		d.runPoll(ctx, PollSessionReaper, d.reapSessions)
	}
	if d.config.InboxPollEnabled {
		d.runPoll(ctx, PollInbox, d.pollInboxes)
	}
	if d.config.WorkerAvailabilityPollEnabled {
		d.runPoll(ctx, PollWorkerAvail, d.pollWorkerAvailability)
	}
	if d.config.StewardTriggerPollEnabled {
		d.runPoll(ctx, PollStewardTrigger, d.pollStewardTasks)
	}
	if d.config.WorkflowTaskPollEnabled {
		d.runPoll(ctx, PollWorkflowTasks, d.pollWorkflowTasks)
	}
	if d.config.ClosedUnmergedReconciliationEnabled {
		d.runPoll(ctx, PollReconciliation, d.reconcileClosedUnmerged)
	}
	if d.config.StuckMergeRecoveryEnabled {
		d.runPoll(ctx, PollStuckMerge, d.recoverStuckMerges)
	}
}

// TriggerPoll runs a single poll kind immediately, serialized against the
// timer-driven cycles.
func (d *Daemon) TriggerPoll(ctx context.Context, kind string) (*PollResult, error) {
	var fn func(ctx context.Context) (int, error)
	switch kind {
	case PollSessionReaper:
		fn = d.reapSessions
	case PollInbox:
		fn = d.pollInboxes
	case PollWorkerAvail:
		fn = d.pollWorkerAvailability
	case PollStewardTrigger:
		fn = d.pollStewardTasks
	case PollWorkflowTasks:
		fn = d.pollWorkflowTasks
	case PollReconciliation:
		fn = d.reconcileClosedUnmerged
	case PollStuckMerge:
		fn = d.recoverStuckMerges
	case PollOrphanRecovery:
		fn = d.recoverOrphans
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPoll, kind)
	}

	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	result := d.runPoll(ctx, kind, fn)
	return &result, nil
}

// runPoll wraps one sub-poll with timing, result bookkeeping and events.
func (d *Daemon) runPoll(ctx context.Context, kind string, fn func(ctx context.Context) (int, error)) PollResult {
	d.publish(ctx, events.PollStart, map[string]any{"pollType": kind})

	started := time.Now().UTC()
	processed, err := d.safePoll(ctx, kind, fn)

	result := PollResult{
		PollType:   kind,
		StartedAt:  started,
		DurationMS: time.Since(started).Milliseconds(),
		Processed:  processed,
	}
	if err != nil {
		for _, sub := range flatten(err) {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, sub.Error())
		}
		d.logger.Warn("sub-poll finished with errors",
			zap.String("poll_type", kind),
			zap.Int("errors", result.Errors),
			zap.Error(err))
		d.publish(ctx, events.PollError, map[string]any{
			"pollType": kind,
			"error":    err.Error(),
		})
	}

	d.resultsMu.Lock()
	d.lastResults[kind] = result
	d.resultsMu.Unlock()

	d.publish(ctx, events.PollComplete, map[string]any{
		"pollType":      result.PollType,
		"startedAt":     result.StartedAt,
		"durationMs":    result.DurationMS,
		"processed":     result.Processed,
		"errors":        result.Errors,
		"errorMessages": result.ErrorMessages,
	})
	return result
}

// safePoll runs one sub-poll and converts a panic into an error, so a
// defective poll cannot take the cycle loop down with it.
func (d *Daemon) safePoll(ctx context.Context, kind string, fn func(ctx context.Context) (int, error)) (processed int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll %s panicked: %v", kind, r)
			d.logger.Error("sub-poll panicked",
				zap.String("poll_type", kind),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	return fn(ctx)
}

// flatten unwraps an errors.Join tree into its leaves.
func flatten(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, sub := range joined.Unwrap() {
			out = append(out, flatten(sub)...)
		}
		return out
	}
	return []error{err}
}

// reconcileSessions reconstructs persisted suspended sessions so resume and
// history queries work across a daemon restart.
func (d *Daemon) reconcileSessions(ctx context.Context) {
	entities, err := d.store.ListEntities(ctx, storage.EntityFilter{ActiveOnly: true})
	if err != nil {
		d.logger.Warn("failed to list entities for session reconcile", zap.Error(err))
		return
	}
	restored := 0
	for _, entity := range entities {
		if _, err := d.sessions.LoadSessionState(ctx, entity.ID); err == nil {
			restored++
		}
	}
	if restored > 0 {
		d.logger.Info("reconciled persisted sessions", zap.Int("restored", restored))
	}
}

func (d *Daemon) publish(ctx context.Context, subject string, data map[string]any) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(ctx, subject, bus.NewEvent(subject, "dispatch-daemon", data)); err != nil {
		d.logger.Debug("event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (d *Daemon) notify(ctx context.Context, level, title, message string) {
	data := map[string]any{"level": level, "title": title}
	if message != "" {
		data["message"] = message
	}
	d.publish(ctx, events.DaemonNotification, data)
}
