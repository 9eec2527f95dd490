package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge/stoneforge/internal/common/config"
	"github.com/stoneforge/stoneforge/internal/dispatch/assignment"
	"github.com/stoneforge/stoneforge/internal/dispatch/inbox"
	"github.com/stoneforge/stoneforge/internal/dispatch/merge"
	"github.com/stoneforge/stoneforge/internal/dispatch/session"
	"github.com/stoneforge/stoneforge/internal/dispatch/spawner"
	"github.com/stoneforge/stoneforge/internal/events"
	"github.com/stoneforge/stoneforge/internal/events/bus"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/worktree"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

type recordedEvent struct {
	subject string
	data    map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(_ context.Context, subject string, event *bus.Event) error {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{subject: subject, data: event.Data})
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) bySubject(subject string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.subject == subject {
			out = append(out, e)
		}
	}
	return out
}

type resumeCall struct {
	entityID string
	opts     session.ResumeOptions
}

type mockSessions struct {
	mu        sync.Mutex
	active    map[string]*v1.Session
	started   []session.StartOptions
	resumes   []resumeCall
	stopped   map[string]session.StopOptions
	listed    []*v1.Session
	resumeErr error
	nextID    int
}

func newMockSessions() *mockSessions {
	return &mockSessions{
		active:  make(map[string]*v1.Session),
		stopped: make(map[string]session.StopOptions),
	}
}

func (m *mockSessions) newSession(entityID string) *v1.Session {
	m.nextID++
	return &v1.Session{
		ID:                fmt.Sprintf("sess-%d", m.nextID),
		ProviderSessionID: fmt.Sprintf("prov-%d", m.nextID),
		EntityID:          entityID,
		Status:            v1.SessionStatusRunning,
		CreatedAt:         time.Now().UTC(),
	}
}

func (m *mockSessions) StartSession(_ context.Context, entityID string, opts session.StartOptions) (*v1.Session, *spawner.Emitter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[entityID]; ok {
		return nil, nil, session.ErrAlreadyActive
	}
	s := m.newSession(entityID)
	s.WorkingDirectory = opts.WorkingDirectory
	m.active[entityID] = s
	m.started = append(m.started, opts)
	return s, spawner.NewEmitter(), nil
}

func (m *mockSessions) ResumeSession(_ context.Context, entityID string, opts session.ResumeOptions) (*v1.Session, *spawner.Emitter, *session.UWPCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumes = append(m.resumes, resumeCall{entityID: entityID, opts: opts})
	if m.resumeErr != nil {
		return nil, nil, nil, m.resumeErr
	}
	s := m.newSession(entityID)
	s.WorkingDirectory = opts.WorkingDirectory
	m.active[entityID] = s
	return s, spawner.NewEmitter(), nil, nil
}

func (m *mockSessions) StopSession(_ context.Context, sessionID string, opts session.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped[sessionID] = opts
	return nil
}

func (m *mockSessions) GetActiveSession(_ context.Context, entityID string) (*v1.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", entityID, session.ErrSessionNotFound)
	}
	return s, nil
}

func (m *mockSessions) ListSessions(_ context.Context, _ session.Filter) []*v1.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listed
}

func (m *mockSessions) LoadSessionState(_ context.Context, _ string) (*v1.Session, error) {
	return nil, session.ErrSessionNotFound
}

func (m *mockSessions) MessageSession(_ context.Context, _ string, _ session.MessageOptions) error {
	return nil
}

type mockRegistry struct {
	workers  []*v1.Entity
	sessions *mockSessions
}

func (m *mockRegistry) Refresh(_ context.Context) error { return nil }

// IdleWorkers mirrors the real registry: a worker with an active session is
// not idle.
func (m *mockRegistry) IdleWorkers(ctx context.Context, mode v1.WorkerMode) []*v1.Entity {
	var out []*v1.Entity
	for _, w := range m.workers {
		if mode != "" && w.WorkerMode != mode {
			continue
		}
		if m.sessions != nil {
			if _, err := m.sessions.GetActiveSession(ctx, w.ID); err == nil {
				continue
			}
		}
		out = append(out, w)
	}
	return out
}

type mockWorktrees struct {
	existing map[string]bool
}

func newMockWorktrees() *mockWorktrees {
	return &mockWorktrees{existing: make(map[string]bool)}
}

func (m *mockWorktrees) TaskWorktreePath(agentName, taskID string) string {
	return "/wt/" + agentName + "/" + taskID
}

func (m *mockWorktrees) WorktreeExists(path string) bool { return m.existing[path] }

func (m *mockWorktrees) ProvisionTaskWorktree(_ context.Context, agentName, taskID, branch string) (*worktree.Lease, error) {
	path := m.TaskWorktreePath(agentName, taskID)
	m.existing[path] = true
	return &worktree.Lease{AgentName: agentName, TaskID: taskID, Path: path, Branch: branch}, nil
}

func (m *mockWorktrees) PurposeWorktreePath(agentName, purpose string) string {
	return "/wt/" + agentName + "/" + purpose
}

func (m *mockWorktrees) ProvisionPurposeWorktree(_ context.Context, agentName, purpose string) (*worktree.Lease, error) {
	path := m.PurposeWorktreePath(agentName, purpose)
	lease := &worktree.Lease{AgentName: agentName, Purpose: purpose, Path: path, ReadOnly: true}
	if m.existing[path] {
		return lease, fmt.Errorf("worktree %s: %w", path, worktree.ErrWorktreeExists)
	}
	m.existing[path] = true
	return lease, nil
}

func (m *mockWorktrees) Remove(_ context.Context, path string) error {
	delete(m.existing, path)
	return nil
}

type mockInbox struct {
	result *inbox.Result
	err    error
}

func (m *mockInbox) PollInboxes(_ context.Context) (*inbox.Result, error) {
	if m.result == nil {
		return &inbox.Result{}, m.err
	}
	return m.result, m.err
}

type mockMerge struct {
	stewardPanic bool
}

func (m *mockMerge) PollStewardTasks(_ context.Context) (*merge.Result, error) {
	if m.stewardPanic {
		panic("steward poll exploded")
	}
	return &merge.Result{}, nil
}

func (m *mockMerge) RecoverStuckMerges(_ context.Context) (*merge.RecoveryResult, error) {
	return &merge.RecoveryResult{}, nil
}

func (m *mockMerge) ReconcileClosedUnmerged(_ context.Context) (*merge.RecoveryResult, error) {
	return &merge.RecoveryResult{}, nil
}

type fixture struct {
	daemon    *Daemon
	store     *storage.Store
	sessions  *mockSessions
	registry  *mockRegistry
	worktrees *mockWorktrees
	inbox     *mockInbox
	merge     *mockMerge
	recorder  *eventRecorder
}

func setupDaemon(t *testing.T, cfg config.DispatchConfig) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:     store,
		sessions:  newMockSessions(),
		worktrees: newMockWorktrees(),
		inbox:     &mockInbox{},
		merge:     &mockMerge{},
		recorder:  &eventRecorder{},
	}
	f.registry = &mockRegistry{sessions: f.sessions}
	f.daemon = New(Options{
		Config:    cfg,
		Store:     store,
		Sessions:  f.sessions,
		Registry:  f.registry,
		Assigner:  assignment.New(store, nil),
		Inbox:     f.inbox,
		Merge:     f.merge,
		Worktrees: f.worktrees,
		Events:    f.recorder,
	})
	return f
}

func (f *fixture) addWorker(t *testing.T, name string, mode v1.WorkerMode) *v1.Entity {
	t.Helper()
	worker := &v1.Entity{Name: name, Role: v1.RoleWorker, WorkerMode: mode, Active: true}
	require.NoError(t, f.store.CreateEntity(context.Background(), worker))
	f.registry.workers = append(f.registry.workers, worker)
	return worker
}

func TestPollIntervalClamped(t *testing.T) {
	d := New(Options{Config: config.DispatchConfig{PollInterval: 100 * time.Millisecond}})
	assert.Equal(t, time.Second, d.PollInterval())

	d = New(Options{Config: config.DispatchConfig{PollInterval: 5 * time.Minute}})
	assert.Equal(t, 60*time.Second, d.PollInterval())
}

func TestBasicDispatch(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{})
	ctx := context.Background()

	worker := f.addWorker(t, "W1", v1.WorkerModeEphemeral)
	task := &v1.Task{Title: "T1", Priority: 1}
	require.NoError(t, f.store.CreateTask(ctx, task))

	result, err := f.daemon.TriggerPoll(ctx, PollWorkflowTasks)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Errors)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.ID, got.Assignee)
	assert.Equal(t, v1.TaskStatusInProgress, got.Status)
	assert.Equal(t, "/wt/W1/"+task.ID, got.Orchestrator.Worktree)
	require.Len(t, got.Orchestrator.SessionHistory, 1)

	sess, err := f.sessions.GetActiveSession(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusRunning, sess.Status)
	assert.Equal(t, "/wt/W1/"+task.ID, sess.WorkingDirectory)

	dispatched := f.recorder.bySubject(events.TaskDispatched)
	require.Len(t, dispatched, 1)
	assert.Equal(t, task.ID, dispatched[0].data["taskId"])
	assert.Equal(t, worker.ID, dispatched[0].data["agentId"])
	assert.Len(t, f.recorder.bySubject(events.AgentSpawned), 1)
}

func TestWorkflowPollLeavesTaskWhenNoIdleWorker(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{})
	ctx := context.Background()

	task := &v1.Task{Title: "T1", Priority: 1}
	require.NoError(t, f.store.CreateTask(ctx, task))

	result, err := f.daemon.TriggerPoll(ctx, PollWorkflowTasks)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Assignee)
	assert.Equal(t, v1.TaskStatusOpen, got.Status)
}

func TestPollCompleteEventCarriesResult(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{})

	_, err := f.daemon.TriggerPoll(context.Background(), PollInbox)
	require.NoError(t, err)

	starts := f.recorder.bySubject(events.PollStart)
	require.Len(t, starts, 1)
	assert.Equal(t, PollInbox, starts[0].data["pollType"])

	completes := f.recorder.bySubject(events.PollComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, PollInbox, completes[0].data["pollType"])
	assert.Equal(t, 0, completes[0].data["errors"])
}

func TestSubPollErrorsAreCountedNotFatal(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{})
	f.inbox.err = errors.Join(
		errors.New("entity e1: storage gone"),
		errors.New("entity e2: storage gone"),
	)

	result, err := f.daemon.TriggerPoll(context.Background(), PollInbox)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Errors)
	assert.Len(t, result.ErrorMessages, 2)
	assert.Len(t, f.recorder.bySubject(events.PollError), 1)
}

func TestPanickingPollIsContainedAsError(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{})
	f.merge.stewardPanic = true

	result, err := f.daemon.TriggerPoll(context.Background(), PollStewardTrigger)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Errors)
	require.Len(t, result.ErrorMessages, 1)
	assert.Contains(t, result.ErrorMessages[0], "panicked")

	// The loop is still healthy: the next poll runs normally.
	f.merge.stewardPanic = false
	result, err = f.daemon.TriggerPoll(context.Background(), PollStewardTrigger)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Errors)
}

func TestInboxTriageBlocksDispatchWithinCycle(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{
		PollInterval:            time.Second,
		InboxPollEnabled:        true,
		WorkflowTaskPollEnabled: true,
	})
	ctx := context.Background()

	worker := f.addWorker(t, "W1", v1.WorkerModeEphemeral)
	director := &v1.Entity{Name: "director", Role: v1.RoleDirector, Active: true}
	require.NoError(t, f.store.CreateEntity(ctx, director))

	task := &v1.Task{Title: "T1", Priority: 1}
	require.NoError(t, f.store.CreateTask(ctx, task))

	channel, err := f.store.CreateDirectChannel(ctx, []string{director.ID, worker.ID})
	require.NoError(t, err)
	_, err = f.store.PostMessage(ctx, &v1.Message{
		ChannelID: channel.ID,
		SenderID:  director.ID,
		Content:   "are you stuck?",
		Metadata:  v1.MessageMetadata{Type: "question"},
	})
	require.NoError(t, err)

	// The real router, so the triage session lands in the shared session
	// manager before the workflow poll runs.
	f.daemon.inbox = inbox.NewRouter(f.store, f.sessions, f.worktrees, inbox.Config{}, nil)
	f.daemon.runCycle(ctx)

	sess, err := f.sessions.GetActiveSession(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, "/wt/W1/triage", sess.WorkingDirectory)

	// The worker is busy triaging, so the task stays queued.
	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Assignee)
	assert.Equal(t, v1.TaskStatusOpen, got.Status)
	assert.Empty(t, f.recorder.bySubject(events.TaskDispatched))
}

func TestTriggerPollUnknownKind(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{})
	_, err := f.daemon.TriggerPoll(context.Background(), "nonsense")
	assert.ErrorIs(t, err, ErrUnknownPoll)
}

func TestSessionReaper(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{MaxSessionDuration: time.Hour})

	old := &v1.Session{
		ID:        "old",
		EntityID:  "w1",
		Status:    v1.SessionStatusRunning,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	young := &v1.Session{
		ID:        "young",
		EntityID:  "w2",
		Status:    v1.SessionStatusRunning,
		CreatedAt: time.Now().UTC().Add(-5 * time.Minute),
	}
	f.sessions.listed = []*v1.Session{old, young}

	result, err := f.daemon.TriggerPoll(context.Background(), PollSessionReaper)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	opts, ok := f.sessions.stopped["old"]
	require.True(t, ok)
	assert.Equal(t, reaperReason, opts.Reason)
	assert.False(t, opts.Graceful)
	_, youngStopped := f.sessions.stopped["young"]
	assert.False(t, youngStopped)
}

func TestOrphanRecoveryResumesStoredSession(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{})
	ctx := context.Background()

	worker := f.addWorker(t, "W2", v1.WorkerModeEphemeral)
	task := &v1.Task{
		Title:    "T2",
		Status:   v1.TaskStatusInProgress,
		Assignee: worker.ID,
		Orchestrator: v1.OrchestratorMeta{
			SessionID: "prov-123",
			Worktree:  "/wt/W2/T2",
			Branch:    "agent/W2/T2",
		},
	}
	require.NoError(t, f.store.CreateTask(ctx, task))
	f.worktrees.existing["/wt/W2/T2"] = true

	result, err := f.daemon.TriggerPoll(ctx, PollOrphanRecovery)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Errors)

	require.Len(t, f.sessions.resumes, 1)
	assert.Equal(t, worker.ID, f.sessions.resumes[0].entityID)
	assert.Equal(t, "prov-123", f.sessions.resumes[0].opts.ProviderSessionID)
	assert.Equal(t, "/wt/W2/T2", f.sessions.resumes[0].opts.WorkingDirectory)
	assert.Empty(t, f.sessions.started)
}

func TestOrphanRecoveryFallsBackToFreshSession(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{})
	ctx := context.Background()

	worker := f.addWorker(t, "W2", v1.WorkerModeEphemeral)
	task := &v1.Task{
		Title:    "T2",
		Status:   v1.TaskStatusInProgress,
		Assignee: worker.ID,
		Orchestrator: v1.OrchestratorMeta{
			SessionID: "prov-123",
			Worktree:  "/wt/W2/T2",
		},
	}
	require.NoError(t, f.store.CreateTask(ctx, task))
	f.worktrees.existing["/wt/W2/T2"] = true
	f.sessions.resumeErr = errors.New("provider rejected resume")

	result, err := f.daemon.TriggerPoll(ctx, PollOrphanRecovery)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Errors)

	require.Len(t, f.sessions.started, 1)
	prompt := f.sessions.started[0].InitialPrompt
	assert.True(t, strings.Contains(prompt, "Your previous session was interrupted"),
		"fresh session prompt must carry the interrupted preamble")
}

func TestOrphanRecoverySkipsTasksWithLiveSession(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{})
	ctx := context.Background()

	worker := f.addWorker(t, "W2", v1.WorkerModeEphemeral)
	f.sessions.active[worker.ID] = &v1.Session{ID: "s1", EntityID: worker.ID, Status: v1.SessionStatusRunning}

	task := &v1.Task{Title: "T2", Status: v1.TaskStatusInProgress, Assignee: worker.ID}
	require.NoError(t, f.store.CreateTask(ctx, task))

	result, err := f.daemon.TriggerPoll(ctx, PollOrphanRecovery)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
}

func TestStartStop(t *testing.T) {
	f := setupDaemon(t, config.DispatchConfig{
		PollInterval:          time.Second,
		OrphanRecoveryEnabled: true,
	})
	ctx := context.Background()

	require.NoError(t, f.daemon.Start(ctx))
	assert.True(t, f.daemon.Running())
	assert.ErrorIs(t, f.daemon.Start(ctx), ErrAlreadyRunning)

	// The synchronous startup orphan pass reported a result.
	_, ok := f.daemon.LastResults()[PollOrphanRecovery]
	assert.True(t, ok)

	require.NoError(t, f.daemon.Stop(ctx))
	assert.False(t, f.daemon.Running())
}
