// Package session maintains the lifecycle of external agent processes: one
// active session per entity, durable history in entity metadata, and
// self-healing liveness checks over the spawner's process records.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
	"github.com/stoneforge/stoneforge/internal/dispatch/spawner"
	"github.com/stoneforge/stoneforge/internal/storage"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// Manager errors.
var (
	ErrAlreadyActive     = errors.New("entity already has an active session")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotResumable      = errors.New("session has no provider session id")
	ErrIllegalTransition = spawner.ErrIllegalTransition
)

// terminatedRetention is how long a terminated persisted session stays
// readable in memory before removal.
const terminatedRetention = 5 * time.Second

// historyCap bounds the rolling per-entity session history.
const historyCap = 20

// livenessReason is the termination reason recorded by the self-heal path.
const livenessReason = "Process no longer alive"

// ProcessSpawner is the slice of the spawner the manager consumes.
type ProcessSpawner interface {
	Spawn(ctx context.Context, req spawner.SpawnRequest) (*v1.Session, *spawner.Emitter, error)
	GetSession(sessionID string) (*v1.Session, error)
	SendInput(sessionID, input string) error
	Suspend(sessionID string) error
	Terminate(sessionID string, graceful bool) error
	IsTracked(sessionID string) bool
	Forget(sessionID string)
}

// EntityStore is the slice of storage the manager consumes.
type EntityStore interface {
	GetEntity(ctx context.Context, id string) (*v1.Entity, error)
	UpdateEntityMetadata(ctx context.Context, entityID string, metadata v1.EntityMetadata) error
	ListEntities(ctx context.Context, filter storage.EntityFilter) ([]*v1.Entity, error)
}

// StartOptions shapes a new session.
type StartOptions struct {
	Role             v1.Role
	WorkingDirectory string
	InitialPrompt    string
	Interactive      bool
	// Persist controls whether session state is written to entity metadata.
	// Unpersisted sessions (triage) never touch durable state.
	Persist bool
}

// ResumeOptions shapes a resumed session.
type ResumeOptions struct {
	StartOptions
	// ProviderSessionID overrides the stored provider session when set.
	ProviderSessionID string
	// GetReadyTasks enables the universal-work-principle check: when it
	// returns tasks, the caller may prefer dispatching one over a bare
	// resume. The check never blocks the resume itself.
	GetReadyTasks func(ctx context.Context, entityID string, limit int) ([]*v1.Task, error)
}

// UWPCheck carries ready tasks surfaced during resume.
type UWPCheck struct {
	Tasks []*v1.Task
}

// StopOptions shapes session termination.
type StopOptions struct {
	Reason   string
	Graceful bool
}

// MessageOptions shapes input injected into a live session.
type MessageOptions struct {
	Content    string
	ContentRef string
	SenderID   string
}

// Filter narrows ListSessions.
type Filter struct {
	EntityID  string
	Role      v1.Role
	Statuses  []v1.SessionStatus
	Resumable *bool
}

// record is the manager's view of one session.
type record struct {
	session *v1.Session
	emitter *spawner.Emitter
	// spawned is true for sessions with a live spawner process record, false
	// for sessions reconstructed from persisted metadata.
	spawned bool
}

// Manager owns session records and the one-active-session-per-entity map.
type Manager struct {
	spawner ProcessSpawner
	store   EntityStore
	logger  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*record
	active   map[string]string // entityID -> sessionID

	// pidAlive is swappable for tests.
	pidAlive func(pid int) bool
}

// NewManager creates a session manager.
func NewManager(sp ProcessSpawner, store EntityStore, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		spawner:  sp,
		store:    store,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*record),
		active:   make(map[string]string),
		pidAlive: defaultPIDAlive,
	}
}

func defaultPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// StartSession launches a fresh session for the entity. Fails with
// ErrAlreadyActive when a non-terminated session exists.
func (m *Manager) StartSession(ctx context.Context, entityID string, opts StartOptions) (*v1.Session, *spawner.Emitter, error) {
	return m.start(ctx, entityID, opts, "")
}

// ResumeSession relaunches the entity's suspended session using the stored
// provider session ID. The optional UWP check surfaces ready tasks without
// blocking the resume.
func (m *Manager) ResumeSession(ctx context.Context, entityID string, opts ResumeOptions) (*v1.Session, *spawner.Emitter, *UWPCheck, error) {
	providerSID := opts.ProviderSessionID
	if providerSID == "" {
		if prev := m.findResumableSession(ctx, entityID); prev != nil {
			providerSID = prev.ProviderSessionID
		}
	}
	if providerSID == "" {
		return nil, nil, nil, fmt.Errorf("entity %s: %w", entityID, ErrNotResumable)
	}

	// Retire the suspended record so the active slot is free for the resume.
	m.mu.Lock()
	if sid, ok := m.active[entityID]; ok {
		if rec, ok := m.sessions[sid]; ok && rec.session.Status == v1.SessionStatusSuspended {
			m.finalizeLocked(rec, "resumed")
		}
	}
	m.mu.Unlock()

	session, emitter, err := m.start(ctx, entityID, opts.StartOptions, providerSID)
	if err != nil {
		return nil, nil, nil, err
	}

	var uwp *UWPCheck
	if opts.GetReadyTasks != nil {
		tasks, err := opts.GetReadyTasks(ctx, entityID, 5)
		if err != nil {
			m.logger.Warn("ready-task check failed during resume",
				zap.String("entity_id", entityID),
				zap.Error(err))
		} else if len(tasks) > 0 {
			uwp = &UWPCheck{Tasks: tasks}
		}
	}
	return session, emitter, uwp, nil
}

func (m *Manager) start(ctx context.Context, entityID string, opts StartOptions, resumeSID string) (*v1.Session, *spawner.Emitter, error) {
	mode := v1.SessionModeHeadless
	if opts.Interactive {
		mode = v1.SessionModeInteractive
	}

	// Compare-and-set on the active map reserves the entity's slot before
	// the spawn I/O happens. A slot entry with no session record is a
	// reservation held by a concurrent start, so it occupies the slot too.
	m.mu.Lock()
	if sid, ok := m.active[entityID]; ok {
		rec, found := m.sessions[sid]
		if !found || rec.session.Status.IsActive() {
			m.mu.Unlock()
			return nil, nil, fmt.Errorf("entity %s has session %s: %w", entityID, sid, ErrAlreadyActive)
		}
	}
	reservation := "pending-" + uuid.New().String()
	m.active[entityID] = reservation
	m.mu.Unlock()

	spawned, emitter, err := m.spawner.Spawn(ctx, spawner.SpawnRequest{
		EntityID:          entityID,
		Role:              opts.Role,
		Mode:              mode,
		WorkingDirectory:  opts.WorkingDirectory,
		InitialPrompt:     opts.InitialPrompt,
		ResumeProviderSID: resumeSID,
	})
	if err != nil {
		m.mu.Lock()
		if m.active[entityID] == reservation {
			delete(m.active, entityID)
		}
		m.mu.Unlock()
		return nil, nil, err
	}

	session := *spawned
	session.Persisted = opts.Persist
	rec := &record{session: &session, emitter: emitter, spawned: true}

	m.mu.Lock()
	m.sessions[session.ID] = rec
	m.active[entityID] = session.ID
	m.mu.Unlock()

	emitter.AddListener(func(e spawner.Event) {
		m.onSpawnerEvent(session.ID, e)
	})

	m.persist(context.Background(), rec)

	m.logger.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("entity_id", entityID),
		zap.String("mode", string(mode)),
		zap.Bool("resume", resumeSID != ""))

	snap := session
	return &snap, emitter, nil
}

// onSpawnerEvent keeps the manager's record in step with the process stream.
func (m *Manager) onSpawnerEvent(sessionID string, e spawner.Event) {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}

	switch e.Kind {
	case spawner.KindSystem:
		if e.ProviderSessionID != "" {
			rec.session.ProviderSessionID = e.ProviderSessionID
		}
		if rec.session.Status == v1.SessionStatusStarting {
			rec.session.Status = v1.SessionStatusRunning
		}
	case spawner.KindExit:
		if rec.session.Status == v1.SessionStatusSuspended {
			// Suspension already detached from the process; the exit is
			// expected and the session stays resumable.
			m.mu.Unlock()
			return
		}
		reason := rec.session.TerminationReason
		if reason == "" {
			reason = fmt.Sprintf("process exited with code %d", e.ExitCode)
		}
		m.finalizeLocked(rec, reason)
		m.mu.Unlock()
		m.persist(context.Background(), rec)
		m.scheduleCleanup(rec)
		return
	}
	m.mu.Unlock()

	if e.Kind == spawner.KindSystem {
		m.persist(context.Background(), rec)
	}
}

// finalizeLocked moves a record to terminated and releases the active slot.
// Caller holds m.mu.
func (m *Manager) finalizeLocked(rec *record, reason string) {
	if rec.session.Status == v1.SessionStatusTerminated {
		return
	}
	now := time.Now().UTC()
	rec.session.Status = v1.SessionStatusTerminated
	rec.session.EndedAt = &now
	if rec.session.TerminationReason == "" {
		rec.session.TerminationReason = reason
	}
	if m.active[rec.session.EntityID] == rec.session.ID {
		delete(m.active, rec.session.EntityID)
	}
}

// scheduleCleanup drops a terminated persisted session from memory after the
// retention window. Unpersisted sessions are kept so GetPreviousSession can
// still find them.
func (m *Manager) scheduleCleanup(rec *record) {
	if !rec.session.Persisted {
		return
	}
	sessionID := rec.session.ID
	time.AfterFunc(terminatedRetention, func() {
		m.mu.Lock()
		if r, ok := m.sessions[sessionID]; ok && r.session.Status == v1.SessionStatusTerminated {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()
		m.spawner.Forget(sessionID)
	})
}

// SuspendSession moves a running session to suspended, keeping its provider
// session for later resume.
func (m *Manager) SuspendSession(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if rec.session.Status != v1.SessionStatusRunning {
		status := rec.session.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> suspended", ErrIllegalTransition, status)
	}
	rec.session.Status = v1.SessionStatusSuspended
	if reason != "" {
		rec.session.TerminationReason = reason
	}
	spawned := rec.spawned
	m.mu.Unlock()

	if spawned {
		if err := m.spawner.Suspend(sessionID); err != nil {
			m.logger.Warn("spawner suspend failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
	m.persist(ctx, rec)

	m.logger.Info("session suspended",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	return nil
}

// StopSession terminates a session and records the reason.
func (m *Manager) StopSession(ctx context.Context, sessionID string, opts StopOptions) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if rec.session.Status == v1.SessionStatusTerminated {
		m.mu.Unlock()
		return nil
	}
	if opts.Reason != "" {
		rec.session.TerminationReason = opts.Reason
	}
	spawned := rec.spawned && rec.session.Status != v1.SessionStatusSuspended
	if !spawned {
		// No live process behind this record; finalize directly.
		m.finalizeLocked(rec, opts.Reason)
		m.mu.Unlock()
		m.persist(ctx, rec)
		m.scheduleCleanup(rec)
		return nil
	}
	m.mu.Unlock()

	// The spawner's exit event finishes the transition.
	return m.spawner.Terminate(sessionID, opts.Graceful)
}

// GetActiveSession returns the entity's sole active session after verifying
// it is actually alive.
func (m *Manager) GetActiveSession(ctx context.Context, entityID string) (*v1.Session, error) {
	m.mu.Lock()
	sid, ok := m.active[entityID]
	rec := m.sessions[sid]
	m.mu.Unlock()

	if !ok || rec == nil {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrSessionNotFound)
	}
	if !m.verifyLiveness(ctx, rec) {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrSessionNotFound)
	}
	return m.snapshot(rec), nil
}

// ListSessions returns sessions matching the filter. Running sessions are
// liveness-verified first, so a dead PID never shows up as running.
func (m *Manager) ListSessions(ctx context.Context, filter Filter) []*v1.Session {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	var out []*v1.Session
	for _, rec := range recs {
		if rec.session.Status == v1.SessionStatusRunning {
			m.verifyLiveness(ctx, rec)
		}
		snap := m.snapshot(rec)
		if filter.EntityID != "" && snap.EntityID != filter.EntityID {
			continue
		}
		if filter.Role != "" && snap.Role != filter.Role {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, snap.Status) {
			continue
		}
		if filter.Resumable != nil && snap.Resumable() != *filter.Resumable {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// verifyLiveness probes a claimed-running session and self-heals dead ones.
// Returns whether the session is still active.
func (m *Manager) verifyLiveness(ctx context.Context, rec *record) bool {
	m.mu.Lock()
	status := rec.session.Status
	mode := rec.session.Mode
	pid := rec.session.PID
	sessionID := rec.session.ID
	spawned := rec.spawned
	m.mu.Unlock()

	if status != v1.SessionStatusRunning {
		return status.IsActive()
	}

	alive := true
	if mode == v1.SessionModeInteractive && pid > 0 {
		alive = m.pidAlive(pid)
	} else if spawned {
		alive = m.spawner.IsTracked(sessionID)
	} else {
		alive = false
	}
	if alive {
		return true
	}

	m.logger.Warn("running session has no live process, self-healing",
		zap.String("session_id", sessionID))

	m.mu.Lock()
	rec.session.TerminationReason = livenessReason
	m.finalizeLocked(rec, livenessReason)
	m.mu.Unlock()

	m.persist(ctx, rec)
	m.scheduleCleanup(rec)
	return false
}

// MessageSession injects a user message into a live session.
func (m *Manager) MessageSession(ctx context.Context, sessionID string, opts MessageOptions) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if !m.verifyLiveness(ctx, rec) {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	content := opts.Content
	if opts.SenderID != "" {
		content = fmt.Sprintf("Message from %s:\n\n%s", opts.SenderID, content)
	}
	if opts.ContentRef != "" {
		content = fmt.Sprintf("%s\n\n(reference: %s)", content, opts.ContentRef)
	}
	return m.spawner.SendInput(sessionID, content)
}

// GetEventEmitter returns the emitter for a session.
func (m *Manager) GetEventEmitter(sessionID string) (*spawner.Emitter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.emitter == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return rec.emitter, nil
}

// GetSession returns a session by ID.
func (m *Manager) GetSession(sessionID string) (*v1.Session, error) {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return m.snapshot(rec), nil
}

// PersistSession writes the session's state to entity metadata on demand.
func (m *Manager) PersistSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	m.persist(ctx, rec)
	return nil
}

// persist writes the session summary and rolling history into the owning
// entity's metadata.
func (m *Manager) persist(ctx context.Context, rec *record) {
	snap := m.snapshot(rec)
	if !snap.Persisted {
		return
	}

	entity, err := m.store.GetEntity(ctx, snap.EntityID)
	if err != nil {
		m.logger.Error("failed to load entity for session persistence",
			zap.String("entity_id", snap.EntityID),
			zap.Error(err))
		return
	}

	meta := entity.Metadata
	if snap.Status == v1.SessionStatusTerminated {
		if meta.SessionID == snap.ID {
			meta.SessionID = ""
			meta.ProviderSessionID = ""
			meta.SessionStatus = v1.SessionStatusTerminated
		}
	} else {
		meta.SessionID = snap.ID
		meta.ProviderSessionID = snap.ProviderSessionID
		meta.SessionStatus = snap.Status
	}
	meta.SessionHistory = upsertHistory(meta.SessionHistory, snap)

	if err := m.store.UpdateEntityMetadata(ctx, snap.EntityID, meta); err != nil {
		m.logger.Error("failed to persist session state",
			zap.String("session_id", snap.ID),
			zap.String("entity_id", snap.EntityID),
			zap.Error(err))
	}
}

// upsertHistory updates or appends the session's history entry and trims to
// the cap, keeping the most recent entries.
func upsertHistory(history []v1.SessionRecord, s *v1.Session) []v1.SessionRecord {
	entry := v1.SessionRecord{
		SessionID:         s.ID,
		ProviderSessionID: s.ProviderSessionID,
		Role:              s.Role,
		Mode:              s.Mode,
		Status:            s.Status,
		WorkingDirectory:  s.WorkingDirectory,
		StartedAt:         s.CreatedAt,
		EndedAt:           s.EndedAt,
		TerminationReason: s.TerminationReason,
	}
	for i := range history {
		if history[i].SessionID == s.ID {
			history[i] = entry
			return history
		}
	}
	history = append(history, entry)
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	return history
}

// LoadSessionState reconstructs the entity's persisted session as an
// in-memory suspended record so that resume works after a restart.
func (m *Manager) LoadSessionState(ctx context.Context, entityID string) (*v1.Session, error) {
	entity, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	meta := entity.Metadata
	if meta.SessionID == "" || !meta.SessionStatus.IsActive() {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrSessionNotFound)
	}

	session := &v1.Session{
		ID:                meta.SessionID,
		EntityID:          entityID,
		ProviderSessionID: meta.ProviderSessionID,
		Mode:              v1.SessionModeHeadless,
		// A session that was running when the daemon died has no process
		// now; it comes back as suspended and resumable.
		Status:    v1.SessionStatusSuspended,
		Persisted: true,
		CreatedAt: time.Now().UTC(),
	}
	for _, h := range meta.SessionHistory {
		if h.SessionID == meta.SessionID {
			session.Role = h.Role
			session.Mode = h.Mode
			session.WorkingDirectory = h.WorkingDirectory
			session.CreatedAt = h.StartedAt
		}
	}

	rec := &record{session: session, spawned: false}
	m.mu.Lock()
	m.sessions[session.ID] = rec
	m.active[entityID] = session.ID
	m.mu.Unlock()

	m.logger.Info("reconstructed persisted session",
		zap.String("session_id", session.ID),
		zap.String("entity_id", entityID),
		zap.Bool("resumable", session.Resumable()))
	return m.snapshot(rec), nil
}

// GetSessionHistory returns the entity's persisted history, newest first.
func (m *Manager) GetSessionHistory(ctx context.Context, entityID string, limit int) ([]v1.SessionRecord, error) {
	entity, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	history := append([]v1.SessionRecord(nil), entity.Metadata.SessionHistory...)
	sort.Slice(history, func(i, j int) bool { return history[i].StartedAt.After(history[j].StartedAt) })
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

// GetSessionHistoryByRole returns persisted history entries for a role
// across all entities, newest first.
func (m *Manager) GetSessionHistoryByRole(ctx context.Context, role v1.Role, limit int) ([]v1.SessionRecord, error) {
	entities, err := m.store.ListEntities(ctx, storage.EntityFilter{Role: role})
	if err != nil {
		return nil, err
	}

	var history []v1.SessionRecord
	for _, entity := range entities {
		for _, h := range entity.Metadata.SessionHistory {
			if h.Role == "" || h.Role == role {
				history = append(history, h)
			}
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].StartedAt.After(history[j].StartedAt) })
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

// GetPreviousSession returns the most recent ended session for a role,
// checking in-memory records (including retained unpersisted ones) before
// persisted history.
func (m *Manager) GetPreviousSession(ctx context.Context, role v1.Role) (*v1.SessionRecord, error) {
	m.mu.Lock()
	var best *v1.Session
	for _, rec := range m.sessions {
		s := rec.session
		if role != "" && s.Role != role {
			continue
		}
		if s.Status.IsActive() {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			copied := *s
			best = &copied
		}
	}
	m.mu.Unlock()

	if best != nil {
		return &v1.SessionRecord{
			SessionID:         best.ID,
			ProviderSessionID: best.ProviderSessionID,
			Role:              best.Role,
			Mode:              best.Mode,
			Status:            best.Status,
			WorkingDirectory:  best.WorkingDirectory,
			StartedAt:         best.CreatedAt,
			EndedAt:           best.EndedAt,
			TerminationReason: best.TerminationReason,
		}, nil
	}

	history, err := m.GetSessionHistoryByRole(ctx, role, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrSessionNotFound
	}
	return &history[0], nil
}

// findResumableSession looks for a suspended session with a provider ID,
// first in memory then in persisted metadata.
func (m *Manager) findResumableSession(ctx context.Context, entityID string) *v1.Session {
	m.mu.Lock()
	if sid, ok := m.active[entityID]; ok {
		if rec, ok := m.sessions[sid]; ok && rec.session.Status == v1.SessionStatusSuspended && rec.session.Resumable() {
			copied := *rec.session
			m.mu.Unlock()
			return &copied
		}
	}
	m.mu.Unlock()

	entity, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil
	}
	meta := entity.Metadata
	if meta.ProviderSessionID != "" && meta.SessionStatus == v1.SessionStatusSuspended {
		return &v1.Session{
			ID:                meta.SessionID,
			EntityID:          entityID,
			ProviderSessionID: meta.ProviderSessionID,
			Status:            v1.SessionStatusSuspended,
		}
	}
	return nil
}

func (m *Manager) snapshot(rec *record) *v1.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *rec.session
	return &copied
}

func containsStatus(list []v1.SessionStatus, status v1.SessionStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
