package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge/stoneforge/internal/dispatch/spawner"
	"github.com/stoneforge/stoneforge/internal/storage"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// mockSpawner tracks spawn calls without launching processes.
type mockSpawner struct {
	mu         sync.Mutex
	sessions   map[string]*v1.Session
	emitters   map[string]*spawner.Emitter
	spawnErr   error
	spawnDelay time.Duration
}

func newMockSpawner() *mockSpawner {
	return &mockSpawner{
		sessions: make(map[string]*v1.Session),
		emitters: make(map[string]*spawner.Emitter),
	}
}

func (m *mockSpawner) Spawn(ctx context.Context, req spawner.SpawnRequest) (*v1.Session, *spawner.Emitter, error) {
	if m.spawnDelay > 0 {
		time.Sleep(m.spawnDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spawnErr != nil {
		return nil, nil, m.spawnErr
	}
	s := &v1.Session{
		ID:                uuid.New().String(),
		EntityID:          req.EntityID,
		Role:              req.Role,
		Mode:              req.Mode,
		Status:            v1.SessionStatusRunning,
		ProviderSessionID: req.ResumeProviderSID,
		WorkingDirectory:  req.WorkingDirectory,
		CreatedAt:         time.Now().UTC(),
	}
	emitter := spawner.NewEmitter()
	m.sessions[s.ID] = s
	m.emitters[s.ID] = emitter
	return s, emitter, nil
}

func (m *mockSpawner) GetSession(id string) (*v1.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, spawner.ErrSessionNotFound
	}
	return s, nil
}

func (m *mockSpawner) SendInput(id, input string) error { return nil }
func (m *mockSpawner) Suspend(id string) error          { return nil }
func (m *mockSpawner) Terminate(id string, graceful bool) error {
	m.mu.Lock()
	emitter := m.emitters[id]
	m.mu.Unlock()
	if emitter != nil {
		emitter.Emit(spawner.Event{Kind: spawner.KindExit, SessionID: id})
	}
	return nil
}

func (m *mockSpawner) IsTracked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

func (m *mockSpawner) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// forget drops the spawner record without emitting exit, simulating a child
// that died unobserved.
func (m *mockSpawner) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *mockSpawner) exit(id string, code int) {
	m.mu.Lock()
	emitter := m.emitters[id]
	m.mu.Unlock()
	if emitter != nil {
		emitter.Emit(spawner.Event{Kind: spawner.KindExit, SessionID: id, ExitCode: code})
	}
}

// mockEntityStore is an in-memory EntityStore.
type mockEntityStore struct {
	mu       sync.Mutex
	entities map[string]*v1.Entity
}

func newMockEntityStore(entities ...*v1.Entity) *mockEntityStore {
	s := &mockEntityStore{entities: make(map[string]*v1.Entity)}
	for _, e := range entities {
		s.entities[e.ID] = e
	}
	return s
}

func (s *mockEntityStore) GetEntity(ctx context.Context, id string) (*v1.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, storage.ErrNotFound)
	}
	copied := *e
	return &copied, nil
}

func (s *mockEntityStore) UpdateEntityMetadata(ctx context.Context, id string, meta v1.EntityMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.Metadata = meta
	return nil
}

func (s *mockEntityStore) ListEntities(ctx context.Context, filter storage.EntityFilter) ([]*v1.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*v1.Entity
	for _, e := range s.entities {
		if filter.Role != "" && e.Role != filter.Role {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	return out, nil
}

func testEntity(id string) *v1.Entity {
	return &v1.Entity{ID: id, Name: id, Role: v1.RoleWorker, Active: true}
}

func newTestManager(t *testing.T, entities ...*v1.Entity) (*Manager, *mockSpawner, *mockEntityStore) {
	t.Helper()
	sp := newMockSpawner()
	store := newMockEntityStore(entities...)
	m := NewManager(sp, store, nil)
	return m, sp, store
}

func TestStartSessionEnforcesSingleActive(t *testing.T) {
	m, _, _ := newTestManager(t, testEntity("W1"))
	ctx := context.Background()

	first, _, err := m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt", Persist: true})
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusRunning, first.Status)

	_, _, err = m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt", Persist: true})
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestConcurrentStartsYieldSingleSession(t *testing.T) {
	m, sp, _ := newTestManager(t, testEntity("W1"))
	ctx := context.Background()

	// A slow spawn keeps the first caller mid-flight while the second
	// arrives, so the slot must be held by the reservation alone.
	sp.spawnDelay = 50 * time.Millisecond

	results := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt", Persist: true})
		}(i)
	}
	wg.Wait()

	var won, refused int
	for _, err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyActive):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, refused)

	running := m.ListSessions(ctx, Filter{Statuses: []v1.SessionStatus{v1.SessionStatusRunning}})
	assert.Len(t, running, 1)
}

func TestStartSessionFailureReleasesSlot(t *testing.T) {
	m, sp, _ := newTestManager(t, testEntity("W1"))
	ctx := context.Background()

	sp.spawnErr = fmt.Errorf("spawn failed")
	_, _, err := m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt"})
	require.Error(t, err)

	sp.spawnErr = nil
	_, _, err = m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt"})
	assert.NoError(t, err)
}

func TestExitEventFinalizesSession(t *testing.T) {
	m, sp, _ := newTestManager(t, testEntity("W1"))
	ctx := context.Background()

	session, _, err := m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt", Persist: true})
	require.NoError(t, err)

	sp.exit(session.ID, 0)

	got, err := m.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusTerminated, got.Status)
	assert.NotNil(t, got.EndedAt)

	_, err = m.GetActiveSession(ctx, "W1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLivenessSelfHeal(t *testing.T) {
	m, sp, _ := newTestManager(t, testEntity("W1"))
	ctx := context.Background()

	session, _, err := m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt", Persist: true})
	require.NoError(t, err)

	// The spawner forgets the session without an exit event, as if the
	// headless child died unobserved.
	sp.forget(session.ID)

	_, err = m.GetActiveSession(ctx, "W1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := m.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusTerminated, got.Status)
	assert.Equal(t, "Process no longer alive", got.TerminationReason)
}

func TestListSessionsNeverReturnsDeadRunning(t *testing.T) {
	m, sp, _ := newTestManager(t, testEntity("W1"), testEntity("W2"))
	ctx := context.Background()

	dead, _, err := m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt1", Persist: true})
	require.NoError(t, err)
	alive, _, err := m.StartSession(ctx, "W2", StartOptions{WorkingDirectory: "/wt2", Persist: true})
	require.NoError(t, err)

	sp.forget(dead.ID)

	running := m.ListSessions(ctx, Filter{Statuses: []v1.SessionStatus{v1.SessionStatusRunning}})
	require.Len(t, running, 1)
	assert.Equal(t, alive.ID, running[0].ID)
}

func TestSuspendKeepsProviderSession(t *testing.T) {
	m, sp, store := newTestManager(t, testEntity("W1"))
	ctx := context.Background()

	session, _, err := m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt", Persist: true})
	require.NoError(t, err)

	// Provider handshake delivers the session id.
	emitter, err := m.GetEventEmitter(session.ID)
	require.NoError(t, err)
	emitter.Emit(spawner.Event{Kind: spawner.KindSystem, SessionID: session.ID, ProviderSessionID: "prov-77"})

	require.NoError(t, m.SuspendSession(ctx, session.ID, "pausing"))

	// The process exit after suspension must not terminate the session.
	sp.exit(session.ID, 0)

	got, err := m.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusSuspended, got.Status)
	assert.Equal(t, "prov-77", got.ProviderSessionID)

	entity, err := store.GetEntity(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusSuspended, entity.Metadata.SessionStatus)
	assert.Equal(t, "prov-77", entity.Metadata.ProviderSessionID)
}

func TestSuspendRequiresRunning(t *testing.T) {
	m, sp, _ := newTestManager(t, testEntity("W1"))
	ctx := context.Background()

	session, _, err := m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt"})
	require.NoError(t, err)
	sp.exit(session.ID, 0)

	err = m.SuspendSession(ctx, session.ID, "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestPersistenceRoundTrip(t *testing.T) {
	entity := testEntity("W1")
	m, sp, store := newTestManager(t, entity)
	ctx := context.Background()

	session, _, err := m.StartSession(ctx, "W1", StartOptions{
		Role:             v1.RoleWorker,
		WorkingDirectory: "/wt/W1/T1",
		Persist:          true,
	})
	require.NoError(t, err)

	emitter, err := m.GetEventEmitter(session.ID)
	require.NoError(t, err)
	emitter.Emit(spawner.Event{Kind: spawner.KindSystem, SessionID: session.ID, ProviderSessionID: "prov-original"})
	require.NoError(t, m.SuspendSession(ctx, session.ID, ""))
	sp.exit(session.ID, 0)

	// Simulate a daemon restart: a fresh manager over the same store.
	restarted := NewManager(newMockSpawner(), store, nil)
	loaded, err := restarted.LoadSessionState(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusSuspended, loaded.Status)
	assert.Equal(t, "prov-original", loaded.ProviderSessionID)
	assert.Equal(t, "/wt/W1/T1", loaded.WorkingDirectory)

	prev, err := restarted.GetPreviousSession(ctx, v1.RoleWorker)
	require.NoError(t, err)
	assert.Equal(t, "prov-original", prev.ProviderSessionID)
}

func TestResumeSessionUsesStoredProviderID(t *testing.T) {
	m, _, _ := newTestManager(t, testEntity("W1"))
	ctx := context.Background()

	session, _, err := m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt", Persist: true})
	require.NoError(t, err)
	emitter, err := m.GetEventEmitter(session.ID)
	require.NoError(t, err)
	emitter.Emit(spawner.Event{Kind: spawner.KindSystem, SessionID: session.ID, ProviderSessionID: "prov-55"})
	require.NoError(t, m.SuspendSession(ctx, session.ID, ""))

	resumed, _, uwp, err := m.ResumeSession(ctx, "W1", ResumeOptions{
		StartOptions: StartOptions{WorkingDirectory: "/wt", Persist: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-55", resumed.ProviderSessionID)
	assert.Nil(t, uwp)
}

func TestResumeSessionRequiresProviderID(t *testing.T) {
	m, _, _ := newTestManager(t, testEntity("W1"))

	_, _, _, err := m.ResumeSession(context.Background(), "W1", ResumeOptions{})
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestResumeSessionSurfacesReadyTasks(t *testing.T) {
	m, _, _ := newTestManager(t, testEntity("W1"))
	ctx := context.Background()

	_, _, uwp, err := m.ResumeSession(ctx, "W1", ResumeOptions{
		StartOptions:      StartOptions{WorkingDirectory: "/wt", Persist: true},
		ProviderSessionID: "prov-1",
		GetReadyTasks: func(ctx context.Context, entityID string, limit int) ([]*v1.Task, error) {
			return []*v1.Task{{ID: "T9", Title: "urgent"}}, nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, uwp)
	require.Len(t, uwp.Tasks, 1)
	assert.Equal(t, "T9", uwp.Tasks[0].ID)
}

func TestSessionHistoryCapped(t *testing.T) {
	history := []v1.SessionRecord{}
	for i := 0; i < historyCap+5; i++ {
		history = upsertHistory(history, &v1.Session{
			ID:        fmt.Sprintf("s-%d", i),
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
	}
	assert.Len(t, history, historyCap)
	// Oldest entries were trimmed.
	assert.Equal(t, "s-5", history[0].SessionID)
}

func TestStopSessionRecordsReason(t *testing.T) {
	m, _, _ := newTestManager(t, testEntity("W1"))
	ctx := context.Background()

	session, _, err := m.StartSession(ctx, "W1", StartOptions{WorkingDirectory: "/wt", Persist: true})
	require.NoError(t, err)

	require.NoError(t, m.StopSession(ctx, session.ID, StopOptions{Reason: "max duration exceeded"}))

	got, err := m.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusTerminated, got.Status)
	assert.Equal(t, "max duration exceeded", got.TerminationReason)
}
