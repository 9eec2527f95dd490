package inbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge/stoneforge/internal/dispatch/session"
	"github.com/stoneforge/stoneforge/internal/dispatch/spawner"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/worktree"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

type mockStore struct {
	mu       sync.Mutex
	entities map[string]*v1.Entity
	inbox    map[string][]*storage.UnreadInboxItem
	read     []string
}

func newMockStore() *mockStore {
	return &mockStore{
		entities: make(map[string]*v1.Entity),
		inbox:    make(map[string][]*storage.UnreadInboxItem),
	}
}

func (m *mockStore) ListEntities(_ context.Context, _ storage.EntityFilter) ([]*v1.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*v1.Entity
	for _, e := range m.entities {
		out = append(out, e)
	}
	return out, nil
}

func (m *mockStore) GetEntity(_ context.Context, id string) (*v1.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (m *mockStore) GetUnreadInbox(_ context.Context, entityID string) ([]*storage.UnreadInboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.UnreadInboxItem
	for _, item := range m.inbox[entityID] {
		if item.Item.Status == v1.InboxStatusUnread {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *mockStore) MarkInboxItemsRead(_ context.Context, itemIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range itemIDs {
		m.read = append(m.read, id)
		for _, items := range m.inbox {
			for _, item := range items {
				if item.Item.ID == id {
					item.Item.Status = v1.InboxStatusRead
				}
			}
		}
	}
	return nil
}

func (m *mockStore) markedRead() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.read...)
}

func (m *mockStore) addEntity(e *v1.Entity) *v1.Entity {
	m.mu.Lock()
	m.entities[e.ID] = e
	m.mu.Unlock()
	return e
}

func (m *mockStore) addItem(entityID, itemID, channelID, msgType, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox[entityID] = append(m.inbox[entityID], &storage.UnreadInboxItem{
		Item: &v1.InboxItem{
			ID:        itemID,
			EntityID:  entityID,
			MessageID: "msg-" + itemID,
			ChannelID: channelID,
			Status:    v1.InboxStatusUnread,
		},
		Message: &v1.Message{
			ID:        "msg-" + itemID,
			ChannelID: channelID,
			SenderID:  "sender-1",
			Content:   content,
			Metadata:  v1.MessageMetadata{Type: msgType},
			CreatedAt: time.Now().UTC(),
		},
	})
}

type sentMessage struct {
	sessionID string
	opts      session.MessageOptions
}

type mockSessions struct {
	mu       sync.Mutex
	active   map[string]*v1.Session
	sent     []sentMessage
	spawned  []session.StartOptions
	emitters map[string]*spawner.Emitter
	nextID   int
}

func newMockSessions() *mockSessions {
	return &mockSessions{
		active:   make(map[string]*v1.Session),
		emitters: make(map[string]*spawner.Emitter),
	}
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

func (m *mockSessions) MessageSession(_ context.Context, sessionID string, opts session.MessageOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{sessionID: sessionID, opts: opts})
	return nil
}

func (m *mockSessions) StartSession(_ context.Context, entityID string, opts session.StartOptions) (*v1.Session, *spawner.Emitter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[entityID]; ok {
		return nil, nil, session.ErrAlreadyActive
	}
	m.nextID++
	s := &v1.Session{
		ID:       fmt.Sprintf("triage-%d", m.nextID),
		EntityID: entityID,
		Status:   v1.SessionStatusRunning,
	}
	emitter := spawner.NewEmitter()
	m.active[entityID] = s
	m.emitters[s.ID] = emitter
	m.spawned = append(m.spawned, opts)
	return s, emitter, nil
}

func (m *mockSessions) setActive(entityID string, s *v1.Session) {
	m.mu.Lock()
	m.active[entityID] = s
	m.mu.Unlock()
}

func (m *mockSessions) exit(sessionID string, code int) {
	m.mu.Lock()
	emitter := m.emitters[sessionID]
	for entityID, s := range m.active {
		if s.ID == sessionID {
			delete(m.active, entityID)
		}
	}
	m.mu.Unlock()
	emitter.Emit(spawner.Event{Kind: spawner.KindExit, SessionID: sessionID, ExitCode: code})
}

type mockWorktrees struct {
	mu       sync.Mutex
	existing map[string]bool
	removed  []string
}

func (m *mockWorktrees) ProvisionPurposeWorktree(_ context.Context, agentName, purpose string) (*worktree.Lease, error) {
	path := "/wt/" + agentName + "/" + purpose
	lease := &worktree.Lease{
		AgentName: agentName,
		Purpose:   purpose,
		Path:      path,
		Branch:    "main",
		ReadOnly:  true,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existing == nil {
		m.existing = make(map[string]bool)
	}
	if m.existing[path] {
		return lease, fmt.Errorf("worktree %s: %w", path, worktree.ErrWorktreeExists)
	}
	m.existing[path] = true
	return lease, nil
}

func (m *mockWorktrees) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.existing, path)
	m.removed = append(m.removed, path)
	m.mu.Unlock()
	return nil
}

func setupRouter() (*Router, *mockStore, *mockSessions, *mockWorktrees) {
	store := newMockStore()
	store.addEntity(&v1.Entity{ID: "sender-1", Name: "director", Role: v1.RoleDirector, Active: true})
	sessions := newMockSessions()
	worktrees := &mockWorktrees{}
	router := NewRouter(store, sessions, worktrees, Config{
		DirectorForwardingEnabled: true,
		DirectorIdleThreshold:     2 * time.Minute,
	}, nil)
	return router, store, sessions, worktrees
}

func TestEphemeralWorkerWithSessionLeavesUnread(t *testing.T) {
	router, store, sessions, _ := setupRouter()

	worker := store.addEntity(&v1.Entity{ID: "w1", Name: "w1", Role: v1.RoleWorker, WorkerMode: v1.WorkerModeEphemeral, Active: true})
	sessions.setActive(worker.ID, &v1.Session{ID: "s1", EntityID: worker.ID, Status: v1.SessionStatusRunning})
	store.addItem(worker.ID, "i1", "ch1", "question", "are you stuck?")

	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Empty(t, store.markedRead())
	assert.Empty(t, result.Forwarded)
	assert.Empty(t, result.Triage)
}

func TestEphemeralWorkerDispatchMessageMarkedRead(t *testing.T) {
	router, store, _, _ := setupRouter()

	worker := store.addEntity(&v1.Entity{ID: "w1", Name: "w1", Role: v1.RoleWorker, WorkerMode: v1.WorkerModeEphemeral, Active: true})
	store.addItem(worker.ID, "i1", "ch1", v1.MessageTypeTaskDispatch, "work on T1")

	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.MarkedRead)
	assert.Equal(t, []string{"i1"}, store.markedRead())
	assert.Empty(t, result.Triage)
}

func TestTriageBatchMarkedReadOnlyOnCleanExit(t *testing.T) {
	router, store, sessions, worktrees := setupRouter()

	worker := store.addEntity(&v1.Entity{ID: "w1", Name: "w1", Role: v1.RoleWorker, WorkerMode: v1.WorkerModeEphemeral, Active: true})
	store.addItem(worker.ID, "i1", "ch1", "question", "first")
	store.addItem(worker.ID, "i2", "ch1", "question", "second")

	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Triage, 1)
	triage := result.Triage[0]
	assert.Equal(t, []string{"i1", "i2"}, triage.ItemIDs)
	assert.Equal(t, "/wt/w1/triage", triage.Worktree)

	// Prompt lists both pending messages with their identifiers.
	require.Len(t, sessions.spawned, 1)
	prompt := sessions.spawned[0].InitialPrompt
	assert.Contains(t, prompt, "inboxItem=i1")
	assert.Contains(t, prompt, "inboxItem=i2")
	assert.Contains(t, prompt, "first")

	// Still unread while the session runs.
	assert.Empty(t, store.markedRead())

	sessions.exit(triage.SessionID, 0)
	assert.ElementsMatch(t, []string{"i1", "i2"}, store.markedRead())
	assert.Equal(t, []string{"/wt/w1/triage"}, worktrees.removed)
}

func TestTriageCrashLeavesBatchUnread(t *testing.T) {
	router, store, sessions, _ := setupRouter()

	worker := store.addEntity(&v1.Entity{ID: "w1", Name: "w1", Role: v1.RoleWorker, WorkerMode: v1.WorkerModeEphemeral, Active: true})
	store.addItem(worker.ID, "i1", "ch1", "question", "first")

	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Triage, 1)

	sessions.exit(result.Triage[0].SessionID, 1)
	assert.Empty(t, store.markedRead())

	// The crashed batch is retried on the next cycle.
	result, err = router.PollInboxes(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Triage, 1)
}

func TestTriageReclaimsStaleWorktree(t *testing.T) {
	router, store, sessions, worktrees := setupRouter()

	worker := store.addEntity(&v1.Entity{ID: "w1", Name: "w1", Role: v1.RoleWorker, WorkerMode: v1.WorkerModeEphemeral, Active: true})
	store.addItem(worker.ID, "i1", "ch1", "question", "first")

	// Leftover checkout from a crashed triage session.
	worktrees.mu.Lock()
	worktrees.existing = map[string]bool{"/wt/w1/triage": true}
	worktrees.mu.Unlock()

	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Triage, 1)
	assert.Contains(t, worktrees.removed, "/wt/w1/triage")
	require.Len(t, sessions.spawned, 1)
	assert.Equal(t, "/wt/w1/triage", sessions.spawned[0].WorkingDirectory)
}

func TestOneTriageSessionPerEntityPerCycle(t *testing.T) {
	router, store, sessions, _ := setupRouter()

	worker := store.addEntity(&v1.Entity{ID: "w1", Name: "w1", Role: v1.RoleWorker, WorkerMode: v1.WorkerModeEphemeral, Active: true})
	store.addItem(worker.ID, "i1", "ch1", "question", "first channel")
	store.addItem(worker.ID, "i2", "ch2", "question", "second channel")

	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Triage, 1)
	assert.Equal(t, "ch1", result.Triage[0].ChannelID)
	assert.Equal(t, []string{"i1"}, result.Triage[0].ItemIDs)
	assert.Equal(t, 2, result.Deferred)

	// The second channel's group rolls into the next cycle.
	sessions.exit(result.Triage[0].SessionID, 0)
	result, err = router.PollInboxes(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Triage, 1)
	assert.Equal(t, "ch2", result.Triage[0].ChannelID)
}

func TestPersistentWorkerForwarding(t *testing.T) {
	router, store, sessions, _ := setupRouter()

	worker := store.addEntity(&v1.Entity{ID: "p1", Name: "p1", Role: v1.RoleWorker, WorkerMode: v1.WorkerModePersistent, Active: true})
	sessions.setActive(worker.ID, &v1.Session{ID: "s1", EntityID: worker.ID, Status: v1.SessionStatusRunning})
	store.addItem(worker.ID, "i1", "ch1", "", "status update please")

	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Forwarded, 1)
	assert.Equal(t, "msg-i1", result.Forwarded[0].MessageID)
	assert.Equal(t, []string{"i1"}, store.markedRead())

	require.Len(t, sessions.sent, 1)
	assert.Equal(t, "s1", sessions.sent[0].sessionID)
	assert.Equal(t, "status update please", sessions.sent[0].opts.Content)
	assert.Equal(t, "director", sessions.sent[0].opts.SenderID)
}

func TestPersistentWorkerWithoutSessionLeavesUnread(t *testing.T) {
	router, store, _, _ := setupRouter()

	worker := store.addEntity(&v1.Entity{ID: "p1", Name: "p1", Role: v1.RoleWorker, WorkerMode: v1.WorkerModePersistent, Active: true})
	store.addItem(worker.ID, "i1", "ch1", "", "hello")

	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)

	assert.Empty(t, result.Forwarded)
	assert.Empty(t, result.Triage)
	assert.Empty(t, store.markedRead())
}

func TestDirectorIdleThreshold(t *testing.T) {
	router, store, sessions, _ := setupRouter()

	director := store.addEntity(&v1.Entity{ID: "d1", Name: "d1", Role: v1.RoleDirector, Active: true})
	recent := time.Now().UTC().Add(-10 * time.Second)
	sessions.setActive(director.ID, &v1.Session{
		ID:          "s1",
		EntityID:    director.ID,
		Status:      v1.SessionStatusRunning,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
		LastInputAt: &recent,
	})
	store.addItem(director.ID, "i1", "ch1", "", "please review")

	// User active: debounced.
	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Forwarded)
	assert.Empty(t, store.markedRead())

	// User idle past the threshold: forwarded.
	idle := time.Now().UTC().Add(-5 * time.Minute)
	sessions.setActive(director.ID, &v1.Session{
		ID:          "s1",
		EntityID:    director.ID,
		Status:      v1.SessionStatusRunning,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
		LastInputAt: &idle,
	})
	result, err = router.PollInboxes(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Forwarded, 1)
	assert.Equal(t, []string{"i1"}, store.markedRead())
}

func TestDirectorForwardingDisabled(t *testing.T) {
	store := newMockStore()
	sessions := newMockSessions()
	router := NewRouter(store, sessions, &mockWorktrees{}, Config{DirectorForwardingEnabled: false}, nil)

	director := store.addEntity(&v1.Entity{ID: "d1", Name: "d1", Role: v1.RoleDirector, Active: true})
	sessions.setActive(director.ID, &v1.Session{
		ID:        "s1",
		EntityID:  director.ID,
		Status:    v1.SessionStatusRunning,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	store.addItem(director.ID, "i1", "ch1", "", "please review")

	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Forwarded)
}

func TestInFlightGuardPreventsDuplicateForward(t *testing.T) {
	router, store, sessions, _ := setupRouter()

	worker := store.addEntity(&v1.Entity{ID: "p1", Name: "p1", Role: v1.RoleWorker, WorkerMode: v1.WorkerModePersistent, Active: true})
	sessions.setActive(worker.ID, &v1.Session{ID: "s1", EntityID: worker.ID, Status: v1.SessionStatusRunning})
	store.addItem(worker.ID, "i1", "ch1", "", "hello")

	// Simulate a concurrent poll holding the item in flight.
	require.True(t, router.claim("i1"))

	result, err := router.PollInboxes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Forwarded)
	assert.Empty(t, store.markedRead())

	router.release("i1")
	result, err = router.PollInboxes(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Forwarded, 1)
}
