// Package inbox classifies unread inbox items per entity and decides their
// disposition: forward into a live session, mark read, leave unread, or
// batch into a triage session.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
	"github.com/stoneforge/stoneforge/internal/dispatch/session"
	"github.com/stoneforge/stoneforge/internal/dispatch/spawner"
	"github.com/stoneforge/stoneforge/internal/prompts"
	"github.com/stoneforge/stoneforge/internal/storage"
	"github.com/stoneforge/stoneforge/internal/worktree"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// markReadTimeout bounds the storage write performed from a triage session's
// exit handler, which runs outside any poll cycle context.
const markReadTimeout = 10 * time.Second

// Store is the slice of storage the router consumes.
type Store interface {
	ListEntities(ctx context.Context, filter storage.EntityFilter) ([]*v1.Entity, error)
	GetEntity(ctx context.Context, id string) (*v1.Entity, error)
	GetUnreadInbox(ctx context.Context, entityID string) ([]*storage.UnreadInboxItem, error)
	MarkInboxItemsRead(ctx context.Context, itemIDs []string) error
}

// SessionManager is the slice of the session manager the router consumes.
type SessionManager interface {
	GetActiveSession(ctx context.Context, entityID string) (*v1.Session, error)
	MessageSession(ctx context.Context, sessionID string, opts session.MessageOptions) error
	StartSession(ctx context.Context, entityID string, opts session.StartOptions) (*v1.Session, *spawner.Emitter, error)
}

// WorktreeProvider provisions and reclaims triage worktrees.
type WorktreeProvider interface {
	ProvisionPurposeWorktree(ctx context.Context, agentName, purpose string) (*worktree.Lease, error)
	Remove(ctx context.Context, path string) error
}

// Config tunes the router.
type Config struct {
	DirectorForwardingEnabled bool
	DirectorIdleThreshold     time.Duration
}

// Forwarded records one message delivered into a live session.
type Forwarded struct {
	EntityID  string
	MessageID string
	SessionID string
}

// TriageSpawn records one triage session started during a poll.
type TriageSpawn struct {
	EntityID  string
	ChannelID string
	SessionID string
	Worktree  string
	ItemIDs   []string
}

// Result summarizes one inbox poll for the daemon's PollResult and events.
type Result struct {
	Processed  int
	MarkedRead int
	Deferred   int
	Forwarded  []Forwarded
	Triage     []TriageSpawn
}

// Router classifies unread inbox items.
type Router struct {
	store     Store
	sessions  SessionManager
	worktrees WorktreeProvider
	config    Config
	logger    *logger.Logger

	mu       sync.Mutex
	inFlight map[string]struct{} // inbox item IDs being forwarded or triaged
}

// NewRouter creates an inbox router.
func NewRouter(store Store, sessions SessionManager, worktrees WorktreeProvider, cfg Config, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	if cfg.DirectorIdleThreshold <= 0 {
		cfg.DirectorIdleThreshold = 2 * time.Minute
	}
	return &Router{
		store:     store,
		sessions:  sessions,
		worktrees: worktrees,
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "inbox-router")),
		inFlight:  make(map[string]struct{}),
	}
}

// PollInboxes routes every unread item of every active entity. Per-entity
// failures are collected and do not stop the poll.
func (r *Router) PollInboxes(ctx context.Context) (*Result, error) {
	entities, err := r.store.ListEntities(ctx, storage.EntityFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	result := &Result{}
	var errs []error
	for _, entity := range entities {
		if err := r.routeEntity(ctx, entity, result); err != nil {
			errs = append(errs, fmt.Errorf("entity %s: %w", entity.ID, err))
		}
	}
	return result, errors.Join(errs...)
}

func (r *Router) routeEntity(ctx context.Context, entity *v1.Entity, result *Result) error {
	items, err := r.store.GetUnreadInbox(ctx, entity.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	active, err := r.sessions.GetActiveSession(ctx, entity.ID)
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}

	var deferred []*storage.UnreadInboxItem
	for _, item := range items {
		result.Processed++
		switch disposition(entity, active, item, r.config) {
		case actForward:
			r.forward(ctx, entity, active, item, result)
		case actMarkRead:
			if err := r.store.MarkInboxItemsRead(ctx, []string{item.Item.ID}); err != nil {
				return err
			}
			result.MarkedRead++
		case actDefer:
			deferred = append(deferred, item)
		case actLeave:
		}
	}

	if len(deferred) > 0 {
		result.Deferred += len(deferred)
		r.spawnTriage(ctx, entity, deferred, result)
	}
	return nil
}

type action int

const (
	actLeave action = iota
	actForward
	actMarkRead
	actDefer
)

// disposition implements the routing table over (role, kind, session
// active?, dispatch?).
func disposition(entity *v1.Entity, active *v1.Session, item *storage.UnreadInboxItem, cfg Config) action {
	isDispatch := item.Message.Metadata.IsDispatch()

	switch entity.Role {
	case v1.RoleDirector:
		if !cfg.DirectorForwardingEnabled || active == nil || active.Status != v1.SessionStatusRunning {
			return actLeave
		}
		if userIdleFor(active) < cfg.DirectorIdleThreshold {
			return actLeave
		}
		return actForward

	case v1.RoleWorker:
		if entity.WorkerMode == v1.WorkerModePersistent {
			if active != nil && active.Status == v1.SessionStatusRunning {
				return actForward
			}
			return actLeave
		}
		fallthrough

	case v1.RoleSteward:
		if active != nil {
			return actLeave
		}
		if isDispatch {
			return actMarkRead
		}
		return actDefer
	}
	return actLeave
}

func userIdleFor(s *v1.Session) time.Duration {
	last := s.CreatedAt
	if s.LastInputAt != nil && s.LastInputAt.After(last) {
		last = *s.LastInputAt
	}
	return time.Since(last)
}

// forward injects the message into the live session and marks it read. The
// in-flight set makes the forward at-most-once across overlapping polls.
func (r *Router) forward(ctx context.Context, entity *v1.Entity, active *v1.Session, item *storage.UnreadInboxItem, result *Result) {
	if !r.claim(item.Item.ID) {
		return
	}
	defer r.release(item.Item.ID)

	err := r.sessions.MessageSession(ctx, active.ID, session.MessageOptions{
		Content:  item.Message.Content,
		SenderID: r.senderName(ctx, item.Message.SenderID),
	})
	if err != nil {
		r.logger.Warn("failed to forward message",
			zap.String("entity_id", entity.ID),
			zap.String("message_id", item.Message.ID),
			zap.Error(err))
		return
	}
	if err := r.store.MarkInboxItemsRead(ctx, []string{item.Item.ID}); err != nil {
		r.logger.Error("forwarded message but failed to mark read",
			zap.String("inbox_item_id", item.Item.ID),
			zap.Error(err))
		return
	}
	result.Forwarded = append(result.Forwarded, Forwarded{
		EntityID:  entity.ID,
		MessageID: item.Message.ID,
		SessionID: active.ID,
	})
}

// spawnTriage starts at most one triage session for the entity, covering the
// oldest channel's group of deferred items. Remaining groups roll into the
// next cycle. The batch is marked read only when the session exits cleanly.
func (r *Router) spawnTriage(ctx context.Context, entity *v1.Entity, deferred []*storage.UnreadInboxItem, result *Result) {
	channelID := deferred[0].Item.ChannelID
	var batch []*storage.UnreadInboxItem
	for _, item := range deferred {
		if item.Item.ChannelID == channelID {
			batch = append(batch, item)
		}
	}

	itemIDs := make([]string, 0, len(batch))
	for _, item := range batch {
		itemIDs = append(itemIDs, item.Item.ID)
	}
	if !r.claimAll(itemIDs) {
		return
	}

	lease, err := r.worktrees.ProvisionPurposeWorktree(ctx, entity.Name, "triage")
	if errors.Is(err, worktree.ErrWorktreeExists) {
		// Leftover from a crashed triage session, possibly detached at an
		// old HEAD. Reclaim it and check out fresh.
		if rmErr := r.worktrees.Remove(ctx, lease.Path); rmErr != nil {
			r.releaseAll(itemIDs)
			r.logger.Warn("failed to remove stale triage worktree",
				zap.String("path", lease.Path),
				zap.Error(rmErr))
			return
		}
		lease, err = r.worktrees.ProvisionPurposeWorktree(ctx, entity.Name, "triage")
	}
	if err != nil {
		r.releaseAll(itemIDs)
		r.logger.Warn("failed to provision triage worktree",
			zap.String("entity_id", entity.ID),
			zap.Error(err))
		return
	}

	prompt, err := r.triagePrompt(ctx, entity, lease, batch)
	if err != nil {
		r.releaseAll(itemIDs)
		r.logger.Error("failed to render triage prompt", zap.Error(err))
		return
	}

	sess, emitter, err := r.sessions.StartSession(ctx, entity.ID, session.StartOptions{
		Role:             entity.Role,
		WorkingDirectory: lease.Path,
		InitialPrompt:    prompt,
		Persist:          false,
	})
	if err != nil {
		r.releaseAll(itemIDs)
		if !errors.Is(err, session.ErrAlreadyActive) {
			r.logger.Warn("failed to spawn triage session",
				zap.String("entity_id", entity.ID),
				zap.Error(err))
		}
		return
	}

	worktreePath := lease.Path
	emitter.AddListener(func(e spawner.Event) {
		if e.Kind != spawner.KindExit {
			return
		}
		r.onTriageExit(e, itemIDs, worktreePath)
	})

	result.Triage = append(result.Triage, TriageSpawn{
		EntityID:  entity.ID,
		ChannelID: channelID,
		SessionID: sess.ID,
		Worktree:  lease.Path,
		ItemIDs:   itemIDs,
	})
	r.logger.Info("spawned triage session",
		zap.String("entity_id", entity.ID),
		zap.String("channel_id", channelID),
		zap.Int("items", len(itemIDs)))
}

// onTriageExit marks the batch read on a clean exit and reclaims the
// worktree. A crashed session leaves the items unread for the next cycle.
func (r *Router) onTriageExit(e spawner.Event, itemIDs []string, worktreePath string) {
	defer r.releaseAll(itemIDs)

	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()

	if e.ExitCode == 0 && e.Signal == "" {
		if err := r.store.MarkInboxItemsRead(ctx, itemIDs); err != nil {
			r.logger.Error("failed to mark triage batch read", zap.Error(err))
		}
	} else {
		r.logger.Warn("triage session exited abnormally, batch stays unread",
			zap.Int("exit_code", e.ExitCode),
			zap.String("signal", e.Signal))
	}

	if err := r.worktrees.Remove(ctx, worktreePath); err != nil {
		r.logger.Warn("failed to remove triage worktree",
			zap.String("path", worktreePath),
			zap.Error(err))
	}
}

func (r *Router) triagePrompt(ctx context.Context, entity *v1.Entity, lease *worktree.Lease, batch []*storage.UnreadInboxItem) (string, error) {
	base, err := prompts.Render(prompts.Triage, prompts.Vars{
		AgentName: entity.Name,
		Worktree:  lease.Path,
		Branch:    lease.Branch,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n## Pending messages\n")
	for _, item := range batch {
		fmt.Fprintf(&b, "- inboxItem=%s message=%s from=%s at=%s: %s\n",
			item.Item.ID,
			item.Message.ID,
			r.senderName(ctx, item.Message.SenderID),
			item.Message.CreatedAt.UTC().Format(time.RFC3339),
			item.Message.Content)
	}
	return b.String(), nil
}

func (r *Router) senderName(ctx context.Context, senderID string) string {
	sender, err := r.store.GetEntity(ctx, senderID)
	if err != nil {
		return senderID
	}
	return sender.Name
}

func (r *Router) claim(itemID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[itemID]; ok {
		return false
	}
	r.inFlight[itemID] = struct{}{}
	return true
}

// claimAll claims the whole batch or nothing.
func (r *Router) claimAll(itemIDs []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range itemIDs {
		if _, ok := r.inFlight[id]; ok {
			return false
		}
	}
	for _, id := range itemIDs {
		r.inFlight[id] = struct{}{}
	}
	return true
}

func (r *Router) release(itemID string) {
	r.mu.Lock()
	delete(r.inFlight, itemID)
	r.mu.Unlock()
}

func (r *Router) releaseAll(itemIDs []string) {
	r.mu.Lock()
	for _, id := range itemIDs {
		delete(r.inFlight, id)
	}
	r.mu.Unlock()
}
