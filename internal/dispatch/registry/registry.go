// Package registry answers "which agents exist and which are idle" by
// joining the entity store with the session manager's active-session view.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
	"github.com/stoneforge/stoneforge/internal/storage"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// cacheTTL bounds how stale the entity cache may get between refreshes.
const cacheTTL = 30 * time.Second

// EntityLister is the slice of storage the registry consumes.
type EntityLister interface {
	ListEntities(ctx context.Context, filter storage.EntityFilter) ([]*v1.Entity, error)
}

// SessionChecker reports whether an entity currently has a live session.
type SessionChecker interface {
	GetActiveSession(ctx context.Context, entityID string) (*v1.Session, error)
}

// Registry caches active entities and reports idleness.
type Registry struct {
	store    EntityLister
	sessions SessionChecker
	logger   *logger.Logger

	mu        sync.Mutex
	cache     []*v1.Entity
	refreshed time.Time
}

// New creates a registry.
func New(store EntityLister, sessions SessionChecker, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		store:    store,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "agent-registry")),
	}
}

// Refresh reloads the entity cache from storage.
func (r *Registry) Refresh(ctx context.Context) error {
	entities, err := r.store.ListEntities(ctx, storage.EntityFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cache = entities
	r.refreshed = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *Registry) entities(ctx context.Context) []*v1.Entity {
	r.mu.Lock()
	stale := time.Since(r.refreshed) > cacheTTL
	cached := r.cache
	r.mu.Unlock()

	if stale || cached == nil {
		if err := r.Refresh(ctx); err != nil {
			r.logger.Warn("entity refresh failed, serving cached view", zap.Error(err))
			return cached
		}
		r.mu.Lock()
		cached = r.cache
		r.mu.Unlock()
	}
	return cached
}

// Workers returns active workers, optionally filtered by mode.
func (r *Registry) Workers(ctx context.Context, mode v1.WorkerMode) []*v1.Entity {
	var out []*v1.Entity
	for _, e := range r.entities(ctx) {
		if e.Role != v1.RoleWorker {
			continue
		}
		if mode != "" && e.WorkerMode != mode {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stewards returns active stewards, optionally filtered by focus.
func (r *Registry) Stewards(ctx context.Context, focus v1.StewardFocus) []*v1.Entity {
	var out []*v1.Entity
	for _, e := range r.entities(ctx) {
		if e.Role != v1.RoleSteward {
			continue
		}
		if focus != "" && e.StewardFocus != focus {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Director returns the director entity, or nil when none is registered.
func (r *Registry) Director(ctx context.Context) *v1.Entity {
	for _, e := range r.entities(ctx) {
		if e.Role == v1.RoleDirector {
			return e
		}
	}
	return nil
}

// IsIdle reports whether the entity has no live session.
func (r *Registry) IsIdle(ctx context.Context, entityID string) bool {
	session, err := r.sessions.GetActiveSession(ctx, entityID)
	return err != nil || session == nil
}

// IdleWorkers returns active workers with no live session.
func (r *Registry) IdleWorkers(ctx context.Context, mode v1.WorkerMode) []*v1.Entity {
	var out []*v1.Entity
	for _, e := range r.Workers(ctx, mode) {
		if r.IsIdle(ctx, e.ID) {
			out = append(out, e)
		}
	}
	return out
}

// IdleStewards returns active stewards with no live session.
func (r *Registry) IdleStewards(ctx context.Context, focus v1.StewardFocus) []*v1.Entity {
	var out []*v1.Entity
	for _, e := range r.Stewards(ctx, focus) {
		if r.IsIdle(ctx, e.ID) {
			out = append(out, e)
		}
	}
	return out
}

// Get returns a cached entity by ID.
func (r *Registry) Get(ctx context.Context, entityID string) *v1.Entity {
	for _, e := range r.entities(ctx) {
		if e.ID == entityID {
			return e
		}
	}
	return nil
}
