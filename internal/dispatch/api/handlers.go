// Package api exposes the read-only dispatch surface: daemon status, live
// sessions, manual poll triggers and a websocket event feed.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stoneforge/stoneforge/internal/common/logger"
	"github.com/stoneforge/stoneforge/internal/dispatch/daemon"
	"github.com/stoneforge/stoneforge/internal/dispatch/pool"
	"github.com/stoneforge/stoneforge/internal/dispatch/session"
	"github.com/stoneforge/stoneforge/internal/events/bus"
	v1 "github.com/stoneforge/stoneforge/pkg/api/v1"
)

// SessionLister lists sessions for the status surface.
type SessionLister interface {
	ListSessions(ctx context.Context, filter session.Filter) []*v1.Session
}

// PoolSnapshotter reports pool usage.
type PoolSnapshotter interface {
	Snapshot() []pool.Usage
}

// Handlers carries the API dependencies.
type Handlers struct {
	daemon   *daemon.Daemon
	sessions SessionLister
	pool     PoolSnapshotter
	logger   *logger.Logger
}

// RegisterRoutes registers the dispatch API routes.
func RegisterRoutes(router *gin.Engine, d *daemon.Daemon, sessions SessionLister, slots PoolSnapshotter, eventBus bus.EventBus, log *logger.Logger) {
	if log == nil {
		log = logger.Default()
	}
	h := &Handlers{
		daemon:   d,
		sessions: sessions,
		pool:     slots,
		logger:   log.WithFields(zap.String("component", "dispatch-api")),
	}

	group := router.Group("/api/v1/dispatch")
	group.GET("/status", h.handleStatus)
	group.GET("/sessions", h.handleSessions)
	group.POST("/polls/:kind", h.handleTriggerPoll)
	group.GET("/events", newEventFeed(eventBus, log).handle)
}

// handleStatus handles GET /api/v1/dispatch/status.
func (h *Handlers) handleStatus(c *gin.Context) {
	status := gin.H{
		"running":        h.daemon.Running(),
		"pollIntervalMs": h.daemon.PollInterval().Milliseconds(),
		"polls":          h.daemon.LastResults(),
	}
	if h.pool != nil {
		status["pool"] = h.pool.Snapshot()
	}
	c.JSON(http.StatusOK, status)
}

// handleSessions handles GET /api/v1/dispatch/sessions. Optional query
// params: entity_id, role, status.
func (h *Handlers) handleSessions(c *gin.Context) {
	filter := session.Filter{
		EntityID: c.Query("entity_id"),
		Role:     v1.Role(c.Query("role")),
	}
	if status := c.Query("status"); status != "" {
		filter.Statuses = []v1.SessionStatus{v1.SessionStatus(status)}
	}
	sessions := h.sessions.ListSessions(c.Request.Context(), filter)
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// handleTriggerPoll handles POST /api/v1/dispatch/polls/:kind.
func (h *Handlers) handleTriggerPoll(c *gin.Context) {
	kind := c.Param("kind")
	result, err := h.daemon.TriggerPoll(c.Request.Context(), kind)
	if err != nil {
		if errors.Is(err, daemon.ErrUnknownPoll) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("manual poll failed",
			zap.String("kind", kind),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
