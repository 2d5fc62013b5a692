package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentease/streamrelay/internal/push"
	"github.com/agentease/streamrelay/internal/session"
)

// HealthResponse reports liveness and current load.
type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"activeSessions"`
	ConnectedUsers int    `json:"connectedUsers"`
	Uptime         string `json:"uptime"`
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	sessionManager *session.Manager
	hub            *push.Hub
	startedAt      time.Time
}

// NewHealthHandler creates a health handler; uptime is measured from now.
func NewHealthHandler(sessionManager *session.Manager, hub *push.Hub) *HealthHandler {
	return &HealthHandler{
		sessionManager: sessionManager,
		hub:            hub,
		startedAt:      time.Now(),
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:         "ok",
		ActiveSessions: h.sessionManager.Registry().Count(),
		ConnectedUsers: h.hub.OwnerCount(),
		Uptime:         formatDuration(time.Since(h.startedAt)),
	})
}
