// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentease/streamrelay/internal/logger"
	"github.com/agentease/streamrelay/internal/model"
	"github.com/agentease/streamrelay/internal/repository"
	"github.com/agentease/streamrelay/internal/session"
)

// History lists the journaled sessions of a user.
type History interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.SessionRecord, error)
}

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
	history        History
	log            *logger.Logger
}

// NewSessionHandler creates a new SessionHandler. history may be nil when the
// journal is disabled.
func NewSessionHandler(sessionManager *session.Manager, history History, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
		history:        history,
		log:            log,
	}
}

// StartSessionRequest represents the request body for starting a session.
type StartSessionRequest struct {
	StreamReference string `json:"streamReference"`
	SessionID       string `json:"sessionId"`
}

// StartSessionResponse is returned once a session is registered.
type StartSessionResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

// SessionResponse represents a live session in API responses.
type SessionResponse struct {
	ID               string `json:"id"`
	UserID           string `json:"userId"`
	StreamReference  string `json:"streamReference"`
	State            string `json:"state"`
	WorkerPID        *int   `json:"workerPid,omitempty"`
	WorkerGeneration uint64 `json:"workerGeneration"`
	Duration         string `json:"duration"`
	StartedAt        string `json:"startedAt"`
}

// SessionListResponse holds the caller's live sessions and their journal history.
type SessionListResponse struct {
	Sessions []*SessionResponse     `json:"sessions"`
	History  []*model.SessionRecord `json:"history"`
}

// ResultsResponse holds the cached results of one session.
type ResultsResponse struct {
	SessionID string         `json:"sessionId"`
	Results   []model.Result `json:"results"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s model.Session) *SessionResponse {
	return &SessionResponse{
		ID:               s.ID,
		UserID:           s.UserID,
		StreamReference:  s.StreamRef,
		State:            string(s.State),
		WorkerPID:        s.WorkerPID,
		WorkerGeneration: s.WorkerGeneration,
		Duration:         formatDuration(s.Duration()),
		StartedAt:        s.StartedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return (h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return (m*time.Minute + s*time.Second).String()
	}
	return (s * time.Second).String()
}

// getUserID extracts the user ID set by RequireUser.
func getUserID(c *gin.Context) string {
	if userID, exists := c.Get(userIDKey); exists {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return ""
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendSessionError maps session errors onto HTTP statuses.
func sendSessionError(c *gin.Context, sessionID string, err error) {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
	case errors.Is(err, model.ErrForbidden):
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Access to session denied")
	case errors.Is(err, model.ErrSessionExists):
		sendError(c, http.StatusConflict, "SESSION_EXISTS", "Session "+sessionID+" already exists")
	case errors.Is(err, model.ErrStreamRequired):
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, model.ErrConcurrencyLimit):
		sendError(c, http.StatusTooManyRequests, "LIMIT_EXCEEDED", err.Error())
	case errors.Is(err, model.ErrUnauthorized):
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// Start handles POST /api/sessions/start - registers a session and launches its worker.
func (h *SessionHandler) Start(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	startReq := &model.StartSessionRequest{
		SessionID: req.SessionID,
		StreamRef: req.StreamReference,
		UserID:    getUserID(c),
	}

	sess, err := h.sessionManager.Start(c.Request.Context(), startReq)
	if err != nil {
		sendSessionError(c, startReq.SessionID, err)
		return
	}

	c.JSON(http.StatusOK, StartSessionResponse{
		Status:    "started",
		SessionID: sess.ID,
	})
}

// End handles POST /api/sessions/:id/end - tears a session down.
func (h *SessionHandler) End(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.sessionManager.End(c.Request.Context(), sessionID, getUserID(c)); err != nil {
		sendSessionError(c, sessionID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ended", "sessionId": sessionID})
}

// Restart handles POST /api/sessions/:id/restart - launches a fresh worker.
func (h *SessionHandler) Restart(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.sessionManager.Restart(sessionID, getUserID(c))
	if err != nil {
		sendSessionError(c, sessionID, err)
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// List handles GET /api/sessions - lists the caller's sessions.
func (h *SessionHandler) List(c *gin.Context) {
	userID := getUserID(c)

	live := h.sessionManager.List(userID)
	response := SessionListResponse{
		Sessions: make([]*SessionResponse, len(live)),
		History:  []*model.SessionRecord{},
	}
	for i, sess := range live {
		response.Sessions[i] = toSessionResponse(sess)
	}

	if h.history != nil {
		records, err := h.history.ListByUser(c.Request.Context(), userID, repository.DefaultListLimit)
		if err != nil {
			// Live sessions are still useful without history.
			h.log.WithUserID(userID).Warn("Failed to read session history", zap.Error(err))
		} else if records != nil {
			response.History = records
		}
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets one live session.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.sessionManager.GetOwned(sessionID, getUserID(c))
	if err != nil {
		sendSessionError(c, sessionID, err)
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// Results handles GET /api/results/:sessionId - returns the cached results.
// Unknown sessions yield an empty list.
func (h *SessionHandler) Results(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if sess, ok := h.sessionManager.Get(sessionID); ok && sess.UserID != getUserID(c) {
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Access to session denied")
		return
	}

	res := h.sessionManager.Results(sessionID)
	if res == nil {
		res = []model.Result{}
	}
	c.JSON(http.StatusOK, ResultsResponse{
		SessionID: sessionID,
		Results:   res,
	})
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.POST("/start", h.Start)
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.POST("/:id/end", h.End)
		sessions.POST("/:id/restart", h.Restart)
	}
	rg.GET("/results/:sessionId", h.Results)
}
