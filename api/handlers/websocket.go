package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentease/streamrelay/internal/logger"
	"github.com/agentease/streamrelay/internal/push"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: check against server.corsOrigin once it is not a wildcard.
		return true
	},
}

// StreamHandler serves the push streams of the caller.
type StreamHandler struct {
	hub *push.Hub
	log *logger.Logger
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(hub *push.Hub, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		log: log,
	}
}

// Events handles GET /api/events - an SSE stream of the caller's events.
func (h *StreamHandler) Events(c *gin.Context) {
	userID := getUserID(c)

	sink, err := push.NewSSESink(c.Writer)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", err.Error())
		return
	}

	// Nothing is committed until the writer sends the connected frame, so a
	// failed subscription can still answer with an error.
	push.SetHeaders(c.Writer)
	conn, err := h.hub.Subscribe(userID, sink)
	if err != nil {
		h.log.WithUserID(userID).Warn("Failed to subscribe push stream", zap.Error(err))
		push.ClearHeaders(c.Writer)
		sendError(c, http.StatusServiceUnavailable, "PUSH_UNAVAILABLE", "Push streams are unavailable")
		return
	}

	select {
	case <-conn.Done():
	case <-c.Request.Context().Done():
	}
	h.hub.Unsubscribe(userID, conn)
	// The writer must be finished with the response before the handler returns.
	<-conn.Done()
}

// WebSocket handles GET /api/ws - the same event stream over a WebSocket.
func (h *StreamHandler) WebSocket(c *gin.Context) {
	userID := getUserID(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.log.WithUserID(userID).Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	conn, err := h.hub.Subscribe(userID, push.NewWebSocketSink(ws))
	if err != nil {
		h.log.WithUserID(userID).Warn("Failed to subscribe push stream", zap.Error(err))
		_ = ws.Close()
		return
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- push.ReadUntilClosed(ws)
	}()

	select {
	case err := <-readErr:
		if err != nil {
			h.log.WithUserID(userID).Debug("WebSocket closed unexpectedly", zap.Error(err))
		}
	case <-conn.Done():
	}
	h.hub.Unsubscribe(userID, conn)
	<-conn.Done()
}

// RegisterRoutes registers the push stream routes on a Gin router group.
func (h *StreamHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/events", h.Events)
	rg.GET("/ws", h.WebSocket)
}
