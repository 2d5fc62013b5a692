package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/agentease/streamrelay/internal/config"
	"github.com/agentease/streamrelay/internal/logger"
	"github.com/agentease/streamrelay/internal/metrics"
	"github.com/agentease/streamrelay/internal/push"
	"github.com/agentease/streamrelay/internal/session"
)

// RouterDeps holds everything the HTTP surface is built from.
type RouterDeps struct {
	Manager    *session.Manager
	Hub        *push.Hub
	History    History
	Auth       config.AuthConfig
	CORSOrigin string
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
}

// NewRouter builds the gin engine with health, metrics and /api routes.
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(deps.Logger))
	r.Use(RequestMetrics(deps.Metrics))
	r.Use(CORS(deps.CORSOrigin))

	health := NewHealthHandler(deps.Manager, deps.Hub)
	r.GET("/health", health.Health)
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	api := r.Group("/api", RequireUser(deps.Auth))
	{
		NewSessionHandler(deps.Manager, deps.History, deps.Logger).RegisterRoutes(api)
		NewStreamHandler(deps.Hub, deps.Logger).RegisterRoutes(api)
	}

	return r
}
