// Package http exposes the routing core over a thin gin surface: one chat
// endpoint for API-key traffic and a small admin API for observability and
// overrides.
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/relaypool/relaypool/internal/allocator"
	"github.com/relaypool/relaypool/internal/failoverlog"
	"github.com/relaypool/relaypool/internal/fallback"
	"github.com/relaypool/relaypool/internal/health"
	"github.com/relaypool/relaypool/internal/router"
	"gorm.io/gorm"
)

// Server bundles the handler dependencies.
type Server struct {
	db         *gorm.DB
	router     *router.Router
	monitor    *health.Monitor
	controller *fallback.Controller
	allocator  *allocator.Allocator
	logs       *failoverlog.Recorder
	jwtSecret  string
}

// NewServer constructs the HTTP surface.
func NewServer(db *gorm.DB, routeEngine *router.Router, monitor *health.Monitor,
	controller *fallback.Controller, alloc *allocator.Allocator, logs *failoverlog.Recorder, jwtSecret string) *Server {
	return &Server{
		db:         db,
		router:     routeEngine,
		monitor:    monitor,
		controller: controller,
		allocator:  alloc,
		logs:       logs,
		jwtSecret:  jwtSecret,
	}
}

// Engine builds the gin engine with all routes registered.
func (s *Server) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1", APIKeyAuthMiddleware(s.db))
	{
		v1.POST("/chat/completions", s.handleChat)
	}

	admin := engine.Group("/v0/admin", AdminAuthMiddleware(s.jwtSecret))
	{
		admin.GET("/failover-logs", s.handleListFailoverLogs)
		admin.GET("/health-scores", s.handleHealthScore)
		admin.POST("/allocations", s.handleRunAllocation)
		admin.GET("/allocations", s.handleListAllocations)
		admin.POST("/failover-pins", s.handlePinTier)
		admin.DELETE("/failover-pins", s.handleUnpinTier)
		admin.GET("/bindings", s.handleListBindings)
		admin.GET("/model-configs", s.handleListModelConfigs)
		admin.POST("/api-keys", s.handleCreateAPIKey)
		admin.POST("/settings/refresh", s.handleRefreshSettings)
	}

	return engine
}
