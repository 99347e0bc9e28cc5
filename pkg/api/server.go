// Package api exposes Chronicle over HTTP: a REST surface for threads and
// runs, a health endpoint, and the WebSocket upgrade into the stream
// fan-out server.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chroniclehq/chronicle/pkg/config"
	"github.com/chroniclehq/chronicle/pkg/database"
	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
	"github.com/chroniclehq/chronicle/pkg/runs"
	"github.com/chroniclehq/chronicle/pkg/stream"
	"github.com/chroniclehq/chronicle/pkg/version"
)

// Server wires the HTTP surface to the domain services.
type Server struct {
	db     *database.Client
	ledger ledger.Store
	runs   *runs.Manager
	stream *stream.Server[models.AgentEvent]
	cfg    config.ServerConfig

	router *gin.Engine
}

// NewServer creates the API server and registers all routes. db may be nil
// in embedded deployments; the health endpoint then skips the database
// check.
func NewServer(db *database.Client, led ledger.Store, mgr *runs.Manager, fanout *stream.Server[models.AgentEvent], cfg config.ServerConfig) *Server {
	s := &Server{
		db:     db,
		ledger: led,
		runs:   mgr,
		stream: fanout,
		cfg:    cfg,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	s.router = router
	s.registerRoutes()
	return s
}

// Router returns the configured handler for mounting in an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.Health)
	s.router.GET("/ws", s.HandleWS)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/threads/:threadID/transcript", s.GetTranscript)
		v1.GET("/threads/:threadID/tree", s.GetThreadTree)
		v1.GET("/threads/:threadID/runs", s.ListRuns)
		v1.POST("/threads/:threadID/runs", s.BeginRun)
		v1.DELETE("/threads/:threadID", s.DeleteThread)

		v1.GET("/runs/stale", s.ListStaleRuns)
		v1.GET("/runs/:runID", s.GetRun)
		v1.POST("/runs/:runID/events", s.AppendEvents)
		v1.POST("/runs/:runID/finalize", s.FinalizeRun)
		v1.POST("/runs/:runID/recover", s.RecoverRun)
	}
}

// Health reports service liveness and, when a database is attached, its
// connectivity and pool statistics.
func (s *Server) Health(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.Full()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  version.Full(),
		"database": dbHealth,
	})
}
