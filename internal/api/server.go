package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

// PoolReader exposes read-only key pool state
type PoolReader interface {
	Monitor() models.PoolStats
	Snapshot() models.StatsSnapshot
}

// SchedulerReader exposes read-only admission scheduler state
type SchedulerReader interface {
	Status() models.SchedulerStatus
}

// ProgressReader exposes read-only run progress
type ProgressReader interface {
	Progress() models.RunProgress
}

// Server is the read-only operator status API for a running batch
type Server struct {
	server *http.Server
}

// NewServer creates the status API server
func NewServer(port int, pool PoolReader, sched SchedulerReader, progress ProgressReader) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, sched.Status())
	})

	router.GET("/keys", func(c *gin.Context) {
		c.JSON(http.StatusOK, pool.Monitor())
	})

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"pool":     pool.Snapshot(),
			"progress": progress.Progress(),
		})
	})

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		},
	}
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("Starting status API server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Status API server failed")
		}
	}()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
