// Package admin provides a small diagnostics HTTP server for operators:
// the resolved directive set per scope and a live counter snapshot,
// separate from the data-plane listener the reverse proxy serves on.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sofatutor/mdresponsefilter/internal/logging"
	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
	"github.com/sofatutor/mdresponsefilter/internal/metrics"
)

// Server is the diagnostics-only HTTP server. It never touches the data
// plane; it exists so an operator can inspect the resolved configuration
// and counters without scraping through the metrics port alone.
type Server struct {
	server  *http.Server
	engine  *gin.Engine
	file    *mdconfig.File
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewServer builds the diagnostics server bound to addr, serving the
// directive file's resolved scopes and the live metrics snapshot.
func NewServer(addr string, file *mdconfig.File, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		file:    file,
		metrics: m,
		logger:  logger.With(zap.String(logging.FieldComponent, logging.ComponentServer)),
		server: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/status/:vhost", s.handleStatus)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	vhost := c.Param("vhost")
	location := c.Query("location")

	record, err := s.file.ResolveForHost(vhost, location)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"vhost":    vhost,
		"location": location,
		"config":   record,
		"metrics":  s.metrics.Snapshot(),
	})
}

// Start runs the diagnostics server until it is shut down. It blocks.
func (s *Server) Start() error {
	s.logger.Info("diagnostics server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the diagnostics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
