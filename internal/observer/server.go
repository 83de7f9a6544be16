// Package observer serves the state of a running pipeline over HTTP.
//
// Routes:
//
//	GET /healthz                  liveness
//	GET /api/snapshot             current graph.Snapshot
//	GET /api/nodes/:step/:index   one node of the snapshot
//	GET /api/stream               websocket pushing a snapshot on every change
//	GET /metrics                  Prometheus metrics
package observer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ciprian167/siliconcompiler/graph"
	"github.com/Ciprian167/siliconcompiler/graph/flow"
)

// Source is the run being observed. *graph.Engine implements it.
type Source interface {
	Snapshot() *graph.Snapshot
	Subscribe() (<-chan struct{}, func())
}

// Config holds observer configuration.
type Config struct {
	// Addr is the listen address, for example ":8080".
	Addr   string
	Source Source
	Logger *zap.Logger

	// Gatherer serves /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server is the observer HTTP server.
type Server struct {
	router *gin.Engine
	server *http.Server
	source Source
	logger *zap.Logger
}

// NewServer creates a server for cfg.Source.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Source == nil {
		return nil, errors.New("observer: nil source")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		router: router,
		source: cfg.Source,
		logger: logger,
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	api := router.Group("/api")
	{
		api.GET("/snapshot", s.handleSnapshot)
		api.GET("/nodes/:step/:index", s.handleNode)
		api.GET("/stream", s.handleStream)
	}

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting observer", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start observer: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown observer: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Snapshot())
}

func (s *Server) handleNode(c *gin.Context) {
	id := flow.ID(c.Param("step"), c.Param("index"))
	node, ok := s.source.Snapshot().Node(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no node " + id.String()})
		return
	}
	c.JSON(http.StatusOK, node)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
