package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/internal/application/devices"
	"github.com/aescanero/constellation/internal/application/session"
)

// Server represents the HTTP API server
type Server struct {
	router   *gin.Engine
	server   *http.Server
	sessions *session.Manager
	devices  *devices.Registry
	health   *devices.HealthMonitor
	logger   *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port     int
	Sessions *session.Manager
	// Devices and Health are optional; device routes answer 503 without them.
	Devices *devices.Registry
	Health  *devices.HealthMonitor
	// Gatherer serves /metrics. The default registry is used when nil.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:   router,
		sessions: cfg.Sessions,
		devices:  cfg.Devices,
		health:   cfg.Health,
		logger:   cfg.Logger,
	}

	s.setupRoutes(cfg.Gatherer)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", s.handleHealth)

	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	} else {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/constellations", s.handleSubmit)
		v1.GET("/constellations", s.handleList)
		v1.GET("/constellations/:id", s.handleGet)
		v1.DELETE("/constellations/:id", s.handleDelete)
		v1.GET("/constellations/:id/status", s.handleStatus)
		v1.GET("/constellations/:id/result", s.handleResult)
		v1.GET("/constellations/:id/statistics", s.handleStatistics)
		v1.GET("/constellations/:id/order", s.handleOrder)
		v1.GET("/constellations/:id/ready", s.handleReady)
		v1.POST("/constellations/:id/run", s.handleRun)
		v1.POST("/constellations/:id/cancel", s.handleCancel)
		v1.POST("/constellations/:id/plan", s.handleExtendText)
		v1.POST("/constellations/:id/tasks", s.handleAddTask)
		v1.DELETE("/constellations/:id/tasks/:taskId", s.handleRemoveTask)
		v1.POST("/constellations/:id/dependencies", s.handleAddDependency)
		v1.DELETE("/constellations/:id/dependencies/:depId", s.handleRemoveDependency)

		v1.GET("/devices", s.handleListDevices)
		v1.POST("/devices", s.handleRegisterDevice)
		v1.GET("/devices/health", s.handleDeviceHealth)
		v1.GET("/devices/:id", s.handleGetDevice)
		v1.DELETE("/devices/:id", s.handleUnregisterDevice)
		v1.POST("/devices/:id/heartbeat", s.handleHeartbeat)
	}
}

// SetupWebSocket adds the event stream handler to the server
func (s *Server) SetupWebSocket(handler interface {
	HandleConstellationStream(*gin.Context)
}) {
	s.router.GET("/api/v1/constellations/:id/ws", handler.HandleConstellationStream)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
