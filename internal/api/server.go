// Package api exposes the risk engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"authrisk/internal/alerting"
	"authrisk/internal/config"
	"authrisk/internal/engine"
	"authrisk/internal/logger"
	"authrisk/internal/middleware"
	"authrisk/internal/monitoring"
	"authrisk/internal/orchestrator"
)

// HealthCheck reports whether a collaborator is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies are the components the server routes to
type Dependencies struct {
	Engine    *engine.Engine
	Stream    *alerting.StreamHub
	Scheduler *orchestrator.Scheduler
	Health    map[string]HealthCheck
	Metrics   *monitoring.Metrics
	Logger    logger.Logger
}

// Server represents the API server
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	jwtManager *JWTManager
	deps       Dependencies
	log        logger.Logger

	risk  *RiskHandler
	admin *AdminHandler
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("api server requires an engine")
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNopLogger()
	}
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	log := deps.Logger.WithField("component", "api")
	s := &Server{
		config:     cfg,
		router:     gin.New(),
		jwtManager: NewJWTManager(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Duration),
		deps:       deps,
		log:        log,
		risk:       NewRiskHandler(deps.Engine, log),
		admin:      NewAdminHandler(deps.Engine, deps.Scheduler, log),
	}
	s.setupRoutes()
	return s, nil
}

// Router returns the configured gin engine
func (s *Server) Router() *gin.Engine { return s.router }

// JWT returns the admin token manager
func (s *Server) JWT() *JWTManager { return s.jwtManager }

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	requestLogger := logger.NewRequestLogger(s.log)
	s.router.Use(middleware.RequestID())
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		requestLogger.LogRequest(c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start),
			map[string]interface{}{"ip": c.ClientIP(), "request_id": c.GetHeader(middleware.HeaderRequestID)})
	})
	s.router.Use(middleware.ErrorHandler(s.log))
	s.router.Use(s.deps.Metrics.MetricsMiddleware())

	if s.config.Monitoring.PrometheusEnabled {
		s.router.GET(s.config.Monitoring.PrometheusPath, gin.WrapH(s.deps.Metrics.Handler()))
	}
	s.router.GET("/health", s.health)

	limiter := s.deps.Engine.RateLimiter()
	perIP := middleware.RateLimit(limiter, "api", s.config.Server.RequestsPerWindow, s.config.Server.RequestWindow)

	v1 := s.router.Group("/api/v1")
	{
		behavior := v1.Group("/behavior/:subject", perIP)
		{
			behavior.POST("/samples", s.risk.RecordSample)
			behavior.POST("/analyze", s.risk.AnalyzeBehavior)
		}

		login := v1.Group("/login", perIP)
		{
			login.POST("/analyze", s.risk.AnalyzeLogin)
			login.POST("/attempts", s.risk.RecordLoginAttempt)
		}

		v1.POST("/subjects/:subject/password-change", perIP, s.risk.RecordPasswordChange)
		v1.POST("/ratelimit/check", s.risk.CheckRateLimit)

		admin := v1.Group("/admin", s.jwtManager.AdminMiddleware())
		{
			admin.GET("/subjects/:subject/devices", s.admin.ListDevices)
			admin.POST("/subjects/:subject/devices", s.admin.TrustDevice)
			admin.DELETE("/subjects/:subject/devices/:device", s.admin.RevokeDevice)
			admin.POST("/ratelimit/reset", s.admin.ResetRateLimit)
			admin.GET("/thresholds", s.admin.GetThresholds)
			admin.PUT("/thresholds", s.admin.SetThresholds)
			admin.GET("/tasks", s.admin.ListTasks)
			admin.POST("/tasks/:type/run", s.admin.RunTask)
			if s.deps.Stream != nil {
				admin.GET("/alerts/stream", gin.WrapH(s.deps.Stream))
			}
		}
	}
}

// health reports collaborator status; any failing check answers 503
func (s *Server) health(c *gin.Context) {
	names := make([]string, 0, len(s.deps.Health))
	for name := range s.deps.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	services := gin.H{}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := s.deps.Health[name](ctx)
		cancel()
		if err != nil {
			services[name] = "error"
			status = http.StatusServiceUnavailable
			s.log.Warn("Health check failed", "service", name, "error", err)
			continue
		}
		services[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":   overall,
		"time":     time.Now().UTC(),
		"services": services,
	})
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:        s.router,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	s.log.Info("Starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("Shutting down server...")
	if s.deps.Stream != nil {
		s.deps.Stream.Close()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("Server stopped gracefully")
	return nil
}
