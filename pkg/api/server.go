// Package api is the dashboard's HTTP API: it starts runs on the task
// runner and serves run history and archived results.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"geotask/pkg/api/middleware"
	"geotask/pkg/auth"
	"geotask/pkg/logger"
	"geotask/pkg/models"
	"geotask/pkg/storage"
	"geotask/pkg/taskrunner"
)

// TaskRunner starts jobs and reports the current one.
type TaskRunner interface {
	Start(desc taskrunner.TaskDescriptor) *taskrunner.Submission
	State() taskrunner.JobState
}

// RunTracker records runs and serves their archived results.
type RunTracker interface {
	Create(ctx context.Context, desc taskrunner.TaskDescriptor) (*models.Run, error)
	Follow(run *models.Run, sub *taskrunner.Submission)
	Result(ctx context.Context, run *models.Run) ([]byte, error)
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter

	runner    TaskRunner
	tracker   RunTracker
	runs      storage.RunStore
	validator *middleware.Validator
	defaults  RunDefaults
	ping      func(ctx context.Context) error
	log       *zap.Logger
}

// RunDefaults are applied to runs that do not set their own polling budget.
type RunDefaults struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// StartWait bounds how long POST /runs waits for the start request.
	StartWait time.Duration
}

// Config holds API server configuration.
type Config struct {
	Port      string
	Runner    TaskRunner
	Tracker   RunTracker
	Runs      storage.RunStore
	Defaults  RunDefaults
	RateLimit middleware.RateLimiterConfig
	// Auth enables authentication when non-nil; starting runs then needs
	// the operator role.
	Auth   *middleware.AuthConfig
	Ping   func(ctx context.Context) error
	Logger *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}
	if cfg.Defaults.PollInterval <= 0 {
		cfg.Defaults.PollInterval = taskrunner.DefaultPollInterval
	}
	if cfg.Defaults.Timeout <= 0 {
		cfg.Defaults.Timeout = taskrunner.DefaultTimeout
	}
	if cfg.Defaults.StartWait <= 0 {
		cfg.Defaults.StartWait = 10 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}

	validation := middleware.DefaultValidatorConfig()
	log := cfg.Logger.Named("api")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware("dashboard"))
	router.Use(middleware.TracingMiddleware("geotask-dashboard"))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.BodySizeLimitMiddleware(2 * validation.MaxBodySize))

	s := &Server{
		router:    router,
		limiter:   middleware.NewRateLimiter(cfg.RateLimit),
		runner:    cfg.Runner,
		tracker:   cfg.Tracker,
		runs:      cfg.Runs,
		validator: middleware.NewValidator(validation),
		defaults:  cfg.Defaults,
		ping:      cfg.Ping,
		log:       log,
	}
	s.registerRoutes(cfg.Auth)

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting dashboard API", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down dashboard API")
	defer s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(authCfg *middleware.AuthConfig) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(s.limiter.Middleware())

	requireOperator := func(c *gin.Context) { c.Next() }
	if authCfg != nil {
		v1.Use(middleware.AuthMiddleware(*authCfg))
		requireOperator = middleware.RequireRole(auth.RoleOperator)
	}

	runs := v1.Group("/runs")
	{
		runs.POST("", requireOperator, s.startRun)
		runs.GET("", s.listRuns)
		runs.GET("/current", s.currentJob)
		runs.GET("/:id", s.getRun)
		runs.GET("/:id/result", s.getRunResult)
	}
}

// healthCheck returns server health status with dependency checks.
func (s *Server) healthCheck(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	body := gin.H{"timestamp": time.Now().UTC()}
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
	}
	body["status"] = status
	body["current_job"] = s.runner.State().Job
	c.JSON(code, body)
}

// rawJSON keeps an absent or null field distinguishable from an empty one.
func rawJSON(v json.RawMessage) []byte {
	if len(v) == 0 || string(v) == "null" {
		return nil
	}
	return v
}
