package jobservice

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"geotask/pkg/api/middleware"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port     string
	BasePath string // e.g. "/mmw"; job routes are mounted below it
	Service  *Service
	Logger   *zap.Logger
	// Ping checks backing stores for /health; nil reports healthy.
	Ping func(ctx context.Context) error
}

// Server is the job service's HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	ping       func(ctx context.Context) error
	log        *zap.Logger
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware("jobservice"))
	router.Use(middleware.TracingMiddleware("geotask-jobservice"))
	router.Use(middleware.RequestLogger(cfg.Logger))
	router.Use(middleware.BodySizeLimitMiddleware(middleware.DefaultValidatorConfig().MaxBodySize))

	s := &Server{router: router, ping: cfg.Ping, log: cfg.Logger}

	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	cfg.Service.Routes(router.Group(cfg.BasePath))

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
	s.log.Info("starting job service", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down job service")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthCheck(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	var detail string
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			status, code, detail = "degraded", http.StatusServiceUnavailable, err.Error()
		}
	}
	body := gin.H{"status": status, "timestamp": time.Now().UTC()}
	if detail != "" {
		body["error"] = detail
	}
	c.JSON(code, body)
}
