package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "geotask/configs"
	"geotask/pkg/api"
	"geotask/pkg/api/middleware"
	"geotask/pkg/auth"
	"geotask/pkg/client"
	"geotask/pkg/logger"
	"geotask/pkg/observability"
	"geotask/pkg/resilience"
	"geotask/pkg/runs"
	"geotask/pkg/scheduler"
	"geotask/pkg/storage"
	"geotask/pkg/storage/memory"
	"geotask/pkg/storage/postgres"
	"geotask/pkg/storage/redis"
	"geotask/pkg/taskrunner"
	"geotask/pkg/workerpool"
)

func main() {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Service:  "dashboard",
	})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	log.Info("starting up")

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tracingCfg := observability.DefaultConfig("geotask-dashboard")
	tracingCfg.Enabled = cfg.TracingEnabled
	tracingCfg.Endpoint = cfg.TracingEndpoint
	tracing, err := observability.Init(ctx, tracingCfg)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.IsFailure = client.BreakerFailure
	jobService, err := client.New(cfg.JobServiceURL,
		client.WithTimeout(cfg.RequestTimeout),
		client.WithBreaker(resilience.NewCircuitBreaker("job-service", breakerCfg, resilience.WithLogger(log))),
		client.WithLogger(log.Named("client")),
	)
	if err != nil {
		log.Fatal("invalid job service url", zap.Error(err))
	}

	var (
		runStore storage.RunStore
		ping     func(context.Context) error
	)
	switch cfg.RunBackend {
	case "postgres":
		store, err := postgres.NewRunStore(cfg.PostgresDSN())
		if err != nil {
			log.Fatal("failed to initialize run storage", zap.Error(err))
		}
		defer store.Close()
		runStore, ping = store, store.Ping
		log.Info("postgres connected")
	default:
		runStore = memory.NewRunStore()
	}

	var archive storage.ResultArchive
	switch cfg.ResultBackend {
	case "s3":
		archive, err = storage.NewS3ResultArchive(ctx, storage.S3ResultArchiveConfig{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
	default:
		archive, err = storage.NewLocalResultArchive(cfg.ResultDir)
	}
	if err != nil {
		log.Fatal("failed to initialize result archive", zap.Error(err))
	}

	var authCfg *middleware.AuthConfig
	if cfg.AuthEnabled {
		jwtCfg := auth.DefaultJWTConfig()
		jwtCfg.SecretKey = cfg.JWTSecret
		jwtService, err := auth.NewJWTService(jwtCfg)
		if err != nil {
			log.Fatal("failed to initialize authentication", zap.Error(err))
		}
		authCfg = &middleware.AuthConfig{JWTService: jwtService}

		rdb, err := redis.Connect(redis.DefaultConfig(cfg.RedisAddr()))
		if err != nil {
			log.Warn("API keys disabled, redis unavailable", zap.Error(err))
		} else {
			defer rdb.Close()
			authCfg.APIKeyStore = auth.NewRedisAPIKeyStore(rdb)
		}
	}

	loop := scheduler.NewLoop()
	runner := taskrunner.New(jobService, loop,
		taskrunner.WithLogger(log),
		taskrunner.WithRequestTimeout(cfg.RequestTimeout),
	)
	tracker := runs.NewTracker(runStore, archive,
		workerpool.New("runs", 4, 256, log),
		runs.WithLogger(log),
	)

	server := api.NewServer(api.Config{
		Port:    cfg.APIPort,
		Runner:  runner,
		Tracker: tracker,
		Runs:    runStore,
		Defaults: api.RunDefaults{
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.PollTimeout,
			StartWait:    cfg.StartWait,
		},
		Auth:   authCfg,
		Ping:   ping,
		Logger: log,
	})

	// Run API server in goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	log.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	// Supersede whatever is still polling, then let the tracker record it.
	runner.Close()
	if err := tracker.Close(shutdownCtx); err != nil {
		log.Warn("run tracker did not drain", zap.Error(err))
	}
	loop.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	cancel()
	log.Info("shutdown complete")
}
