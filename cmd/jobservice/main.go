package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "geotask/configs"
	"geotask/pkg/coordination"
	"geotask/pkg/coordination/etcd"
	"geotask/pkg/jobservice"
	"geotask/pkg/logger"
	"geotask/pkg/observability"
	"geotask/pkg/storage"
	"geotask/pkg/storage/memory"
	"geotask/pkg/storage/redis"
)

const jobRetention = 24 * time.Hour

func main() {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Service:  "jobservice",
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

	tracingCfg := observability.DefaultConfig("geotask-jobservice")
	tracingCfg.Enabled = cfg.TracingEnabled
	tracingCfg.Endpoint = cfg.TracingEndpoint
	tracing, err := observability.Init(ctx, tracingCfg)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	var (
		jobs  storage.JobStore
		queue storage.Queue
		ping  func(context.Context) error
	)
	switch cfg.JobBackend {
	case "redis":
		rdb, err := redis.Connect(redis.DefaultConfig(cfg.RedisAddr()))
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		jobs = redis.NewJobStore(rdb, jobRetention)
		queue = redis.NewQueue(rdb)
		ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info("redis connected", zap.String("addr", cfg.RedisAddr()))
	default:
		jobs = memory.NewJobStore()
		queue = memory.NewQueue(1024)
	}

	var coord coordination.Coordinator
	switch cfg.Coordination {
	case "etcd":
		coord, err = etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.LeaderElectionTTL)
		if err != nil {
			log.Fatal("failed to connect to etcd", zap.Error(err))
		}
		log.Info("etcd connected")
	default:
		coord = coordination.NewLocal()
	}
	defer coord.Close()

	registry := jobservice.DefaultRegistry()
	service, err := jobservice.New(jobservice.Config{
		Jobs:     jobs,
		Queue:    queue,
		Registry: registry,
		Deadline: cfg.JobDeadline,
		Logger:   log,
	})
	if err != nil {
		log.Fatal("failed to initialize job service", zap.Error(err))
	}

	workers := jobservice.NewWorkers(jobservice.WorkersConfig{
		Queue:    queue,
		Jobs:     jobs,
		Registry: registry,
		Slots:    cfg.WorkerSlots,
		Logger:   log,
	})

	// Only the leader reaps, so replicas sharing a store do not race.
	leadership := coordination.NewLeadership(coord, "geotask-reaper", workers.ID, log)
	go leadership.Run(ctx)
	// A lost session never leads again; exit so a restart rebuilds it.
	go leadership.OnLost(ctx, func() {
		log.Error("leadership campaign ended before shutdown, exiting")
		sigChan <- syscall.SIGTERM
	})

	reaper := jobservice.NewReaper(jobs, cfg.ReaperGrace, leadership.IsLeader, log)
	if err := reaper.Start(cfg.ReaperSchedule); err != nil {
		log.Fatal("failed to schedule reaper", zap.Error(err))
	}

	workersDone := make(chan struct{})
	go func() {
		workers.Run(ctx)
		close(workersDone)
	}()

	server := jobservice.NewServer(jobservice.ServerConfig{
		Port:     cfg.JobServicePort,
		BasePath: cfg.JobServiceBasePath,
		Service:  service,
		Logger:   log,
		Ping:     ping,
	})

	// Run HTTP server in goroutine
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

	// Stop consuming; running models finish under their own deadline.
	cancel()
	reaper.Stop()
	select {
	case <-workersDone:
	case <-time.After(cfg.JobDeadline):
		log.Warn("workers still busy at shutdown")
	}
	<-leadership.Done()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
