package jobservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"geotask/pkg/logger"
	"geotask/pkg/metrics"
	"geotask/pkg/models"
	"geotask/pkg/storage"
)

const reapBatch = 100

// Reaper fails jobs still "started" well past their deadline, e.g. because
// the replica running them died. Only the elected leader reaps.
type Reaper struct {
	jobs     storage.JobStore
	grace    time.Duration
	isLeader func() bool
	log      *zap.Logger
	now      func() time.Time
	timeout  time.Duration

	cron *cron.Cron
}

// NewReaper builds a reaper; isLeader nil means always lead.
func NewReaper(jobs storage.JobStore, grace time.Duration, isLeader func() bool, log *zap.Logger) *Reaper {
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	if log == nil {
		log = logger.Get()
	}
	return &Reaper{
		jobs:     jobs,
		grace:    grace,
		isLeader: isLeader,
		log:      log.Named("reaper"),
		now:      time.Now,
		timeout:  30 * time.Second,
	}
}

// Start runs the reaper on a cron spec such as "@every 30s".
func (r *Reaper) Start(spec string) error {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := c.AddFunc(spec, r.tick); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", spec, err)
	}
	r.cron = c
	c.Start()
	r.log.Info("reaper scheduled", zap.String("schedule", spec), zap.Duration("grace", r.grace))
	return nil
}

// Stop halts the schedule and waits for a running pass.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func (r *Reaper) tick() {
	if !r.isLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		r.log.Error("reaper pass failed", zap.Error(err))
	}
}

// RunOnce fails every started job whose deadline passed more than grace ago
// and returns how many it failed.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.grace)
	reaped := 0
	for {
		stale, err := r.jobs.ListStaleJobs(ctx, cutoff, reapBatch)
		if err != nil {
			return reaped, fmt.Errorf("list stale jobs: %w", err)
		}
		progressed := false
		for _, job := range stale {
			err := r.jobs.FinishJob(ctx, job.ID, models.JobStatusFailed, nil, deadlineMessage, r.now())
			switch {
			case errors.Is(err, storage.ErrFinished), errors.Is(err, storage.ErrNotFound):
				continue
			case err != nil:
				return reaped, fmt.Errorf("fail job %s: %w", job.ID, err)
			}
			progressed = true
			reaped++
			metrics.JobsReaped.Inc()
			r.log.Warn("reaped stale job",
				zap.String("job", job.ID.String()),
				zap.String("task_type", job.TaskType),
				zap.Time("deadline", job.Deadline))
		}
		if len(stale) < reapBatch || !progressed {
			return reaped, nil
		}
	}
}
