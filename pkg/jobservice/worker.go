package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"geotask/pkg/logger"
	"geotask/pkg/metrics"
	"geotask/pkg/models"
	"geotask/pkg/observability"
	"geotask/pkg/storage"
)

// ConsumerGroup is the queue group every job service replica reads from.
const ConsumerGroup = "geotask-jobservice"

// slotMemory is the memory budget assumed per concurrently running model.
const slotMemory = 256 << 20

const deadlineMessage = "deadline exceeded"

// WorkersConfig wires Workers.
type WorkersConfig struct {
	Queue    storage.Queue
	Jobs     storage.JobStore
	Registry *Registry
	Slots    int // 0 sizes from the host
	Logger   *zap.Logger
}

// Workers pull jobs from the queue and run their models.
type Workers struct {
	ID string

	queue    storage.Queue
	jobs     storage.JobStore
	registry *Registry
	slots    int
	backoff  time.Duration
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewWorkers(cfg WorkersConfig) *Workers {
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots()
	}
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	return &Workers{
		ID:       id,
		queue:    cfg.Queue,
		jobs:     cfg.Jobs,
		registry: cfg.Registry,
		slots:    cfg.Slots,
		backoff:  time.Second,
		log:      cfg.Logger.Named("workers").With(zap.String("consumer", id)),
		tracer:   otel.Tracer("geotask/jobservice"),
		now:      time.Now,
	}
}

// DefaultSlots is the number of models this host runs at once: one per
// logical CPU, capped by available memory.
func DefaultSlots() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		if byMem := int(vm.Available / slotMemory); byMem < n {
			n = byMem
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (w *Workers) Slots() int { return w.slots }

// Run consumes until ctx is cancelled. Jobs already running are finished
// under their own deadline before Run returns.
func (w *Workers) Run(ctx context.Context) {
	if err := w.queue.EnsureGroup(ctx, ConsumerGroup); err != nil {
		w.log.Warn("failed to ensure consumer group", zap.Error(err))
	}
	w.log.Info("waiting for jobs", zap.Int("slots", w.slots))

	var wg sync.WaitGroup
	for i := 0; i < w.slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				w.consumeOne(ctx)
			}
		}()
	}
	wg.Wait()
	w.log.Info("workers stopped")
}

func (w *Workers) consumeOne(ctx context.Context) {
	msgID, job, err := w.queue.Pop(ctx, ConsumerGroup, w.ID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.log.Warn("failed to pop job", zap.Error(err))
		select {
		case <-time.After(w.backoff):
		case <-ctx.Done():
		}
		return
	}
	if job == nil {
		return
	}

	// Running jobs outlive shutdown; their deadline still bounds them.
	jobCtx := context.WithoutCancel(ctx)
	w.process(jobCtx, job)

	if err := w.queue.Ack(jobCtx, ConsumerGroup, msgID); err != nil {
		w.log.Error("failed to ack job", zap.String("job", job.ID.String()), zap.Error(err))
	}
}

func (w *Workers) process(ctx context.Context, job *models.ServiceJob) {
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	log := w.log.With(zap.String("job", job.ID.String()), zap.String("task_type", job.TaskType), zap.String("task_name", job.TaskName))
	start := w.now()

	ctx, span := w.tracer.Start(ctx, "jobservice.run",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.task", job.TaskType+"/"+job.TaskName),
		))
	status, result, errMsg := w.execute(ctx, job)
	if status == models.JobStatusFailed {
		observability.SetError(ctx, errors.New(errMsg))
	}
	span.End()

	err := w.jobs.FinishJob(ctx, job.ID, status, result, errMsg, w.now())
	switch {
	case errors.Is(err, storage.ErrFinished):
		log.Info("job already finished elsewhere, result discarded", zap.String("status", string(status)))
		return
	case err != nil:
		log.Error("failed to record job result", zap.Error(err))
		return
	}

	metrics.JobsFinished.WithLabelValues(job.TaskType, string(status)).Inc()
	if status == models.JobStatusFailed {
		log.Warn("job failed", zap.String("error", errMsg), zap.Duration("duration", w.now().Sub(start)))
	} else {
		log.Info("job complete", zap.Duration("duration", w.now().Sub(start)))
	}
}

type modelOutcome struct {
	result json.RawMessage
	err    error
}

// execute runs the job's model under the job deadline. A model that ignores
// its context is abandoned when the deadline passes.
func (w *Workers) execute(ctx context.Context, job *models.ServiceJob) (models.JobStatus, json.RawMessage, string) {
	model, err := w.registry.Lookup(job.TaskType, job.TaskName)
	if err != nil {
		return models.JobStatusFailed, nil, err.Error()
	}
	if !w.now().Before(job.Deadline) {
		return models.JobStatusFailed, nil, deadlineMessage
	}

	runCtx, cancel := context.WithDeadline(ctx, job.Deadline)
	defer cancel()

	done := make(chan modelOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- modelOutcome{err: fmt.Errorf("model panicked: %v", r)}
			}
		}()
		res, err := model(runCtx, Input{Query: url.Values(job.Query), Body: job.Input})
		done <- modelOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case errors.Is(out.err, context.DeadlineExceeded):
			return models.JobStatusFailed, nil, deadlineMessage
		case out.err != nil:
			return models.JobStatusFailed, nil, out.err.Error()
		case len(out.result) > 0 && !json.Valid(out.result):
			return models.JobStatusFailed, nil, "model returned invalid JSON"
		}
		return models.JobStatusComplete, out.result, ""
	case <-runCtx.Done():
		return models.JobStatusFailed, nil, deadlineMessage
	}
}
