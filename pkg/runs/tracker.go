// Package runs records the lifecycle of dashboard runs.
//
// A run is one TaskRunner.Start call. The Tracker creates its record up
// front, then follows the submission's outcome handles and persists the job
// handle, the terminal outcome, and the archived result through a worker
// pool. Nothing it does runs on the runner's scheduler.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"geotask/pkg/logger"
	"geotask/pkg/metrics"
	"geotask/pkg/models"
	"geotask/pkg/storage"
	"geotask/pkg/taskrunner"
	"geotask/pkg/workerpool"
)

const supersededDetail = "superseded by a newer run"

// Tracker persists run lifecycles.
type Tracker struct {
	store   storage.RunStore
	archive storage.ResultArchive
	pool    *workerpool.Pool
	now     func() time.Time
	log     *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	follows sync.WaitGroup
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// NewTracker creates a Tracker. archive may be nil, in which case results are
// only kept by the job service.
func NewTracker(store storage.RunStore, archive storage.ResultArchive, pool *workerpool.Pool, opts ...Option) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		store:   store,
		archive: archive,
		pool:    pool,
		now:     time.Now,
		log:     logger.Named("runs"),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create persists a pending run for desc.
func (t *Tracker) Create(ctx context.Context, desc taskrunner.TaskDescriptor) (*models.Run, error) {
	run := &models.Run{
		ID:       uuid.New(),
		TaskType: desc.TaskType,
		TaskName: desc.TaskName,
		Job:      desc.JobID,
		Params: models.Params{
			Query:       desc.Query,
			Body:        jsonBody(desc.Body, desc.ContentType),
			ContentType: desc.ContentType,
		},
		Outcome:   models.OutcomePending,
		StartedAt: t.now().UTC(),
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// Follow records sub's outcomes against run as they settle.
func (t *Tracker) Follow(run *models.Run, sub *taskrunner.Submission) {
	t.follows.Add(1)
	go func() {
		defer t.follows.Done()
		t.follow(run.ID, sub)
	}()
}

func (t *Tracker) follow(id uuid.UUID, sub *taskrunner.Submission) {
	log := t.log.With(zap.String("run_id", id.String()))

	started, err := sub.Started.Wait(t.ctx)
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		fin := storage.RunFinish{
			Outcome:     models.OutcomeStartFailure,
			Detail:      err.Error(),
			CompletedAt: t.now().UTC(),
		}
		t.submit(log, "finish", func(ctx context.Context) error {
			return t.store.FinishRun(ctx, id, fin)
		})
		return
	}

	t.submit(log, "attach", func(ctx context.Context) error {
		return t.store.AttachJob(ctx, id, started.Job, started.Status)
	})

	res, err := sub.Polled.Wait(t.ctx)
	if err != nil {
		return
	}
	t.submit(log, "finish", func(ctx context.Context) error {
		return t.finish(ctx, id, res)
	})
}

func (t *Tracker) finish(ctx context.Context, id uuid.UUID, res taskrunner.PollResult) error {
	fin := storage.RunFinish{
		Job:         res.Job,
		Outcome:     res.Kind.Model(),
		CompletedAt: t.now().UTC(),
	}
	if res.Response != nil {
		fin.LastStatus = res.Response.Status
	}
	switch {
	case res.Kind == taskrunner.OutcomeSuperseded:
		fin.Detail = supersededDetail
	case res.Err != nil:
		fin.Detail = res.Err.Error()
	}

	if res.Kind == taskrunner.OutcomeSuccess && t.archive != nil && len(res.Response.Result) > 0 {
		ref, err := t.archive.Store(ctx, id.String(), res.Response.Result)
		if err != nil {
			t.log.Warn("failed to archive result", zap.String("run_id", id.String()), zap.Error(err))
		} else {
			fin.ResultURI = ref
		}
	}

	err := t.store.FinishRun(ctx, id, fin)
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	return err
}

func (t *Tracker) submit(log *zap.Logger, op string, task workerpool.Task) {
	if err := t.pool.Submit(task); err != nil {
		metrics.TrackerDropped.Inc()
		log.Warn("dropped run update", zap.String("op", op), zap.Error(err))
	}
}

// Result returns a run's archived result payload.
func (t *Tracker) Result(ctx context.Context, run *models.Run) ([]byte, error) {
	if run.ResultURI == "" || t.archive == nil {
		return nil, storage.ErrNotFound
	}
	return t.archive.Retrieve(ctx, run.ResultURI)
}

// Close waits for followed runs to settle, or for ctx to end, then flushes
// queued writes.
func (t *Tracker) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.follows.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.cancel()
	t.pool.StopWait()
	return err
}

func jsonBody(body []byte, contentType string) []byte {
	if len(body) == 0 {
		return nil
	}
	if contentType != "" && contentType != "application/json" {
		return nil
	}
	if !json.Valid(body) {
		return nil
	}
	return body
}
