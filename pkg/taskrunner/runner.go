// Package taskrunner starts long-running jobs on a remote job service and
// polls them to completion.
//
// A Runner owns the notion of "the current job". Every Start supersedes the
// previous one: each call takes a new generation number, and a poll loop
// keeps reporting only while its generation is still the runner's. Loops that
// lose that race resolve as superseded at their next tick without reporting
// a failure.
//
// All runner state lives on a scheduler.Scheduler, so it is only ever touched
// by one callback at a time and needs no locks.
package taskrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"geotask/pkg/logger"
	"geotask/pkg/metrics"
	"geotask/pkg/models"
	"geotask/pkg/promise"
	"geotask/pkg/scheduler"
)

// JobService is the remote job service as the runner sees it.
type JobService interface {
	// StartJob issues a start request and returns the new job's handle.
	StartJob(ctx context.Context, req models.StartRequest) (*models.StartResponse, error)

	// JobStatus issues a status request for one job.
	JobStatus(ctx context.Context, taskType string, job models.JobHandle) (*models.StatusResponse, error)
}

// JobState is a snapshot of the runner's current job.
type JobState struct {
	Job        models.JobHandle `json:"job,omitempty"`
	Generation uint64           `json:"generation"`
	LastStatus models.JobStatus `json:"last_status,omitempty"`
	LastResult json.RawMessage  `json:"last_result,omitempty"`
}

// Submission holds the two outcomes of one Start call. Started settles when
// the start request finishes; Polled settles when polling reaches a terminal
// outcome, or is rejected with ErrNotPolled if the start request failed.
type Submission struct {
	Started *promise.Promise[StartResult]
	Polled  *promise.Promise[PollResult]
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger; the default is the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithRequestTimeout bounds every start and status request.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Runner) { r.requestTimeout = d }
}

// Runner drives jobs on a JobService.
type Runner struct {
	service        JobService
	sched          scheduler.Scheduler
	log            *zap.Logger
	requestTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the scheduler.
	generation uint64
	state      JobState
	loops      map[*pollLoop]struct{}
	closed     bool
}

// New creates a Runner. Callbacks and poll ticks run on sched.
func New(service JobService, sched scheduler.Scheduler, opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		service: service,
		sched:   sched,
		log:     logger.Named("taskrunner"),
		ctx:     ctx,
		cancel:  cancel,
		loops:   make(map[*pollLoop]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the job desc describes and returns immediately. Calling
// Start while another job is active is allowed and supersedes it.
func (r *Runner) Start(desc TaskDescriptor) *Submission {
	desc = desc.withDefaults()
	sub := &Submission{
		Started: promise.New[StartResult](),
		Polled:  promise.New[PollResult](),
	}
	if !r.sched.Post(func() { r.begin(desc, sub) }) {
		// The scheduler is gone; nothing will ever run begin.
		r.failStart(desc, sub, ErrRunnerClosed)
	}
	return sub
}

// State returns a snapshot of the current job. It must not be called from a callback.
func (r *Runner) State() JobState {
	var s JobState
	r.sched.Sync(func() {
		s = r.state
		if s.LastResult != nil {
			s.LastResult = append(json.RawMessage(nil), s.LastResult...)
		}
	})
	return s
}

// Close supersedes every active loop, firing their PollEnd, and cancels
// in-flight requests. Later Start calls fail with ErrRunnerClosed.
// It must not be called from a callback.
func (r *Runner) Close() {
	r.sched.Sync(func() {
		if r.closed {
			return
		}
		r.closed = true
		r.reset()
		for l := range r.loops {
			l.finish(PollResult{Kind: OutcomeSuperseded})
		}
	})
	r.cancel()
}

// reset clears the current job and takes a new generation, which supersedes
// every loop created before it.
func (r *Runner) reset() {
	r.generation++
	r.state = JobState{Generation: r.generation}
}

func (r *Runner) begin(desc TaskDescriptor, sub *Submission) {
	if r.closed {
		r.failStart(desc, sub, ErrRunnerClosed)
		return
	}
	r.reset()
	gen := r.generation
	metrics.RunsStarted.WithLabelValues(desc.TaskType).Inc()

	guard(r.log, "on_start", desc.Callbacks.OnStart)

	if err := desc.validate(); err != nil {
		r.failStart(desc, sub, err)
		return
	}

	r.log.Info("starting job",
		zap.String("task_type", desc.TaskType),
		zap.String("task_name", desc.TaskName),
		zap.String("repeat_job", desc.JobID.String()),
		zap.Uint64("generation", gen),
	)

	req := desc.request()
	r.sched.Go(func() func() {
		ctx, cancel := r.requestContext()
		defer cancel()
		resp, err := r.service.StartJob(ctx, req)
		return func() { r.started(desc, sub, gen, resp, err) }
	})
}

func (r *Runner) started(desc TaskDescriptor, sub *Submission, gen uint64, resp *models.StartResponse, err error) {
	if err == nil && (resp == nil || resp.Job.IsZero()) {
		err = ErrNoJobHandle
	}
	if err != nil {
		r.failStart(desc, sub, err)
		return
	}

	if r.isCurrent(gen) {
		r.state.Job = resp.Job
		r.state.LastStatus = resp.Status
	} else {
		r.log.Debug("start response arrived after a newer start",
			zap.String("job", resp.Job.String()), zap.Uint64("generation", gen))
	}
	sub.Started.Resolve(StartResult{Job: resp.Job, Status: resp.Status, Generation: gen})

	l := newPollLoop(r, desc, gen, resp.Job, sub.Polled)
	r.loops[l] = struct{}{}
	metrics.ActivePollLoops.Inc()
	if r.closed {
		l.finish(PollResult{Kind: OutcomeSuperseded})
		return
	}
	l.schedule()
}

func (r *Runner) failStart(desc TaskDescriptor, sub *Submission, err error) {
	metrics.StartFailures.WithLabelValues(desc.TaskType).Inc()
	r.log.Warn("start request failed", zap.String("task_type", desc.TaskType), zap.Error(err))
	guard(r.log, "start_failure", func() { desc.Callbacks.StartFailure(err) })
	sub.Started.Reject(err)
	sub.Polled.Reject(fmt.Errorf("%w: %w", ErrNotPolled, err))
}

func (r *Runner) isCurrent(gen uint64) bool {
	return gen == r.generation
}

// observe records a status response for the current job.
func (r *Runner) observe(gen uint64, resp *models.StatusResponse) {
	if !r.isCurrent(gen) {
		return
	}
	r.state.LastStatus = resp.Status
	if resp.Result != nil {
		r.state.LastResult = resp.Result
	}
}

func (r *Runner) loopEnded(l *pollLoop) {
	if _, ok := r.loops[l]; ok {
		delete(r.loops, l)
		metrics.ActivePollLoops.Dec()
	}
}

func (r *Runner) requestContext() (context.Context, context.CancelFunc) {
	if r.requestTimeout > 0 {
		return context.WithTimeout(r.ctx, r.requestTimeout)
	}
	return context.WithCancel(r.ctx)
}
