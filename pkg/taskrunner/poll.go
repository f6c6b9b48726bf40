package taskrunner

import (
	"time"

	"go.uber.org/zap"

	"geotask/pkg/metrics"
	"geotask/pkg/models"
	"geotask/pkg/promise"
	"geotask/pkg/scheduler"
)

type loopState int

const (
	stateScheduled loopState = iota
	stateRequesting
	stateSucceeded
	stateFailed
	stateTimedOut
	stateSuperseded
)

func (s loopState) String() string {
	switch s {
	case stateScheduled:
		return "scheduled"
	case stateRequesting:
		return "requesting"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	case stateTimedOut:
		return "timed_out"
	case stateSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

func (s loopState) terminal() bool {
	return s >= stateSucceeded
}

func terminalState(k OutcomeKind) loopState {
	switch k {
	case OutcomeSuccess:
		return stateSucceeded
	case OutcomeTimeout:
		return stateTimedOut
	case OutcomeSuperseded:
		return stateSuperseded
	default:
		return stateFailed
	}
}

// pollLoop checks one job's status until a terminal outcome. It runs entirely
// on the runner's scheduler; its fields are never touched by another loop.
// The only shared datum it reads is the runner's generation, through isCurrent.
type pollLoop struct {
	runner     *Runner
	desc       TaskDescriptor
	generation uint64
	job        models.JobHandle

	state       loopState
	elapsed     time.Duration
	requests    int
	createdAt   time.Time
	cancelTimer scheduler.CancelFunc

	outcome *promise.Promise[PollResult]
	log     *zap.Logger
}

func newPollLoop(r *Runner, desc TaskDescriptor, gen uint64, job models.JobHandle, outcome *promise.Promise[PollResult]) *pollLoop {
	return &pollLoop{
		runner:     r,
		desc:       desc,
		generation: gen,
		job:        job,
		createdAt:  r.sched.Now(),
		outcome:    outcome,
		log: r.log.With(
			zap.String("task_type", desc.TaskType),
			zap.String("job", job.String()),
			zap.Uint64("generation", gen),
		),
	}
}

// schedule arms the next tick one poll interval from now.
func (l *pollLoop) schedule() {
	l.state = stateScheduled
	l.cancelTimer = l.runner.sched.AfterFunc(l.desc.PollInterval, l.tick)
}

func (l *pollLoop) tick() {
	if l.state != stateScheduled {
		return
	}
	// Budget first: no request is made once it is spent. A replaced job
	// still resolves Superseded so only the current job reports failure.
	if l.elapsed >= l.desc.Timeout {
		if !l.runner.isCurrent(l.generation) {
			l.finish(PollResult{Kind: OutcomeSuperseded})
			return
		}
		l.finish(PollResult{
			Kind: OutcomeTimeout,
			Err:  &PollError{Timeout: true, Err: ErrPollTimeout},
		})
		return
	}
	if !l.runner.isCurrent(l.generation) {
		l.finish(PollResult{Kind: OutcomeSuperseded})
		return
	}

	l.state = stateRequesting
	l.requests++
	l.log.Debug("polling job", zap.Duration("elapsed", l.elapsed), zap.Int("request", l.requests))

	svc, taskType, job := l.runner.service, l.desc.TaskType, l.job
	l.runner.sched.Go(func() func() {
		ctx, cancel := l.runner.requestContext()
		defer cancel()
		resp, err := svc.JobStatus(ctx, taskType, job)
		return func() { l.handle(resp, err) }
	})
}

func (l *pollLoop) handle(resp *models.StatusResponse, err error) {
	if l.state != stateRequesting {
		// Finished while the request was in flight (runner closed).
		return
	}
	// A reply for a job that is no longer current is discarded.
	if !l.runner.isCurrent(l.generation) {
		l.finish(PollResult{Kind: OutcomeSuperseded})
		return
	}
	if err != nil {
		metrics.StatusRequests.WithLabelValues(l.desc.TaskType, "error").Inc()
		l.finish(PollResult{Kind: OutcomeFailure, Err: &PollError{Err: err}})
		return
	}
	metrics.StatusRequests.WithLabelValues(l.desc.TaskType, string(resp.Status)).Inc()
	l.runner.observe(l.generation, resp)

	switch resp.Status {
	case models.JobStatusStarted:
		l.elapsed += l.desc.PollInterval
		l.schedule()
	case models.JobStatusComplete:
		l.finish(PollResult{Kind: OutcomeSuccess, Response: resp})
	default:
		l.finish(PollResult{
			Kind:     OutcomeFailure,
			Response: resp,
			Err:      &PollError{Response: resp, Err: ErrJobFailed},
		})
	}
}

// finish moves the loop to its terminal state and reports the outcome. It is
// a no-op once the loop is terminal, so callbacks fire at most once.
func (l *pollLoop) finish(res PollResult) {
	if l.state.terminal() {
		return
	}
	l.state = terminalState(res.Kind)
	if l.cancelTimer != nil {
		l.cancelTimer()
	}
	l.runner.loopEnded(l)

	res.Job = l.job
	res.Generation = l.generation
	res.Elapsed = l.elapsed
	res.Requests = l.requests

	ran := l.runner.sched.Now().Sub(l.createdAt)
	metrics.RecordPollOutcome(l.desc.TaskType, res.Kind.String(), ran.Seconds())
	l.log.Info("poll loop finished",
		zap.String("outcome", res.Kind.String()),
		zap.Duration("elapsed", l.elapsed),
		zap.Int("requests", l.requests),
	)

	dispatch(l.desc.Callbacks, res, l.log)
	l.outcome.Resolve(res)
}
