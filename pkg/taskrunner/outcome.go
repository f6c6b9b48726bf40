package taskrunner

import (
	"time"

	"go.uber.org/zap"

	"geotask/pkg/models"
)

// OutcomeKind is the terminal state a poll loop resolved with.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
	OutcomeTimeout
	OutcomeSuperseded
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Model maps the kind onto the persisted run outcome.
func (k OutcomeKind) Model() models.Outcome {
	switch k {
	case OutcomeSuccess:
		return models.OutcomeSuccess
	case OutcomeFailure:
		return models.OutcomeFailure
	case OutcomeTimeout:
		return models.OutcomeTimeout
	case OutcomeSuperseded:
		return models.OutcomeSuperseded
	default:
		return models.OutcomePending
	}
}

// StartResult is what the start outcome resolves with.
type StartResult struct {
	Job        models.JobHandle
	Status     models.JobStatus
	Generation uint64
}

// PollResult is what the poll outcome resolves with.
type PollResult struct {
	Kind       OutcomeKind
	Job        models.JobHandle
	Generation uint64

	// Response is the final status response for Success, and for a Failure
	// caused by a reported status.
	Response *models.StatusResponse
	// Err is set for Failure and Timeout.
	Err *PollError

	Elapsed  time.Duration
	Requests int
}

// dispatch turns a terminal result into callback invocations: the specific
// callback first, PollEnd last. A panicking callback does not stop PollEnd.
func dispatch(cb Callbacks, res PollResult, log *zap.Logger) {
	switch res.Kind {
	case OutcomeSuccess:
		guard(log, "poll_success", func() { cb.PollSuccess(*res.Response) })
	case OutcomeFailure, OutcomeTimeout:
		guard(log, "poll_failure", func() { cb.PollFailure(res.Err) })
	case OutcomeSuperseded:
		log.Info("job superseded", zap.String("job", res.Job.String()))
		guard(log, "superseded", func() { cb.Superseded(res.Job) })
	}
	guard(log, "poll_end", cb.PollEnd)
}

func guard(log *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	fn()
}
