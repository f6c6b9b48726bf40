package taskrunner

import (
	"net/url"
	"time"

	"geotask/pkg/models"
)

const (
	// DefaultPollInterval is the delay before the first status request and between later ones.
	DefaultPollInterval = time.Second
	// DefaultTimeout is the polling budget. The job service gives models 42s,
	// so the client budget leaves room for the countdown starting earlier here.
	DefaultTimeout = 45 * time.Second
)

// Callbacks are the hooks fired over one Start call. Every field is optional;
// nil fields become no-ops. They run on the runner's scheduler and must not block.
//
// For a single Start call:
//   - OnStart fires first, before the start request is issued.
//   - StartFailure fires if the start request fails; nothing else follows it.
//   - Otherwise at most one of PollSuccess or PollFailure fires, or neither
//     when the job was superseded, in which case Superseded fires instead.
//   - PollEnd fires exactly once after the specific outcome callback whenever
//     the start request succeeded.
type Callbacks struct {
	OnStart      func()
	StartFailure func(err error)
	PollSuccess  func(resp models.StatusResponse)
	PollFailure  func(err *PollError)
	Superseded   func(job models.JobHandle)
	PollEnd      func()
}

func (c Callbacks) withDefaults() Callbacks {
	if c.OnStart == nil {
		c.OnStart = func() {}
	}
	if c.StartFailure == nil {
		c.StartFailure = func(error) {}
	}
	if c.PollSuccess == nil {
		c.PollSuccess = func(models.StatusResponse) {}
	}
	if c.PollFailure == nil {
		c.PollFailure = func(*PollError) {}
	}
	if c.Superseded == nil {
		c.Superseded = func(models.JobHandle) {}
	}
	if c.PollEnd == nil {
		c.PollEnd = func() {}
	}
	return c
}

// TaskDescriptor configures one Start call.
type TaskDescriptor struct {
	// TaskType and TaskName address the start request. Setting JobID instead
	// of TaskName repeats an operation on an existing job.
	TaskType string
	TaskName string
	JobID    models.JobHandle

	Query       url.Values
	Body        []byte
	ContentType string

	// PollInterval defaults to DefaultPollInterval, Timeout to DefaultTimeout.
	PollInterval time.Duration
	Timeout      time.Duration

	Callbacks Callbacks
}

func (d TaskDescriptor) withDefaults() TaskDescriptor {
	if d.PollInterval <= 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	d.Callbacks = d.Callbacks.withDefaults()
	return d
}

func (d TaskDescriptor) validate() error {
	if d.TaskType == "" {
		return &DescriptorError{Field: "task_type", Message: "is required"}
	}
	if d.TaskName == "" && d.JobID.IsZero() {
		return &DescriptorError{Field: "task_name", Message: "task name or job id is required"}
	}
	return nil
}

func (d TaskDescriptor) request() models.StartRequest {
	return models.StartRequest{
		TaskType:    d.TaskType,
		TaskName:    d.TaskName,
		JobID:       d.JobID,
		Query:       d.Query,
		Body:        d.Body,
		ContentType: d.ContentType,
	}
}
