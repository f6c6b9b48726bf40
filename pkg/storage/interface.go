package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"geotask/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
	// ErrFinished is returned when finishing a job that is no longer started.
	ErrFinished = errors.New("job already finished")
)

// RunFinish is the terminal state of a dashboard run.
type RunFinish struct {
	Job         models.JobHandle
	Outcome     models.Outcome
	LastStatus  models.JobStatus
	Detail      string
	ResultURI   string
	CompletedAt time.Time
}

// RunStore is the dashboard's run history.
type RunStore interface {
	// CreateRun persists a run when start() is called.
	CreateRun(ctx context.Context, run *models.Run) error

	// AttachJob records the handle returned by the start request. It is a
	// no-op once the run has finished.
	AttachJob(ctx context.Context, id uuid.UUID, job models.JobHandle, status models.JobStatus) error

	// FinishRun records how the run ended.
	FinishRun(ctx context.Context, id uuid.UUID, fin RunFinish) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)

	// ListRecentRuns returns runs newest first.
	ListRecentRuns(ctx context.Context, limit, offset int) ([]models.Run, error)
}

// JobStore holds the jobs of the reference job service.
type JobStore interface {
	// CreateJob persists a new job in the started state.
	CreateJob(ctx context.Context, job *models.ServiceJob) error

	// GetJob retrieves a job by handle.
	GetJob(ctx context.Context, id models.JobHandle) (*models.ServiceJob, error)

	// FinishJob moves a started job to a terminal status. It returns
	// ErrFinished if the job already left the started state.
	FinishJob(ctx context.Context, id models.JobHandle, status models.JobStatus, result json.RawMessage, errMsg string, at time.Time) error

	// ListStaleJobs returns started jobs whose deadline is before the given time.
	ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]models.ServiceJob, error)
}

// Queue dispatches jobs to job service workers.
type Queue interface {
	// Push adds a job to the pending queue.
	Push(ctx context.Context, job *models.ServiceJob) error

	// Pop retrieves a job from the queue for a specific consumer group.
	// A nil job with a nil error means nothing arrived before the poll window ended.
	Pop(ctx context.Context, group string, consumer string) (string, *models.ServiceJob, error)

	// Ack acknowledges a job as processed.
	Ack(ctx context.Context, group string, msgID string) error

	// EnsureGroup ensures the consumer group exists.
	EnsureGroup(ctx context.Context, group string) error
}

// ResultArchive keeps completed result payloads outside the run table.
type ResultArchive interface {
	// Store saves a payload and returns a reference to it.
	Store(ctx context.Context, runID string, result []byte) (string, error)
	// Retrieve fetches a payload by reference.
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}
