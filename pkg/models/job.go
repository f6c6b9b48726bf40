package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobHandle identifies one in-flight computation on the remote job service.
// The zero value means no job is active.
type JobHandle string

// NoJob is the empty handle.
const NoJob JobHandle = ""

func (h JobHandle) String() string { return string(h) }

// IsZero reports whether h refers to no job.
func (h JobHandle) IsZero() bool { return h == NoJob }

// ParseJobHandle validates that s is a UUID, the only form the job service issues.
func ParseJobHandle(s string) (JobHandle, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NoJob, err
	}
	return JobHandle(id.String()), nil
}

// NewJobHandle issues a fresh version 4 handle.
func NewJobHandle() JobHandle {
	return JobHandle(uuid.New().String())
}

// JobStatus is the status string reported by the job service.
type JobStatus string

const (
	JobStatusStarted  JobStatus = "started"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Terminal reports whether s ends polling: anything other than "started".
func (s JobStatus) Terminal() bool {
	return s != JobStatusStarted
}

// StartRequest addresses a start request by task type and either task name or
// an existing job id (repeat operations).
type StartRequest struct {
	TaskType    string
	TaskName    string
	JobID       JobHandle
	Query       map[string][]string
	Body        []byte
	ContentType string
}

// StartResponse is the body returned by a successful start request.
type StartResponse struct {
	Job    JobHandle `json:"job"`
	Status JobStatus `json:"status,omitempty"`
}

// StatusResponse is the body returned by a status request.
type StatusResponse struct {
	JobUUID  JobHandle       `json:"job_uuid,omitempty"`
	Status   JobStatus       `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Started  *time.Time      `json:"started,omitempty"`
	Finished *time.Time      `json:"finished,omitempty"`
}

// Outcome is how a run ended on the polling side.
type Outcome string

const (
	OutcomePending      Outcome = "PENDING"
	OutcomeSuccess      Outcome = "SUCCESS"
	OutcomeFailure      Outcome = "FAILURE"
	OutcomeTimeout      Outcome = "TIMEOUT"
	OutcomeSuperseded   Outcome = "SUPERSEDED"
	OutcomeStartFailure Outcome = "START_FAILURE"
)

// JSONB structures need to implement Scanner/Valuer for GORM

// Params are the request-building inputs of a run, kept for display and repeat.
type Params struct {
	Query       map[string][]string `json:"query,omitempty"`
	Body        json.RawMessage     `json:"body,omitempty"`
	ContentType string              `json:"content_type,omitempty"`
}

func (p *Params) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, p)
}

func (p Params) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Run is one start() invocation recorded by the dashboard.
type Run struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	TaskType    string         `json:"task_type" gorm:"not null;index"`
	TaskName    string         `json:"task_name"`
	Params      Params         `json:"params" gorm:"type:jsonb"`
	Job         JobHandle      `json:"job,omitempty" gorm:"type:varchar(36);index"`
	Outcome     Outcome        `json:"outcome" gorm:"type:varchar(20);default:'PENDING'"`
	LastStatus  JobStatus      `json:"last_status,omitempty" gorm:"type:varchar(32)"`
	Detail      string         `json:"detail,omitempty"`
	ResultURI   string         `json:"result_uri,omitempty"`
	StartedAt   time.Time      `json:"started_at" gorm:"not null;index"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-" gorm:"index"`
}

// BeforeCreate hook to generate UUID if not present
func (r *Run) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

// ServiceJob is a job as held by the reference job service.
type ServiceJob struct {
	ID         JobHandle           `json:"id"`
	TaskType   string              `json:"task_type"`
	TaskName   string              `json:"task_name"`
	Query      map[string][]string `json:"query,omitempty"`
	Input      json.RawMessage     `json:"input,omitempty"`
	Status     JobStatus           `json:"status"`
	Result     json.RawMessage     `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	Deadline   time.Time           `json:"deadline"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// StatusResponse renders the job the way status requests report it.
func (j *ServiceJob) StatusResponse() StatusResponse {
	started := j.CreatedAt
	return StatusResponse{
		JobUUID:  j.ID,
		Status:   j.Status,
		Result:   j.Result,
		Error:    j.Error,
		Started:  &started,
		Finished: j.FinishedAt,
	}
}
