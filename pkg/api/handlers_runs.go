package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"geotask/pkg/api/middleware"
	"geotask/pkg/models"
	"geotask/pkg/promise"
	"geotask/pkg/storage"
	"geotask/pkg/taskrunner"
)

const (
	minPollInterval = 50 * time.Millisecond
	maxTimeout      = 10 * time.Minute
	defaultPage     = 20
	maxPage         = 100
)

// StartRunRequest is the payload for starting a run. JobID repeats an
// operation on an existing job instead of naming a task.
type StartRunRequest struct {
	TaskType       string              `json:"task_type" binding:"required"`
	TaskName       string              `json:"task_name"`
	JobID          string              `json:"job_id"`
	Query          map[string][]string `json:"query"`
	Input          json.RawMessage     `json:"input"`
	PollIntervalMs int64               `json:"poll_interval_ms"`
	TimeoutMs      int64               `json:"timeout_ms"`
}

// StartRunResponse describes a run whose start request has been issued.
type StartRunResponse struct {
	Run        uuid.UUID        `json:"run"`
	Job        models.JobHandle `json:"job,omitempty"`
	Status     models.JobStatus `json:"status,omitempty"`
	Generation uint64           `json:"generation,omitempty"`
	Pending    bool             `json:"pending,omitempty"`
}

// startRun handles POST /api/v1/runs. It answers once the start request
// settles: 201 with the job handle, 502 if the job service refused it, or
// 202 if it is still in flight after StartWait.
func (s *Server) startRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	desc, err := s.descriptor(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := s.tracker.Create(c.Request.Context(), desc)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record run"})
		return
	}

	log := s.log.With(zap.String("run_id", run.ID.String()), zap.String("task_type", desc.TaskType))
	desc.Callbacks.Superseded = func(job models.JobHandle) {
		log.Debug("run superseded", zap.String("job", job.String()))
	}
	sub := s.runner.Start(desc)
	s.tracker.Follow(run, sub)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.defaults.StartWait)
	defer cancel()
	started, err := sub.Started.Wait(ctx)
	if ctx.Err() != nil {
		started, err = sub.Started.Peek()
	}
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, StartRunResponse{
			Run:        run.ID,
			Job:        started.Job,
			Status:     started.Status,
			Generation: started.Generation,
		})
	case errors.Is(err, promise.ErrPending):
		c.JSON(http.StatusAccepted, StartRunResponse{Run: run.ID, Pending: true})
	default:
		var descErr *taskrunner.DescriptorError
		code := http.StatusBadGateway
		if errors.As(err, &descErr) {
			code = http.StatusBadRequest
		}
		log.Warn("start request failed", zap.Error(err))
		c.JSON(code, gin.H{"error": err.Error(), "run": run.ID})
	}
}

func (s *Server) descriptor(req StartRunRequest) (taskrunner.TaskDescriptor, error) {
	desc := taskrunner.TaskDescriptor{
		TaskType:     req.TaskType,
		TaskName:     req.TaskName,
		Query:        req.Query,
		Body:         rawJSON(req.Input),
		PollInterval: s.defaults.PollInterval,
		Timeout:      s.defaults.Timeout,
	}
	if err := s.validator.ValidateSegment("task_type", req.TaskType); err != nil {
		return desc, err
	}
	switch {
	case req.JobID != "":
		job, err := models.ParseJobHandle(req.JobID)
		if err != nil {
			return desc, &middleware.ValidationError{Field: "job_id", Message: "must be a UUID"}
		}
		desc.JobID = job
		desc.TaskName = ""
	default:
		if err := s.validator.ValidateSegment("task_name", req.TaskName); err != nil {
			return desc, err
		}
	}
	if err := s.validator.ValidateQuery(req.Query); err != nil {
		return desc, err
	}
	if err := s.validator.ValidateBody(desc.Body); err != nil {
		return desc, err
	}
	if len(desc.Body) > 0 {
		desc.ContentType = "application/json"
	}

	// Bounds are checked in milliseconds so the conversion cannot overflow.
	if req.PollIntervalMs != 0 {
		if req.PollIntervalMs < minPollInterval.Milliseconds() || req.PollIntervalMs > maxTimeout.Milliseconds() {
			return desc, &middleware.ValidationError{Field: "poll_interval_ms", Message: "must be between 50 and 600000"}
		}
		desc.PollInterval = time.Duration(req.PollIntervalMs) * time.Millisecond
	}
	if req.TimeoutMs != 0 {
		if req.TimeoutMs < 1 || req.TimeoutMs > maxTimeout.Milliseconds() {
			return desc, &middleware.ValidationError{Field: "timeout_ms", Message: "must be between 1 and 600000"}
		}
		desc.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return desc, nil
}

// listRuns handles GET /api/v1/runs?limit=&offset=
func (s *Server) listRuns(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultPage)
	if err != nil || limit < 1 || limit > maxPage {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	runs, err := s.runs.ListRecentRuns(c.Request.Context(), limit, offset)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "limit": limit, "offset": offset})
}

// currentJob handles GET /api/v1/runs/current
func (s *Server) currentJob(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.State())
}

// getRun handles GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, run)
}

// getRunResult handles GET /api/v1/runs/:id/result
func (s *Server) getRunResult(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	if run.Outcome == models.OutcomePending {
		c.JSON(http.StatusConflict, gin.H{"error": "run has not finished", "outcome": run.Outcome})
		return
	}

	data, err := s.tracker.Result(c.Request.Context(), run)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run has no archived result", "outcome": run.Outcome})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) loadRun(c *gin.Context) (*models.Run, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run ID"})
		return nil, false
	}
	run, err := s.runs.GetRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return nil, false
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return nil, false
	}
	return run, true
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}
