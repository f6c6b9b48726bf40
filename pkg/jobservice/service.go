package jobservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"geotask/pkg/api/middleware"
	"geotask/pkg/logger"
	"geotask/pkg/metrics"
	"geotask/pkg/models"
	"geotask/pkg/storage"
)

// DefaultDeadline is how long a model may run before its job fails.
const DefaultDeadline = 42 * time.Second

const pushTimeout = 2 * time.Second

// Config wires a Service.
type Config struct {
	Jobs     storage.JobStore
	Queue    storage.Queue
	Registry *Registry
	Deadline time.Duration
	Logger   *zap.Logger
}

// Service serves start, repeat and status requests. Jobs it accepts are
// pushed to the queue for Workers to run.
type Service struct {
	jobs      storage.JobStore
	queue     storage.Queue
	registry  *Registry
	deadline  time.Duration
	validator *middleware.Validator
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Jobs == nil || cfg.Queue == nil {
		return nil, errors.New("jobservice: job store and queue are required")
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}
	return &Service{
		jobs:      cfg.Jobs,
		queue:     cfg.Queue,
		registry:  cfg.Registry,
		deadline:  cfg.Deadline,
		validator: middleware.NewValidator(middleware.DefaultValidatorConfig()),
		log:       cfg.Logger.Named("jobservice"),
		now:       time.Now,
	}, nil
}

// Routes registers, for every task registered so far:
//
//	POST {type}/{name}/        start a job
//	POST {type}/jobs/:job/     start a job repeating an existing one
//	GET  {type}/jobs/:job/     job status
func (s *Service) Routes(r gin.IRouter) {
	types := make(map[string]bool)
	for _, task := range s.registry.Tasks() {
		task := task
		r.POST("/"+task.Type+"/"+task.Name+"/", func(c *gin.Context) {
			s.start(c, task)
		})
		if !types[task.Type] {
			types[task.Type] = true
			taskType := task.Type
			r.POST("/"+taskType+"/jobs/:job/", func(c *gin.Context) { s.repeat(c, taskType) })
			r.GET("/"+taskType+"/jobs/:job/", func(c *gin.Context) { s.status(c, taskType) })
		}
	}
}

func (s *Service) start(c *gin.Context, task Task) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	query := c.Request.URL.Query()
	if err := s.validator.ValidateQuery(query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, task, query, body)
}

func (s *Service) repeat(c *gin.Context, taskType string) {
	prior, ok := s.lookupJob(c, taskType)
	if !ok {
		return
	}
	if _, err := s.registry.Lookup(prior.TaskType, prior.TaskName); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	body, ok := s.readBody(c)
	if !ok {
		return
	}
	if len(body) == 0 {
		body = prior.Input
	}
	query := c.Request.URL.Query()
	if len(query) == 0 {
		query = prior.Query
	} else if err := s.validator.ValidateQuery(query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.log.Debug("repeating job", zap.String("job", prior.ID.String()))
	s.submit(c, Task{Type: prior.TaskType, Name: prior.TaskName}, query, body)
}

func (s *Service) status(c *gin.Context, taskType string) {
	job, ok := s.lookupJob(c, taskType)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job.StatusResponse())
}

func (s *Service) submit(c *gin.Context, task Task, query map[string][]string, body []byte) {
	now := s.now()
	job := &models.ServiceJob{
		ID:        models.NewJobHandle(),
		TaskType:  task.Type,
		TaskName:  task.Name,
		Query:     query,
		Input:     body,
		Status:    models.JobStatusStarted,
		CreatedAt: now,
		Deadline:  now.Add(s.deadline),
	}

	ctx := c.Request.Context()
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	if err := s.queue.Push(pushCtx, job); err != nil {
		_ = c.Error(err)
		if ferr := s.jobs.FinishJob(context.WithoutCancel(ctx), job.ID, models.JobStatusFailed, nil, "job could not be queued", s.now()); ferr != nil {
			s.log.Error("failed to fail unqueued job", zap.String("job", job.ID.String()), zap.Error(ferr))
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job queue unavailable"})
		return
	}

	metrics.JobsSubmitted.WithLabelValues(task.Type, task.Name).Inc()
	s.log.Info("job started",
		zap.String("job", job.ID.String()),
		zap.String("task", task.String()),
		zap.Time("deadline", job.Deadline))

	c.JSON(http.StatusOK, models.StartResponse{Job: job.ID, Status: job.Status})
}

func (s *Service) readBody(c *gin.Context) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "failed to read request body"})
		return nil, false
	}
	if err := s.validator.ValidateBody(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return body, true
}

// lookupJob resolves :job within taskType; unknown, malformed and foreign
// job ids are all 404.
func (s *Service) lookupJob(c *gin.Context, taskType string) (*models.ServiceJob, bool) {
	id, err := models.ParseJobHandle(c.Param("job"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil, false
	}
	job, err := s.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return nil, false
		}
		_ = c.Error(fmt.Errorf("get job %s: %w", id, err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return nil, false
	}
	if job.TaskType != taskType {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil, false
	}
	return job, true
}
