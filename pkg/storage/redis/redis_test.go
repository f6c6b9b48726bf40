package redis_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"geotask/pkg/models"
	"geotask/pkg/storage"
	"geotask/pkg/storage/redis"
)

// RedisSuite runs against a live Redis and skips when none is reachable.
type RedisSuite struct {
	suite.Suite
	client *goredis.Client
	jobs   *redis.JobStore
	queue  *redis.Queue
}

func (s *RedisSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	cfg := redis.DefaultConfig(addr)
	cfg.DB = 15
	cfg.DialTimeout = time.Second
	client, err := redis.Connect(cfg)
	if err != nil {
		s.T().Skipf("Skipping redis tests: %v", err)
	}
	s.client = client
	s.jobs = redis.NewJobStore(client, time.Hour)
	s.queue = redis.NewQueue(client)
}

func (s *RedisSuite) SetupTest() {
	s.Require().NoError(s.client.FlushDB(context.Background()).Err())
}

func (s *RedisSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

func newJob(deadline time.Time) *models.ServiceJob {
	return &models.ServiceJob{
		ID:        models.NewJobHandle(),
		TaskType:  "modeling",
		TaskName:  "tr55",
		Status:    models.JobStatusStarted,
		CreatedAt: deadline.Add(-42 * time.Second),
		Deadline:  deadline,
	}
}

func (s *RedisSuite) TestJobLifecycle() {
	ctx := context.Background()
	job := newJob(time.Now().Add(time.Minute))

	s.Require().NoError(s.jobs.CreateJob(ctx, job))
	s.ErrorIs(s.jobs.CreateJob(ctx, job), storage.ErrConflict)

	got, err := s.jobs.GetJob(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.JobStatusStarted, got.Status)

	at := time.Now().UTC().Truncate(time.Millisecond)
	s.Require().NoError(s.jobs.FinishJob(ctx, job.ID, models.JobStatusComplete, json.RawMessage(`{"q":1}`), "", at))
	s.ErrorIs(s.jobs.FinishJob(ctx, job.ID, models.JobStatusFailed, nil, "late", at), storage.ErrFinished)

	got, err = s.jobs.GetJob(ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.JobStatusComplete, got.Status)
	s.JSONEq(`{"q":1}`, string(got.Result))

	_, err = s.jobs.GetJob(ctx, models.NewJobHandle())
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *RedisSuite) TestListStaleJobs() {
	ctx := context.Background()
	now := time.Now()
	stale := newJob(now.Add(-time.Minute))
	fresh := newJob(now.Add(time.Minute))
	done := newJob(now.Add(-2 * time.Minute))
	for _, j := range []*models.ServiceJob{stale, fresh, done} {
		s.Require().NoError(s.jobs.CreateJob(ctx, j))
	}
	s.Require().NoError(s.jobs.FinishJob(ctx, done.ID, models.JobStatusComplete, nil, "", now))

	jobs, err := s.jobs.ListStaleJobs(ctx, now, 10)
	s.Require().NoError(err)
	s.Require().Len(jobs, 1)
	s.Equal(stale.ID, jobs[0].ID)
}

func (s *RedisSuite) TestQueue() {
	ctx := context.Background()
	s.Require().NoError(s.queue.EnsureGroup(ctx, "workers"))
	s.Require().NoError(s.queue.EnsureGroup(ctx, "workers"))

	job := newJob(time.Now().Add(time.Minute))
	s.Require().NoError(s.queue.Push(ctx, job))

	id, got, err := s.queue.Pop(ctx, "workers", "w1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(job.ID, got.ID)
	s.NoError(s.queue.Ack(ctx, "workers", id))
}

func TestRedisSuite(t *testing.T) {
	suite.Run(t, new(RedisSuite))
}
