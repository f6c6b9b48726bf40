package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"geotask/pkg/models"
	"geotask/pkg/storage"
	"geotask/pkg/storage/postgres"
)

// RunStoreSuite runs against a live Postgres and skips when none is reachable.
type RunStoreSuite struct {
	suite.Suite
	store *postgres.RunStore
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *RunStoreSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable connect_timeout=2",
		getEnv("TEST_DB_HOST", "localhost"),
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "geotask"),
		getEnv("TEST_DB_PASS", "password"),
		getEnv("TEST_DB_NAME", "geotask_test"),
	)
	store, err := postgres.NewRunStore(dsn)
	if err != nil {
		s.T().Skipf("Skipping postgres tests: %v", err)
	}
	s.store = store
}

func (s *RunStoreSuite) TearDownSuite() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *RunStoreSuite) TestRunLifecycle() {
	ctx := context.Background()
	run := &models.Run{
		TaskType:  "modeling",
		TaskName:  "tr55",
		Params:    models.Params{Query: map[string][]string{"tr": {"25"}}},
		StartedAt: time.Now().UTC(),
	}
	s.Require().NoError(s.store.CreateRun(ctx, run))
	s.NotEqual(uuid.Nil, run.ID)

	job := models.NewJobHandle()
	s.Require().NoError(s.store.AttachJob(ctx, run.ID, job, models.JobStatusStarted))

	fin := storage.RunFinish{
		Outcome:     models.OutcomeSuccess,
		LastStatus:  models.JobStatusComplete,
		ResultURI:   "s3://results/run.json",
		CompletedAt: time.Now().UTC(),
	}
	s.Require().NoError(s.store.FinishRun(ctx, run.ID, fin))
	s.ErrorIs(s.store.FinishRun(ctx, run.ID, fin), storage.ErrConflict)

	got, err := s.store.GetRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Equal(job, got.Job)
	s.Equal(models.OutcomeSuccess, got.Outcome)
	s.Equal("s3://results/run.json", got.ResultURI)
	s.Equal([]string{"25"}, got.Params.Query["tr"])
	s.NotNil(got.CompletedAt)

	runs, err := s.store.ListRecentRuns(ctx, 5, 0)
	s.Require().NoError(err)
	s.NotEmpty(runs)
}

func (s *RunStoreSuite) TestNotFound() {
	ctx := context.Background()
	_, err := s.store.GetRun(ctx, uuid.New())
	s.ErrorIs(err, storage.ErrNotFound)
	s.ErrorIs(s.store.AttachJob(ctx, uuid.New(), models.NewJobHandle(), models.JobStatusStarted), storage.ErrNotFound)
	s.ErrorIs(s.store.FinishRun(ctx, uuid.New(), storage.RunFinish{Outcome: models.OutcomeFailure}), storage.ErrNotFound)
}

func TestRunStoreSuite(t *testing.T) {
	suite.Run(t, new(RunStoreSuite))
}
