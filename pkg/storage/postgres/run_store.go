package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"geotask/pkg/models"
	"geotask/pkg/storage"
)

// RunStore keeps the dashboard's run history in Postgres.
type RunStore struct {
	db *gorm.DB
}

// NewRunStore initializes the GORM connection and migrates the runs table.
func NewRunStore(connString string) (*RunStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.Run{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &RunStore{db: db}, nil
}

func (s *RunStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *RunStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateRun persists a new run.
func (s *RunStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.Outcome == "" {
		run.Outcome = models.OutcomePending
	}
	result := s.db.WithContext(ctx).Create(run)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create run: %w", result.Error)
	}
	return nil
}

// AttachJob records the job handle issued for a run.
func (s *RunStore) AttachJob(ctx context.Context, id uuid.UUID, job models.JobHandle, status models.JobStatus) error {
	result := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("id = ? AND outcome = ?", id, models.OutcomePending).
		Updates(map[string]interface{}{
			"job":         job,
			"last_status": status,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to attach job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		_, err := s.GetRun(ctx, id)
		return err
	}
	return nil
}

// FinishRun records the terminal outcome. Runs that already finished are left untouched.
func (s *RunStore) FinishRun(ctx context.Context, id uuid.UUID, fin storage.RunFinish) error {
	updates := map[string]interface{}{
		"outcome":      fin.Outcome,
		"detail":       fin.Detail,
		"completed_at": fin.CompletedAt,
	}
	if fin.LastStatus != "" {
		updates["last_status"] = fin.LastStatus
	}
	if fin.ResultURI != "" {
		updates["result_uri"] = fin.ResultURI
	}
	if !fin.Job.IsZero() {
		updates["job"] = fin.Job
	}

	result := s.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("id = ? AND outcome = ?", id, models.OutcomePending).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to finish run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return storage.ErrConflict
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	var run models.Run
	result := s.db.WithContext(ctx).First(&run, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &run, nil
}

// ListRecentRuns returns runs newest first with pagination.
func (s *RunStore) ListRecentRuns(ctx context.Context, limit, offset int) ([]models.Run, error) {
	var runs []models.Run
	result := s.db.WithContext(ctx).
		Order("started_at desc").
		Limit(limit).
		Offset(offset).
		Find(&runs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list runs: %w", result.Error)
	}
	return runs, nil
}

var _ storage.RunStore = (*RunStore)(nil)
