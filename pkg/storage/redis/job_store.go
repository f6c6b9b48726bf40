package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"geotask/pkg/models"
	"geotask/pkg/storage"
)

const (
	jobKeyPrefix = "geotask:job:"
	// startedSetKey scores started jobs by deadline for the reaper.
	startedSetKey = "geotask:jobs:started"
)

// JobStore keeps job service records as JSON strings with a retention TTL.
type JobStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewJobStore wraps a connected client. Finished jobs expire after retention.
func NewJobStore(client *redis.Client, retention time.Duration) *JobStore {
	return &JobStore{client: client, retention: retention}
}

func jobKey(id models.JobHandle) string {
	return jobKeyPrefix + id.String()
}

// CreateJob stores a started job and indexes it by deadline.
func (s *JobStore) CreateJob(ctx context.Context, job *models.ServiceJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, jobKey(job.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if !ok {
		return storage.ErrConflict
	}

	err = s.client.ZAdd(ctx, startedSetKey, redis.Z{
		Score:  float64(job.Deadline.UnixMilli()),
		Member: job.ID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by handle.
func (s *JobStore) GetJob(ctx context.Context, id models.JobHandle) (*models.ServiceJob, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job models.ServiceJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// FinishJob updates the record optimistically under WATCH so a worker and the
// reaper cannot both finish the same job.
func (s *JobStore) FinishJob(ctx context.Context, id models.JobHandle, status models.JobStatus, result json.RawMessage, errMsg string, at time.Time) error {
	key := jobKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		var job models.ServiceJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if job.Status != models.JobStatusStarted {
			return storage.ErrFinished
		}
		job.Status = status
		job.Result = result
		job.Error = errMsg
		job.FinishedAt = &at

		payload, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.retention)
			pipe.ZRem(ctx, startedSetKey, id.String())
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrFinished) {
			return fmt.Errorf("failed to finish job: %w", err)
		}
		return err
	}
	return fmt.Errorf("failed to finish job %s: too much contention", id)
}

// ListStaleJobs returns started jobs whose deadline is before the given time.
func (s *JobStore) ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]models.ServiceJob, error) {
	ids, err := s.client.ZRangeByScore(ctx, startedSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load stale jobs: %w", err)
	}

	jobs := make([]models.ServiceJob, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Record expired or vanished; drop the dangling index entry.
			s.client.ZRem(ctx, startedSetKey, ids[i])
			continue
		}
		var job models.ServiceJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if job.Status == models.JobStatusStarted {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

var _ storage.JobStore = (*JobStore)(nil)
