// Package memory holds in-process implementations of the storage interfaces,
// used for single-node development and in tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"geotask/pkg/models"
	"geotask/pkg/storage"
)

// RunStore is an in-memory storage.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]models.Run
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]models.Run)}
}

func (s *RunStore) CreateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if _, ok := s.runs[run.ID]; ok {
		return storage.ErrConflict
	}
	if run.Outcome == "" {
		run.Outcome = models.OutcomePending
	}
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	s.runs[run.ID] = *run
	return nil
}

func (s *RunStore) AttachJob(_ context.Context, id uuid.UUID, job models.JobHandle, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if run.Outcome != models.OutcomePending {
		return nil
	}
	run.Job = job
	run.LastStatus = status
	run.UpdatedAt = time.Now()
	s.runs[id] = run
	return nil
}

func (s *RunStore) FinishRun(_ context.Context, id uuid.UUID, fin storage.RunFinish) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if run.Outcome != models.OutcomePending {
		return storage.ErrConflict
	}
	run.Outcome = fin.Outcome
	run.Detail = fin.Detail
	if !fin.Job.IsZero() {
		run.Job = fin.Job
	}
	if fin.LastStatus != "" {
		run.LastStatus = fin.LastStatus
	}
	if fin.ResultURI != "" {
		run.ResultURI = fin.ResultURI
	}
	completed := fin.CompletedAt
	run.CompletedAt = &completed
	run.UpdatedAt = time.Now()
	s.runs[id] = run
	return nil
}

func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &run, nil
}

func (s *RunStore) ListRecentRuns(_ context.Context, limit, offset int) ([]models.Run, error) {
	s.mu.RLock()
	runs := make([]models.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if offset >= len(runs) {
		return []models.Run{}, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// JobStore is an in-memory storage.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[models.JobHandle]models.ServiceJob
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[models.JobHandle]models.ServiceJob)}
}

func (s *JobStore) CreateJob(_ context.Context, job *models.ServiceJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return storage.ErrConflict
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *JobStore) GetJob(_ context.Context, id models.JobHandle) (*models.ServiceJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &job, nil
}

func (s *JobStore) FinishJob(_ context.Context, id models.JobHandle, status models.JobStatus, result json.RawMessage, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if job.Status != models.JobStatusStarted {
		return storage.ErrFinished
	}
	job.Status = status
	job.Result = result
	job.Error = errMsg
	job.FinishedAt = &at
	s.jobs[id] = job
	return nil
}

func (s *JobStore) ListStaleJobs(_ context.Context, before time.Time, limit int) ([]models.ServiceJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []models.ServiceJob
	for _, job := range s.jobs {
		if job.Status == models.JobStatusStarted && job.Deadline.Before(before) {
			stale = append(stale, job)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Deadline.Before(stale[j].Deadline) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Queue is an in-memory storage.Queue. Every consumer shares one buffer, so
// groups are accepted but not isolated from each other.
type Queue struct {
	ch      chan *models.ServiceJob
	seq     uint64
	seqMu   sync.Mutex
	pollFor time.Duration
}

// NewQueue creates a queue holding up to size pending jobs.
func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan *models.ServiceJob, size), pollFor: 2 * time.Second}
}

func (q *Queue) Push(ctx context.Context, job *models.ServiceJob) error {
	j := *job
	select {
	case q.ch <- &j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Pop(ctx context.Context, _ string, _ string) (string, *models.ServiceJob, error) {
	timer := time.NewTimer(q.pollFor)
	defer timer.Stop()
	select {
	case job := <-q.ch:
		q.seqMu.Lock()
		q.seq++
		id := strconv.FormatUint(q.seq, 10)
		q.seqMu.Unlock()
		return id, job, nil
	case <-timer.C:
		return "", nil, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (q *Queue) Ack(context.Context, string, string) error { return nil }

func (q *Queue) EnsureGroup(context.Context, string) error { return nil }

var (
	_ storage.RunStore = (*RunStore)(nil)
	_ storage.JobStore = (*JobStore)(nil)
	_ storage.Queue    = (*Queue)(nil)
)
