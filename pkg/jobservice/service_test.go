package jobservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	. "geotask/pkg/jobservice"
	"geotask/pkg/models"
	"geotask/pkg/storage"
	"geotask/pkg/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// recordingJobs remembers which jobs were created.
type recordingJobs struct {
	*memory.JobStore
	mu      sync.Mutex
	created []models.JobHandle
}

func (r *recordingJobs) CreateJob(ctx context.Context, job *models.ServiceJob) error {
	r.mu.Lock()
	r.created = append(r.created, job.ID)
	r.mu.Unlock()
	return r.JobStore.CreateJob(ctx, job)
}

type brokenQueue struct{ *memory.Queue }

func (brokenQueue) Push(context.Context, *models.ServiceJob) error {
	return errors.New("stream unavailable")
}

type harness struct {
	handler http.Handler
	jobs    *recordingJobs
	queue   *memory.Queue
}

func newHarness(t *testing.T, reg *Registry, queue storage.Queue, deadline time.Duration) *harness {
	t.Helper()
	jobs := &recordingJobs{JobStore: memory.NewJobStore()}
	mq := memory.NewQueue(16)
	if queue == nil {
		queue = mq
	}
	svc, err := New(Config{Jobs: jobs, Queue: queue, Registry: reg, Deadline: deadline, Logger: zap.NewNop()})
	require.NoError(t, err)
	srv := NewServer(ServerConfig{BasePath: "/mmw", Service: svc})
	return &harness{handler: srv.Handler(), jobs: jobs, queue: mq}
}

func (h *harness) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func (h *harness) start(t *testing.T, target, body string) models.JobHandle {
	t.Helper()
	w := h.do(http.MethodPost, target, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp models.StartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.JobStatusStarted, resp.Status)
	_, err := models.ParseJobHandle(resp.Job.String())
	require.NoError(t, err)
	return resp.Job
}

func (h *harness) status(t *testing.T, taskType string, job models.JobHandle) models.StatusResponse {
	t.Helper()
	w := h.do(http.MethodGet, "/mmw/"+taskType+"/jobs/"+job.String()+"/", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

const tr55Body = `{"precipitation_in":3,"land_cover":[{"name":"urban","curve_number":80,"area_km2":1}]}`

func TestService_StartQueuesJob(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	before := time.Now()
	job := h.start(t, "/mmw/modeling/tr55/?huc=020402", tr55Body)

	stored, err := h.jobs.GetJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "modeling", stored.TaskType)
	assert.Equal(t, "tr55", stored.TaskName)
	assert.Equal(t, []string{"020402"}, stored.Query["huc"])
	assert.JSONEq(t, tr55Body, string(stored.Input))
	assert.WithinDuration(t, before.Add(DefaultDeadline), stored.Deadline, time.Second)

	_, queued, err := h.queue.Pop(context.Background(), ConsumerGroup, "test")
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, job, queued.ID)

	st := h.status(t, "modeling", job)
	assert.Equal(t, job, st.JobUUID)
	assert.Equal(t, models.JobStatusStarted, st.Status)
	assert.NotNil(t, st.Started)
	assert.Nil(t, st.Finished)
}

func TestService_StartRejects(t *testing.T) {
	h := newHarness(t, nil, nil, 0)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/mmw/modeling/tr55/", `{"broken`).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/mmw/modeling/gwlfe/", tr55Body).Code)
	assert.Empty(t, h.jobs.created)
}

func TestService_StatusNotFound(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	job := h.start(t, "/mmw/modeling/tr55/", tr55Body)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/mmw/modeling/jobs/not-a-uuid/", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/mmw/modeling/jobs/"+models.NewJobHandle().String()+"/", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/mmw/analyze/jobs/"+job.String()+"/", "").Code, "job of another task type")
}

func TestService_RepeatReusesInput(t *testing.T) {
	h := newHarness(t, nil, nil, 0)
	first := h.start(t, "/mmw/modeling/tr55/?huc=020402", tr55Body)

	second := h.start(t, "/mmw/modeling/jobs/"+first.String()+"/", "")
	assert.NotEqual(t, first, second)

	stored, err := h.jobs.GetJob(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, "tr55", stored.TaskName)
	assert.JSONEq(t, tr55Body, string(stored.Input))
	assert.Equal(t, []string{"020402"}, stored.Query["huc"])

	third := h.start(t, "/mmw/modeling/jobs/"+first.String()+"/?huc=1", `{"precipitation_in":1,"land_cover":[]}`)
	stored, err = h.jobs.GetJob(context.Background(), third)
	require.NoError(t, err)
	assert.JSONEq(t, `{"precipitation_in":1,"land_cover":[]}`, string(stored.Input))
	assert.Equal(t, []string{"1"}, stored.Query["huc"])

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/mmw/modeling/jobs/"+models.NewJobHandle().String()+"/", "").Code)
}

func TestService_QueueUnavailable(t *testing.T) {
	h := newHarness(t, nil, brokenQueue{memory.NewQueue(1)}, 0)

	w := h.do(http.MethodPost, "/mmw/modeling/tr55/", tr55Body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.Len(t, h.jobs.created, 1)
	stored, err := h.jobs.GetJob(context.Background(), h.jobs.created[0])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
}

func TestServer_Health(t *testing.T) {
	jobs := memory.NewJobStore()
	svc, err := New(Config{Jobs: jobs, Queue: memory.NewQueue(1), Logger: zap.NewNop()})
	require.NoError(t, err)

	healthy := NewServer(ServerConfig{Service: svc})
	w := httptest.NewRecorder()
	healthy.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	degraded := NewServer(ServerConfig{Service: svc, Ping: func(context.Context) error { return errors.New("redis down") }})
	w = httptest.NewRecorder()
	degraded.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis down")
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
