package jobservice_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	. "geotask/pkg/jobservice"
	"geotask/pkg/models"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := DefaultRegistry()
	require.NoError(t, r.Register("debug", "block", func(ctx context.Context, _ Input) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, r.Register("debug", "stubborn", func(context.Context, Input) (json.RawMessage, error) {
		time.Sleep(500 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	}))
	require.NoError(t, r.Register("debug", "panic", func(context.Context, Input) (json.RawMessage, error) {
		panic("boom")
	}))
	require.NoError(t, r.Register("debug", "garbage", func(context.Context, Input) (json.RawMessage, error) {
		return json.RawMessage(`{not json`), nil
	}))
	return r
}

// runWorkers starts workers on the harness queue and stops them at cleanup.
func runWorkers(t *testing.T, h *harness, reg *Registry) {
	t.Helper()
	w := NewWorkers(WorkersConfig{Queue: h.queue, Jobs: h.jobs, Registry: reg, Slots: 2, Logger: zap.NewNop()})
	assert.Equal(t, 2, w.Slots())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFinished(t *testing.T, h *harness, taskType string, job models.JobHandle) models.StatusResponse {
	t.Helper()
	var st models.StatusResponse
	require.Eventually(t, func() bool {
		st = models.StatusResponse{}
		w := h.do(http.MethodGet, "/mmw/"+taskType+"/jobs/"+job.String()+"/", "")
		if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &st) != nil {
			return false
		}
		return st.Status.Terminal()
	}, 3*time.Second, 10*time.Millisecond)
	return st
}

func TestWorkers_CompleteJob(t *testing.T) {
	reg := testRegistry(t)
	h := newHarness(t, reg, nil, 0)
	runWorkers(t, h, reg)

	job := h.start(t, "/mmw/modeling/tr55/", tr55Body)
	st := waitFinished(t, h, "modeling", job)

	assert.Equal(t, models.JobStatusComplete, st.Status)
	assert.Empty(t, st.Error)
	require.NotNil(t, st.Finished)
	assert.False(t, st.Finished.Before(*st.Started))

	var res map[string]TR55Output
	require.NoError(t, json.Unmarshal(st.Result, &res))
	assert.InDelta(t, 1.25, res["runoff"].RunoffIn, 1e-9)
}

func TestWorkers_FailedJobs(t *testing.T) {
	reg := testRegistry(t)
	h := newHarness(t, reg, nil, 100*time.Millisecond)
	runWorkers(t, h, reg)

	cases := []struct {
		target string
		body   string
		errMsg string
	}{
		{"/mmw/debug/block/", "", "deadline exceeded"},
		{"/mmw/debug/stubborn/", "", "deadline exceeded"},
		{"/mmw/debug/panic/", "", "model panicked: boom"},
		{"/mmw/debug/garbage/", "", "model returned invalid JSON"},
		{"/mmw/analyze/stats/", `{"values":[]}`, "invalid model input: values is empty"},
	}
	for _, tc := range cases {
		t.Run(tc.target, func(t *testing.T) {
			taskType := "debug"
			if tc.body != "" {
				taskType = "analyze"
			}
			job := h.start(t, tc.target, tc.body)
			st := waitFinished(t, h, taskType, job)
			assert.Equal(t, models.JobStatusFailed, st.Status)
			assert.Equal(t, tc.errMsg, st.Error)
			assert.Empty(t, st.Result)
		})
	}
}

func TestDefaultSlots(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultSlots(), 1)
}
