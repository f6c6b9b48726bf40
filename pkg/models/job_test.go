package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobHandle(t *testing.T) {
	h, err := ParseJobHandle("9A5B39F2-3D6C-4E0B-9F6A-2B8E2C4D1A7F")
	require.NoError(t, err)
	assert.Equal(t, JobHandle("9a5b39f2-3d6c-4e0b-9f6a-2b8e2c4d1a7f"), h)

	_, err = ParseJobHandle("not-a-job")
	assert.Error(t, err)
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobStatusStarted.Terminal())
	assert.True(t, JobStatusComplete.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatus("queued").Terminal())
}

func TestStatusResponse_DecodesJobServiceBody(t *testing.T) {
	body := `{"job_uuid":"9a5b39f2-3d6c-4e0b-9f6a-2b8e2c4d1a7f","status":"complete","result":{"runoff":[1,2]},"error":"","started":"2026-01-02T03:04:05Z","finished":"2026-01-02T03:04:07Z"}`

	var resp StatusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))

	assert.Equal(t, JobStatusComplete, resp.Status)
	assert.JSONEq(t, `{"runoff":[1,2]}`, string(resp.Result))
	require.NotNil(t, resp.Finished)
	assert.Equal(t, 2*time.Second, resp.Finished.Sub(*resp.Started))
}

func TestParams_ScanValue(t *testing.T) {
	p := Params{Query: map[string][]string{"code": {"huc12"}}, Body: json.RawMessage(`{"area":1}`)}

	v, err := p.Value()
	require.NoError(t, err)

	var out Params
	require.NoError(t, out.Scan(v))
	assert.Equal(t, p.Query, out.Query)
	assert.JSONEq(t, `{"area":1}`, string(out.Body))

	assert.Error(t, out.Scan("not bytes"))
}

func TestServiceJob_StatusResponse(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := &ServiceJob{ID: NewJobHandle(), Status: JobStatusStarted, CreatedAt: created}

	resp := j.StatusResponse()
	assert.Equal(t, j.ID, resp.JobUUID)
	assert.Equal(t, created, *resp.Started)
	assert.Nil(t, resp.Finished)
}
