package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geotask/pkg/auth"
	"geotask/pkg/jobservice"
	"geotask/pkg/storage/memory"
)

// startJobService serves the reference job service with live workers.
func startJobService(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := jobservice.DefaultRegistry()
	require.NoError(t, reg.Register("debug", "block", func(ctx context.Context, _ jobservice.Input) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	jobs, queue := memory.NewJobStore(), memory.NewQueue(16)
	svc, err := jobservice.New(jobservice.Config{Jobs: jobs, Queue: queue, Registry: reg, Deadline: time.Second, Logger: zap.NewNop()})
	require.NoError(t, err)

	srv := httptest.NewServer(jobservice.NewServer(jobservice.ServerConfig{
		BasePath: "/mmw",
		Service:  svc,
		Logger:   zap.NewNop(),
	}).Handler())

	workers := jobservice.NewWorkers(jobservice.WorkersConfig{Queue: queue, Jobs: jobs, Registry: reg, Slots: 2, Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		workers.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv.URL + "/mmw"
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Success(t *testing.T) {
	base := startJobService(t)

	code, out, errOut := runCLI(t, "run", "-url", base, "-type", "analyze", "-name", "stats",
		"-input", `{"values":[1,2,3,4]}`, "-interval", "20ms", "-timeout", "3s")
	require.Equal(t, exitSuccess, code, errOut)
	assert.Contains(t, errOut, "started")

	var res jobservice.StatsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 4, res.Count)
	assert.InDelta(t, 2.5, res.Mean, 1e-9)
}

func TestRun_ExitCodes(t *testing.T) {
	base := startJobService(t)

	cases := []struct {
		name string
		args []string
		code int
	}{
		{"model failure", []string{"-type", "analyze", "-name", "stats", "-input", `{"values":[]}`}, exitFailure},
		{"poll timeout", []string{"-type", "debug", "-name", "block", "-timeout", "200ms"}, exitTimeout},
		{"unknown task", []string{"-type", "analyze", "-name", "nope"}, exitStartFailure},
		{"missing task", []string{"-type", "analyze"}, exitUsage},
		{"bad job id", []string{"-type", "analyze", "-job", "42"}, exitUsage},
		{"bad input", []string{"-type", "analyze", "-name", "stats", "-input", "{"}, exitUsage},
		{"bad query", []string{"-type", "analyze", "-name", "stats", "-q", "huc"}, exitUsage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"-url", base, "-interval", "20ms"}, tc.args...)
			code, out, errOut := runCLI(t, args...)
			assert.Equal(t, tc.code, code, errOut)
			assert.Empty(t, out)
		})
	}
}

func TestRun_StartFailureWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	base := srv.URL
	srv.Close()

	code, _, errOut := runCLI(t, "-url", base, "-type", "analyze", "-name", "stats")
	assert.Equal(t, exitStartFailure, code)
	assert.Contains(t, errOut, "start failed")
}

func TestToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	code, out, errOut := runCLI(t, "token", "-user", "u-1", "-role", "operator")
	require.Equal(t, exitSuccess, code, errOut)

	svc, err := auth.NewJWTService(auth.JWTConfig{SecretKey: "cli-secret"})
	require.NoError(t, err)
	claims, err := svc.ValidateToken(string(bytes.TrimSpace([]byte(out))))
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID())
	assert.Equal(t, auth.RoleOperator, claims.Role)

	code, _, _ = runCLI(t, "token", "-user", "u-1", "-role", "root")
	assert.Equal(t, exitUsage, code)
}
