// Command geotask submits one task to the job service, polls it to a
// terminal outcome and prints the result.
//
// Exit codes: 0 success, 1 failure, 2 timeout, 3 start failure, 64 usage.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "geotask/configs"
	"geotask/pkg/auth"
	"geotask/pkg/client"
	"geotask/pkg/logger"
	"geotask/pkg/models"
	"geotask/pkg/scheduler"
	"geotask/pkg/taskrunner"
)

const (
	exitSuccess      = 0
	exitFailure      = 1
	exitTimeout      = 2
	exitStartFailure = 3
	exitUsage        = 64
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "token" {
		return token(args[1:], stdout, stderr)
	}
	if len(args) > 0 && args[0] == "run" {
		args = args[1:]
	}
	return submit(ctx, args, stdout, stderr)
}

// queryFlag collects repeated -q key=value pairs.
type queryFlag url.Values

func (q queryFlag) String() string { return url.Values(q).Encode() }

func (q queryFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	url.Values(q).Add(key, value)
	return nil
}

func submit(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg := config.LoadConfig()
	query := queryFlag{}

	fs := flag.NewFlagSet("geotask run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	baseURL := fs.String("url", cfg.JobServiceURL, "job service base URL")
	taskType := fs.String("type", "", "task type, e.g. modeling")
	taskName := fs.String("name", "", "task name, e.g. tr55")
	jobID := fs.String("job", "", "repeat an operation on an existing job instead of naming a task")
	input := fs.String("input", "", "JSON request body, or @file to read it from a file")
	interval := fs.Duration("interval", cfg.PollInterval, "poll interval")
	timeout := fs.Duration("timeout", cfg.PollTimeout, "polling budget")
	level := fs.String("log-level", "warn", "log level")
	fs.Var(query, "q", "query parameter key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	desc := taskrunner.TaskDescriptor{
		TaskType:     *taskType,
		TaskName:     *taskName,
		Query:        url.Values(query),
		PollInterval: *interval,
		Timeout:      *timeout,
	}
	if *jobID != "" {
		job, err := models.ParseJobHandle(*jobID)
		if err != nil {
			fmt.Fprintf(stderr, "invalid -job %q: must be a UUID\n", *jobID)
			return exitUsage
		}
		desc.JobID = job
	}
	body, err := readInput(*input)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if len(body) > 0 {
		desc.Body, desc.ContentType = body, "application/json"
	}

	log, err := logger.New(logger.Config{Level: *level, Encoding: "console", OutputPath: "stderr", Service: "geotask"})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer func() { _ = log.Sync() }()

	jobService, err := client.New(*baseURL, client.WithTimeout(cfg.RequestTimeout), client.WithLogger(log))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	loop := scheduler.NewLoop()
	defer loop.Close()
	runner := taskrunner.New(jobService, loop, taskrunner.WithLogger(log), taskrunner.WithRequestTimeout(cfg.RequestTimeout))
	defer runner.Close()

	sub := runner.Start(desc)
	started, err := sub.Started.Wait(ctx)
	if err != nil {
		var descErr *taskrunner.DescriptorError
		if errors.As(err, &descErr) {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return exitStartFailure
	}
	log.Info("job started", zap.String("job", started.Job.String()))
	fmt.Fprintf(stderr, "job %s started\n", started.Job)

	res, err := sub.Polled.Wait(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "interrupted: %v\n", err)
		return exitFailure
	}
	switch res.Kind {
	case taskrunner.OutcomeSuccess:
		if err := writeResult(stdout, res.Response.Result); err != nil {
			fmt.Fprintln(stderr, err)
			return exitFailure
		}
		return exitSuccess
	case taskrunner.OutcomeTimeout:
		fmt.Fprintf(stderr, "job %s took too long (%s)\n", res.Job, res.Elapsed.Round(time.Millisecond))
		return exitTimeout
	default:
		fmt.Fprintf(stderr, "job %s %s: %v\n", res.Job, res.Kind, res.Err)
		return exitFailure
	}
}

func readInput(input string) ([]byte, error) {
	if input == "" {
		return nil, nil
	}
	data := []byte(input)
	if path, ok := strings.CutPrefix(input, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, errors.New("input is not valid JSON")
	}
	return data, nil
}

func writeResult(w io.Writer, result json.RawMessage) error {
	if len(result) == 0 {
		_, err := fmt.Fprintln(w, "{}")
		return err
	}
	var v interface{}
	if err := json.Unmarshal(result, &v); err != nil {
		return fmt.Errorf("job returned invalid JSON: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// token issues a dashboard API token signed with JWT_SECRET.
func token(args []string, stdout, stderr io.Writer) int {
	cfg := config.LoadConfig()

	fs := flag.NewFlagSet("geotask token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	user := fs.String("user", "", "user id (token subject)")
	name := fs.String("username", "", "display name")
	role := fs.String("role", string(auth.RoleViewer), "role: admin, operator or viewer")
	ttl := fs.Duration("ttl", 12*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *user == "" || !auth.Role(*role).Valid() {
		fmt.Fprintln(stderr, "token: -user and a valid -role are required")
		return exitUsage
	}

	jwtCfg := auth.DefaultJWTConfig()
	jwtCfg.SecretKey = cfg.JWTSecret
	jwtCfg.TokenExpiry = *ttl
	svc, err := auth.NewJWTService(jwtCfg)
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return exitUsage
	}
	tok, err := svc.GenerateToken(*user, *name, auth.Role(*role))
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return exitFailure
	}
	fmt.Fprintln(stdout, tok)
	return exitSuccess
}
