// Package client talks to the remote job service over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"geotask/pkg/logger"
	"geotask/pkg/metrics"
	"geotask/pkg/models"
	"geotask/pkg/resilience"
)

// ErrMalformedJob is returned when the job service answers a start request
// with a job id that is not a UUID.
var ErrMalformedJob = errors.New("malformed job id in start response")

const (
	defaultContentType = "application/json"
	maxErrorBody       = 4 << 10
)

// HTTPError is a non-2xx reply from the job service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("job service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("job service returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request later could succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client implements taskrunner.JobService.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	tracer     trace.Tracer
	log        *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithBreaker guards every request with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client for the job service rooted at baseURL,
// e.g. http://localhost:8081/mmw.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse job service url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("job service url %q must be absolute", baseURL)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tracer:     otel.Tracer("geotask/client"),
		log:        logger.Named("client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BreakerFailure is the circuit breaker failure predicate for job service
// calls: client errors and caller cancellations do not trip the circuit.
func BreakerFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	return true
}

// StartURL builds the start request URL:
// /{taskType}/{taskName}/?query, or /{taskType}/jobs/{job}/ for repeat operations.
func (c *Client) StartURL(req models.StartRequest) string {
	var u *url.URL
	if !req.JobID.IsZero() {
		u = c.jobURL(req.TaskType, req.JobID)
	} else {
		u = c.join(req.TaskType, req.TaskName)
	}
	if len(req.Query) > 0 {
		u.RawQuery = url.Values(req.Query).Encode()
	}
	return u.String()
}

// StatusURL builds the status request URL /{taskType}/jobs/{job}/.
func (c *Client) StatusURL(taskType string, job models.JobHandle) string {
	return c.jobURL(taskType, job).String()
}

func (c *Client) jobURL(taskType string, job models.JobHandle) *url.URL {
	return c.join(taskType, "jobs", job.String())
}

func (c *Client) join(segments ...string) *url.URL {
	u := *c.baseURL
	var path, raw strings.Builder
	path.WriteString(u.Path)
	raw.WriteString(u.EscapedPath())
	for _, s := range segments {
		path.WriteString("/" + s)
		raw.WriteString("/" + url.PathEscape(s))
	}
	path.WriteString("/")
	raw.WriteString("/")
	u.Path = path.String()
	u.RawPath = raw.String()
	u.RawQuery = ""
	return &u
}

// StartJob issues the start request.
func (c *Client) StartJob(ctx context.Context, req models.StartRequest) (*models.StartResponse, error) {
	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	var out models.StartResponse
	err := c.do(ctx, "start", http.MethodPost, c.StartURL(req), req.Body, contentType, &out,
		attribute.String("geotask.task_type", req.TaskType),
		attribute.String("geotask.task_name", req.TaskName),
	)
	if err != nil {
		return nil, err
	}

	job, err := models.ParseJobHandle(out.Job.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedJob, out.Job)
	}
	out.Job = job
	if out.Status == "" {
		out.Status = models.JobStatusStarted
	}
	return &out, nil
}

// JobStatus issues the status request for job.
func (c *Client) JobStatus(ctx context.Context, taskType string, job models.JobHandle) (*models.StatusResponse, error) {
	var out models.StatusResponse
	err := c.do(ctx, "status", http.MethodGet, c.StatusURL(taskType, job), nil, "", &out,
		attribute.String("geotask.task_type", taskType),
		attribute.String("geotask.job", job.String()),
	)
	if err != nil {
		return nil, err
	}
	if out.JobUUID.IsZero() {
		out.JobUUID = job
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, target string, body []byte, contentType string, out interface{}, attrs ...attribute.KeyValue) error {
	ctx, span := c.tracer.Start(ctx, "jobservice."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs,
			attribute.String("http.method", method),
			attribute.String("http.url", target),
		)...))
	defer span.End()

	call := func() error { return c.roundTrip(ctx, op, method, target, body, contentType, out) }
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Debug("job service request failed",
			zap.String("op", op), zap.String("url", target), zap.Error(err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, target string, body []byte, contentType string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RequestDuration.WithLabelValues(op, "error").Observe(time.Since(started).Seconds())
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()
	metrics.RequestDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(started).Seconds())
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
