package taskrunner

import (
	"errors"
	"fmt"

	"geotask/pkg/models"
)

var (
	ErrPollTimeout  = errors.New("polling timed out")
	ErrJobFailed    = errors.New("job did not complete")
	ErrNotPolled    = errors.New("job was never polled")
	ErrNoJobHandle  = errors.New("start response carried no job")
	ErrRunnerClosed = errors.New("task runner closed")
)

// DescriptorError rejects a TaskDescriptor before any request is made.
type DescriptorError struct {
	Field   string
	Message string
}

func (e *DescriptorError) Error() string {
	return e.Field + ": " + e.Message
}

// PollError is the detail handed to PollFailure.
//
// Timeout is true when the polling budget ran out, letting callers show a
// "took too long" message rather than a generic failure. Response is set when
// the job service reported a status other than started or complete.
type PollError struct {
	Timeout  bool
	Response *models.StatusResponse
	Err      error
}

func (e *PollError) Error() string {
	switch {
	case e.Timeout:
		return ErrPollTimeout.Error()
	case e.Response != nil && e.Response.Error != "":
		return fmt.Sprintf("job reported status %q: %s", e.Response.Status, e.Response.Error)
	case e.Response != nil:
		return fmt.Sprintf("job reported status %q", e.Response.Status)
	case e.Err != nil:
		return "status request failed: " + e.Err.Error()
	default:
		return "poll failed"
	}
}

func (e *PollError) Unwrap() error { return e.Err }
