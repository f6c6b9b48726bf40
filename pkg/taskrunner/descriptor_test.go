package taskrunner

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geotask/pkg/models"
)

func TestDescriptorDefaults(t *testing.T) {
	d := TaskDescriptor{TaskType: "modeling", TaskName: "runoff"}.withDefaults()

	assert.Equal(t, DefaultPollInterval, d.PollInterval)
	assert.Equal(t, DefaultTimeout, d.Timeout)
	assert.NotPanics(t, func() {
		d.Callbacks.OnStart()
		d.Callbacks.StartFailure(errors.New("x"))
		d.Callbacks.PollSuccess(models.StatusResponse{})
		d.Callbacks.PollFailure(&PollError{})
		d.Callbacks.Superseded(models.NoJob)
		d.Callbacks.PollEnd()
	})

	d = TaskDescriptor{PollInterval: 250 * time.Millisecond, Timeout: -1}.withDefaults()
	assert.Equal(t, 250*time.Millisecond, d.PollInterval)
	assert.Equal(t, DefaultTimeout, d.Timeout)
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name  string
		desc  TaskDescriptor
		field string
	}{
		{"named task", TaskDescriptor{TaskType: "modeling", TaskName: "runoff"}, ""},
		{"repeat job", TaskDescriptor{TaskType: "modeling", JobID: models.NewJobHandle()}, ""},
		{"no type", TaskDescriptor{TaskName: "runoff"}, "task_type"},
		{"no target", TaskDescriptor{TaskType: "modeling"}, "task_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var derr *DescriptorError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.field, derr.Field)
		})
	}
}

func TestPollErrorMessages(t *testing.T) {
	assert.Equal(t, "polling timed out", (&PollError{Timeout: true, Err: ErrPollTimeout}).Error())
	assert.Equal(t, `job reported status "failed"`,
		(&PollError{Response: &models.StatusResponse{Status: models.JobStatusFailed}}).Error())
	assert.Equal(t, "status request failed: eof", (&PollError{Err: errors.New("eof")}).Error())
}

func TestDispatchOrder(t *testing.T) {
	var calls []string
	cb := Callbacks{
		PollFailure: func(*PollError) { calls = append(calls, "failure") },
		Superseded:  func(models.JobHandle) { panic("boom") },
		PollEnd:     func() { calls = append(calls, "end") },
	}.withDefaults()
	log := zap.NewNop()

	dispatch(cb, PollResult{Kind: OutcomeTimeout, Err: &PollError{Timeout: true}}, log)
	dispatch(cb, PollResult{Kind: OutcomeSuperseded}, log)

	assert.Equal(t, []string{"failure", "end", "end"}, calls)
}

func TestOutcomeKindModel(t *testing.T) {
	assert.Equal(t, models.OutcomeSuccess, OutcomeSuccess.Model())
	assert.Equal(t, models.OutcomeTimeout, OutcomeTimeout.Model())
	assert.Equal(t, models.OutcomeSuperseded, OutcomeSuperseded.Model())
	assert.Equal(t, "failure", OutcomeFailure.String())
}
