package workerpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geotask/pkg/workerpool"
)

func TestPool_RunsAllTasksBeforeStopWait(t *testing.T) {
	p := workerpool.New("test", 4, 100, zap.NewNop())
	var n atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(func(context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	p.StopWait()
	assert.Equal(t, int32(50), n.Load())
	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), workerpool.ErrStopped)
}

func TestPool_QueueFull(t *testing.T) {
	p := workerpool.New("test", 1, 1, zap.NewNop())
	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) error {
		close(running)
		<-release
		return nil
	}))
	<-running
	require.NoError(t, p.Submit(func(context.Context) error { return nil }))

	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), workerpool.ErrQueueFull)
	close(release)
	p.StopWait()
}

func TestPool_RecoversPanics(t *testing.T) {
	p := workerpool.New("test", 1, 10, zap.NewNop())
	defer p.StopWait()

	require.NoError(t, p.Submit(func(context.Context) error { panic("boom") }))
	err := p.SubmitWait(context.Background(), func(context.Context) error { return errors.New("after panic") })
	assert.EqualError(t, err, "after panic")
}

func TestPool_SubmitWaitPanic(t *testing.T) {
	p := workerpool.New("test", 1, 10, zap.NewNop())
	defer p.StopWait()

	err := p.SubmitWait(context.Background(), func(context.Context) error { panic("boom") })
	assert.EqualError(t, err, "task panicked")
}

func TestPool_StopCancelsRunningTasks(t *testing.T) {
	p := workerpool.New("test", 2, 10, zap.NewNop())
	var wg sync.WaitGroup
	wg.Add(2)
	var cancelled atomic.Int32
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			wg.Done()
			select {
			case <-ctx.Done():
				cancelled.Add(1)
			case <-time.After(5 * time.Second):
			}
			return nil
		}))
	}
	wg.Wait()
	p.Stop()
	assert.Equal(t, int32(2), cancelled.Load())
}
