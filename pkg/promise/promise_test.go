package promise

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromise_ResolveOnce(t *testing.T) {
	p := New[string]()
	assert.False(t, p.Settled())

	_, err := p.Peek()
	assert.ErrorIs(t, err, ErrPending)

	assert.True(t, p.Resolve("complete"))
	assert.False(t, p.Resolve("again"))
	assert.False(t, p.Reject(errors.New("late")))

	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "complete", v)
	assert.True(t, p.Settled())
}

func TestPromise_Reject(t *testing.T) {
	p := New[int]()
	boom := errors.New("boom")
	assert.True(t, p.Reject(boom))

	v, err := p.Peek()
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, v)
}

func TestPromise_WaitHonoursContext(t *testing.T) {
	p := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPromise_WaitWakesOnResolveFromOtherGoroutine(t *testing.T) {
	p := New[int]()
	go func() {
		time.Sleep(5 * time.Millisecond)
		p.Resolve(7)
	}()

	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Wait returned")
	}
}
