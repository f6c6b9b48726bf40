package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	. "geotask/pkg/coordination"
)

func TestLocalElection_MutualExclusion(t *testing.T) {
	coord := NewLocal()
	a := coord.NewElection("reaper")
	b := coord.NewElection("reaper")
	ctx := context.Background()

	require.NoError(t, a.Campaign(ctx, "a"))
	leader, err := b.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", leader)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Campaign(short, "b"), context.DeadlineExceeded)

	require.NoError(t, b.Resign(ctx), "resigning without holding is a no-op")
	require.NoError(t, a.Resign(ctx))
	_, err = a.Leader(ctx)
	assert.ErrorIs(t, err, ErrNoLeader)

	require.NoError(t, b.Campaign(ctx, "b"))
	leader, _ = a.Leader(ctx)
	assert.Equal(t, "b", leader)
}

func TestLeadership_RunAndResign(t *testing.T) {
	coord := NewLocal()
	l := NewLeadership(coord, "reaper", "node-1", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	require.Eventually(t, l.IsLeader, time.Second, 5*time.Millisecond)

	cancel()
	<-l.Done()
	assert.False(t, l.IsLeader())

	_, err := coord.NewElection("reaper").Leader(context.Background())
	assert.ErrorIs(t, err, ErrNoLeader)
}

func TestLeadership_SessionLoss(t *testing.T) {
	coord := NewLocal()
	l := NewLeadership(coord, "reaper", "node-1", zap.NewNop())
	go l.Run(context.Background())
	require.Eventually(t, l.IsLeader, time.Second, 5*time.Millisecond)

	lost := make(chan struct{})
	go l.OnLost(context.Background(), func() { close(lost) })

	require.NoError(t, coord.Close())
	<-l.Done()
	assert.False(t, l.IsLeader())

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("session loss not reported")
	}
}

func TestLeadership_OnLostIgnoresShutdown(t *testing.T) {
	coord := NewLocal()
	l := NewLeadership(coord, "reaper", "node-1", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	require.Eventually(t, l.IsLeader, time.Second, 5*time.Millisecond)

	called := false
	watched := make(chan struct{})
	go func() {
		l.OnLost(ctx, func() { called = true })
		close(watched)
	}()

	cancel()
	<-l.Done()
	<-watched
	assert.False(t, called)
}
