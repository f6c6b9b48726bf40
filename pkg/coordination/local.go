package coordination

import (
	"context"
	"errors"
	"sync"
)

// ErrNoLeader is returned by Leader when nobody holds an election.
var ErrNoLeader = errors.New("election has no leader")

// Local coordinates the processes of a single node: elections are plain
// mutual exclusion inside this process. It is the fallback when no etcd
// endpoints are configured.
type Local struct {
	mu        sync.Mutex
	elections map[string]*localElection
	done      chan struct{}
	closeOnce sync.Once
}

func NewLocal() *Local {
	return &Local{
		elections: make(map[string]*localElection),
		done:      make(chan struct{}),
	}
}

func (l *Local) NewElection(name string) Election {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.elections[name]
	if !ok {
		e = &localElection{slot: make(chan struct{}, 1)}
		l.elections[name] = e
	}
	return &localCandidate{election: e}
}

func (l *Local) Done() <-chan struct{} { return l.done }

func (l *Local) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

type localElection struct {
	slot   chan struct{}
	mu     sync.Mutex
	leader string
}

// localCandidate is one participant; resigning only releases the slot it holds.
type localCandidate struct {
	election *localElection
	mu       sync.Mutex
	holding  bool
}

func (c *localCandidate) Campaign(ctx context.Context, value string) error {
	select {
	case c.election.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.election.mu.Lock()
	c.election.leader = value
	c.election.mu.Unlock()
	c.mu.Lock()
	c.holding = true
	c.mu.Unlock()
	return nil
}

func (c *localCandidate) Resign(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.holding {
		return nil
	}
	c.holding = false
	c.election.mu.Lock()
	c.election.leader = ""
	c.election.mu.Unlock()
	<-c.election.slot
	return nil
}

func (c *localCandidate) Leader(context.Context) (string, error) {
	c.election.mu.Lock()
	defer c.election.mu.Unlock()
	if c.election.leader == "" {
		return "", ErrNoLeader
	}
	return c.election.leader, nil
}

var _ Coordinator = (*Local)(nil)
