package coordination

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Leadership campaigns in the background and reports whether this process
// currently leads. A failed campaign is retried until its context ends. Losing
// the coordinator session ends Run for good, closing Done; the coordinator has
// to be rebuilt before leading again.
type Leadership struct {
	coord    Coordinator
	election Election
	id       string
	retry    time.Duration
	log      *zap.Logger

	leader atomic.Bool
	done   chan struct{}
}

// NewLeadership prepares a campaign for name on coord, identified by id.
func NewLeadership(coord Coordinator, name, id string, log *zap.Logger) *Leadership {
	return &Leadership{
		coord:    coord,
		election: coord.NewElection(name),
		id:       id,
		retry:    5 * time.Second,
		log:      log.With(zap.String("election", name), zap.String("candidate", id)),
		done:     make(chan struct{}),
	}
}

// IsLeader reports whether this process holds leadership right now.
func (l *Leadership) IsLeader() bool {
	return l.leader.Load()
}

// Run campaigns until ctx ends, then resigns. It blocks.
func (l *Leadership) Run(ctx context.Context) {
	defer close(l.done)
	for {
		l.log.Info("campaigning for leadership")
		if err := l.election.Campaign(ctx, l.id); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("election campaign failed", zap.Error(err))
			select {
			case <-time.After(l.retry):
				continue
			case <-ctx.Done():
				return
			}
		}

		l.leader.Store(true)
		l.log.Info("acquired leadership")

		select {
		case <-ctx.Done():
			l.leader.Store(false)
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.election.Resign(resignCtx); err != nil {
				l.log.Warn("failed to resign leadership", zap.Error(err))
			} else {
				l.log.Info("leadership resigned")
			}
			cancel()
			return
		case <-l.coord.Done():
			l.leader.Store(false)
			l.log.Error("coordination session lost, leadership void")
			return
		}
	}
}

// Done is closed once Run has returned.
func (l *Leadership) Done() <-chan struct{} { return l.done }

// OnLost blocks until Run returns or ctx ends. If Run returned while ctx was
// still live the session was lost, and fn is called.
func (l *Leadership) OnLost(ctx context.Context, fn func()) {
	select {
	case <-l.done:
		if ctx.Err() == nil {
			fn()
		}
	case <-ctx.Done():
	}
}
