package scheduler

import (
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"geotask/pkg/logger"
)

// Loop is a Scheduler backed by one goroutine and the wall clock.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
	log  *zap.Logger
}

// NewLoop starts a loop goroutine. Call Close to stop it.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  logger.Named("scheduler"),
	}
	go l.run()
	return l
}

func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) AfterFunc(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return t.Stop
}

func (l *Loop) Post(fn func()) bool {
	return l.enqueue(fn)
}

func (l *Loop) Go(work func() func()) {
	go func() {
		if cont := work(); cont != nil {
			l.Post(cont)
		}
	}()
}

// Sync returns without running fn if the loop is already closed.
func (l *Loop) Sync(fn func()) {
	ran := make(chan struct{})
	if !l.enqueue(func() {
		defer close(ran)
		fn()
	}) {
		return
	}
	select {
	case <-ran:
	case <-l.done:
	}
}

// Close stops accepting work, runs what is already queued and waits for the
// loop goroutine to exit. Work posted afterwards, including timers that fire
// later, is dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.signal()
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) enqueue(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.signal()
	return true
}

// signal must be called with mu held.
func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("callback panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}

var _ Scheduler = (*Loop)(nil)
