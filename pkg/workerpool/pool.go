// Package workerpool runs submitted tasks on a fixed number of goroutines.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("worker pool queue is full")
	ErrStopped   = errors.New("worker pool stopped")
)

// Task is a unit of work. The context is cancelled when the pool is stopped
// without draining.
type Task func(ctx context.Context) error

// Pool is a fixed-size pool of workers fed by a bounded queue.
type Pool struct {
	name    string
	workers int
	tasks   chan func()
	log     *zap.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines sharing a queue of queueSize tasks.
func New(name string, workers, queueSize int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		workers: workers,
		tasks:   make(chan func(), queueSize),
		log:     log.With(zap.String("pool", name)),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.workers }

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			task()
		}
	}
}

func (p *Pool) wrap(task Task) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			}
		}()
		if err := task(p.ctx); err != nil {
			p.log.Warn("task failed", zap.Error(err))
		}
	}
}

// Submit queues a task without blocking. It fails with ErrQueueFull when the
// queue has no room.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case p.tasks <- p.wrap(task):
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task, waiting for room, and returns its error once it
// has run.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	done := make(chan error, 1)
	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				done <- errors.New("task panicked")
			}
		}()
		done <- task(p.ctx)
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStopped
	}
	select {
	case p.tasks <- wrapped:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels running tasks and discards queued ones.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	for {
		select {
		case _, ok := <-p.tasks:
			if ok {
				continue
			}
		default:
		}
		p.wg.Wait()
		return
	}
}

// StopWait runs every queued task, then stops the workers.
func (p *Pool) StopWait() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
