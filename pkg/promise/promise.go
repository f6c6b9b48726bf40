// Package promise provides set-once outcome handles.
package promise

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Peek while the promise is unresolved.
var ErrPending = errors.New("promise pending")

// Promise holds a value or an error that is settled exactly once.
// The first Resolve or Reject wins; later calls are ignored.
type Promise[T any] struct {
	mu      sync.Mutex
	settled bool
	value   T
	err     error
	waitCh  chan struct{}
}

// New returns an unresolved promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{waitCh: make(chan struct{})}
}

// Resolve settles the promise with v. It reports whether this call settled it.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(v, nil)
}

// Reject settles the promise with err. It reports whether this call settled it.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) settle(v T, err error) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	p.value, p.err = v, err
	p.mu.Unlock()
	close(p.waitCh)
	return true
}

// Done is closed once the promise is settled.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.waitCh
}

// Wait blocks until the promise settles or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.waitCh:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Peek returns the settled value without blocking, or ErrPending.
func (p *Promise[T]) Peek() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.settled {
		var zero T
		return zero, ErrPending
	}
	return p.value, p.err
}

// Settled reports whether Resolve or Reject has been called.
func (p *Promise[T]) Settled() bool {
	select {
	case <-p.waitCh:
		return true
	default:
		return false
	}
}
