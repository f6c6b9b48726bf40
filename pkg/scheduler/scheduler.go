// Package scheduler provides the timer source the task runner is driven by.
//
// Every callback handed to a Scheduler runs on a single logical thread, one at
// a time, in the order it became ready. State owned by code that only runs
// inside those callbacks needs no locking.
package scheduler

import "time"

// CancelFunc stops a pending timer. It reports whether the call prevented the
// timer from firing.
type CancelFunc func() bool

// Scheduler serializes callbacks and schedules them in time.
type Scheduler interface {
	// Now returns the scheduler's current time.
	Now() time.Time

	// AfterFunc runs fn on the scheduler after d has elapsed.
	AfterFunc(d time.Duration, fn func()) CancelFunc

	// Post queues fn to run on the scheduler as soon as possible. It
	// reports false, without running fn, once the scheduler is closed.
	Post(fn func()) bool

	// Go runs work off the scheduler (it may block, e.g. on network I/O) and
	// then runs the continuation it returns on the scheduler. A nil
	// continuation is ignored.
	Go(work func() func())

	// Sync runs fn on the scheduler and waits for it to return.
	// It must not be called from a callback already running on the scheduler.
	Sync(fn func())
}
