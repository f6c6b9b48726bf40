package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by virtual time. Nothing runs until the caller
// advances it, which makes tick-by-tick behaviour reproducible in tests.
// Go runs its work synchronously; its continuation is delivered after the
// configured latency (zero by default), which stands in for request round trips.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	timers  []*manualTimer
	ready   []func()
	latency time.Duration
}

type manualTimer struct {
	when time.Time
	seq  uint64
	fn   func()
	done bool
}

// NewManual returns a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{when: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.done {
			return false
		}
		t.done = true
		return true
	}
}

func (m *Manual) Post(fn func()) bool {
	m.mu.Lock()
	m.ready = append(m.ready, fn)
	m.mu.Unlock()
	return true
}

func (m *Manual) Go(work func() func()) {
	cont := work()
	if cont == nil {
		return
	}
	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()
	if latency > 0 {
		m.AfterFunc(latency, cont)
		return
	}
	m.Post(cont)
}

// SetLatency delays every later Go continuation by d of virtual time.
func (m *Manual) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Sync runs fn immediately on the caller's goroutine, which is the only
// thread a Manual scheduler has.
func (m *Manual) Sync(fn func()) {
	fn()
}

// RunPending runs posted callbacks, including ones they post, until none are left.
func (m *Manual) RunPending() {
	for {
		m.mu.Lock()
		if len(m.ready) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.ready[0]
		m.ready = m.ready[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in deadline order and
// running posted callbacks before and after each timer.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	m.RunPending()
	for {
		t := m.popDue(target)
		if t == nil {
			break
		}
		t.fn()
		m.RunPending()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// AdvanceTo advances the clock to an absolute instant; earlier instants are a no-op.
func (m *Manual) AdvanceTo(at time.Time) {
	if d := at.Sub(m.Now()); d > 0 {
		m.Advance(d)
	} else {
		m.RunPending()
	}
}

// PendingTimers counts timers that have neither fired nor been cancelled.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (m *Manual) popDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	m.timers = live
	if len(m.timers) == 0 {
		return nil
	}
	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	t := m.timers[0]
	if t.when.After(target) {
		return nil
	}
	t.done = true
	m.timers = m.timers[1:]
	if t.when.After(m.now) {
		m.now = t.when
	}
	return t
}

var _ Scheduler = (*Manual)(nil)
