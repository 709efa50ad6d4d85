package eventloop

import (
	"context"
	"sync"
	"time"
)

// Manual is a Loop driven by the caller. Time only moves on Advance and
// callbacks only run on Advance or Drain, which makes timer-heavy behaviour
// deterministic under test. Go runs its work synchronously.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	queue  []func()
	timers []*manualTimer
	seq    uint64
	ctx    context.Context
}

// NewManual creates a manual loop whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, ctx: context.Background()}
}

// Post implements Loop.
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

// Go runs work immediately and queues then.
func (m *Manual) Go(work func(ctx context.Context) error, then func(err error)) {
	err := work(m.ctx)
	if then != nil {
		m.Post(func() { then(err) })
	}
}

// AfterFunc implements Loop.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.addTimer(d, 0, fn)
}

// Every implements Loop.
func (m *Manual) Every(d time.Duration, fn func()) Timer {
	return m.addTimer(d, d, fn)
}

func (m *Manual) addTimer(d, interval time.Duration, fn func()) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{loop: m, due: m.now.Add(d), interval: interval, fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Now implements Loop.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Drain runs queued callbacks, including ones they post, until none remain.
func (m *Manual) Drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and draining posted callbacks after each firing.
func (m *Manual) Advance(d time.Duration) {
	m.Drain()
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		t := m.earliestLocked(target)
		if t == nil {
			m.now = target
			m.mu.Unlock()
			break
		}
		m.now = t.due
		if t.interval > 0 {
			t.due = t.due.Add(t.interval)
		} else {
			t.stopped = true
		}
		m.mu.Unlock()

		t.fn()
		m.Drain()
	}
	m.Drain()
}

func (m *Manual) earliestLocked(limit time.Time) *manualTimer {
	var best *manualTimer
	live := m.timers[:0]
	for _, t := range m.timers {
		if t.stopped {
			continue
		}
		live = append(live, t)
		if t.due.After(limit) {
			continue
		}
		if best == nil || t.due.Before(best.due) || (t.due.Equal(best.due) && t.seq < best.seq) {
			best = t
		}
	}
	m.timers = live
	return best
}

// ActiveTimers returns the number of timers that can still fire.
func (m *Manual) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type manualTimer struct {
	loop     *Manual
	due      time.Time
	interval time.Duration
	fn       func()
	seq      uint64
	stopped  bool
}

func (t *manualTimer) Stop() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
