package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests. Channel
// timers are delivered and AfterFunc callbacks are invoked synchronously from
// Advance, in deadline order, after the internal lock has been released.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	clock *Manual
	id    uint64
	at    time.Time
	ch    chan time.Time
	fn    func()
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.scheduleLocked(&manualTimer{clock: m, at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// AfterFunc schedules f to run when the clock has been advanced past d.
// A non-positive d still waits for the next Advance call.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	t := &manualTimer{clock: m, at: m.now.Add(d), fn: f}
	m.scheduleLocked(t)
	return t
}

func (m *Manual) scheduleLocked(t *manualTimer) {
	m.seq++
	t.id = m.seq
	m.timers = append(m.timers, t)
}

func (m *Manual) removeLocked(t *manualTimer) bool {
	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []*manualTimer
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		due = append(due, timer)
	}
	m.timers = remaining
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	for _, timer := range due {
		if timer.fn != nil {
			timer.fn()
			continue
		}
		timer.ch <- now
	}
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.clock.removeLocked(t)
}

func (t *manualTimer) Reset(d time.Duration) bool {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.removeLocked(t)
	if d < 0 {
		d = 0
	}
	t.at = m.now.Add(d)
	m.scheduleLocked(t)
	return pending
}
