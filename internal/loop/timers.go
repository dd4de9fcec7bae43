package loop

import (
	"sync"
	"time"
)

type Timer interface {
	Stop() bool
}

// Timers arms single-shot callbacks. The loop runs them on its goroutine;
// ManualTimers runs them when the test says so.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type ManualTimers struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	owner   *ManualTimers
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func NewManualTimers() *ManualTimers {
	return &ManualTimers{}
}

func (m *ManualTimers) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{owner: m, delay: d, fn: fn}
	m.pending = append(m.pending, t)
	return t
}

// Pending counts armed timers that have neither fired nor been stopped.
func (m *ManualTimers) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.pending {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// FireAll runs every armed timer in arming order and returns how many ran.
// Timers armed by the callbacks themselves wait for the next call.
func (m *ManualTimers) FireAll() int {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	n := 0
	for _, t := range batch {
		m.mu.Lock()
		run := !t.stopped && !t.fired
		t.fired = true
		m.mu.Unlock()

		if run {
			t.fn()
			n++
		}
	}
	return n
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
