package app

import (
	"sync"
	"time"
)

// Scheduler runs delayed callbacks. It exists so tests can fire expiries by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (cancel func())
}

// RealScheduler schedules with time.AfterFunc.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// expiry is the single pending callback of a session. Every reschedule bumps
// the generation so a callback that already left the timer wheel can detect
// it was superseded.
type expiry struct {
	gen    uint64
	cancel func()
}

func (e *expiry) reset(s Scheduler, d time.Duration, fire func(gen uint64)) {
	e.clear()
	e.gen++
	gen := e.gen
	e.cancel = s.AfterFunc(d, func() { fire(gen) })
}

func (e *expiry) clear() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
}

func (e *expiry) current(gen uint64) bool {
	return e.gen == gen
}

// ManualScheduler collects callbacks until Fire is called.
type ManualScheduler struct {
	mu      sync.Mutex
	next    int
	pending map[int]scheduled
}

type scheduled struct {
	delay time.Duration
	f     func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{pending: make(map[int]scheduled)}
}

func (m *ManualScheduler) AfterFunc(d time.Duration, f func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.pending[id] = scheduled{delay: d, f: f}
	return func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}
}

// Pending reports how many callbacks are waiting.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Delays lists the delays of waiting callbacks in scheduling order.
func (m *ManualScheduler) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.pending))
	for id := 0; id < m.next; id++ {
		if s, ok := m.pending[id]; ok {
			out = append(out, s.delay)
		}
	}
	return out
}

// FireAll runs every waiting callback once, oldest first. Callbacks scheduled
// while firing wait for the next call.
func (m *ManualScheduler) FireAll() int {
	m.mu.Lock()
	ids := make([]int, 0, len(m.pending))
	for id := 0; id < m.next; id++ {
		if _, ok := m.pending[id]; ok {
			ids = append(ids, id)
		}
	}
	batch := make([]func(), 0, len(ids))
	for _, id := range ids {
		batch = append(batch, m.pending[id].f)
		delete(m.pending, id)
	}
	m.mu.Unlock()

	for _, f := range batch {
		f()
	}
	return len(batch)
}
