package clock

import (
	"sync"
	"time"
)

// Manual is a hand-cranked clock. Time stands still until Advance or Set is
// called; waiters registered through After fire when their deadline is
// reached or passed.
type Manual struct {
	mu      sync.Mutex
	current time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual returns a Manual clock positioned at start (normalized to UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{current: start.UTC()}
}

// Now reports the clock's current position.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// After registers a waiter due after d. Non-positive durations fire
// immediately; the returned channel is buffered so firing never blocks
// Advance.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.current
		return ch
	}
	m.waiters = append(m.waiters, manualWaiter{deadline: m.current.Add(d), ch: ch})
	return ch
}

// Sleep blocks the caller until the clock has been advanced by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d and returns the new position.
// Negative d is treated as zero.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.current.Add(d)
	m.mu.Unlock()
	return m.Set(target)
}

// Set jumps the clock to at (UTC) and fires every waiter whose deadline is
// at or before the new position. Set never moves the clock backwards.
func (m *Manual) Set(at time.Time) time.Time {
	at = at.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.current) {
		m.current = at
	}
	if len(m.waiters) == 0 {
		return m.current
	}
	pending := m.waiters[:0]
	for _, w := range m.waiters {
		if w.deadline.After(m.current) {
			pending = append(pending, w)
			continue
		}
		w.ch <- m.current
	}
	m.waiters = pending
	return m.current
}

// Pending reports the number of waiters that have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
