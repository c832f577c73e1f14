// Package clocktest provides a deterministic clock for tests.
package clocktest

import (
	"sync"
	"time"
)

// Manual is a clock whose time only moves when someone waits on it. Every call
// to After advances the clock by the requested duration and fires immediately,
// so a loop of sleeps runs instantly while Now reports the simulated elapsed time.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewManual returns a Manual clock starting at a fixed instant.
func NewManual() *Manual {
	return &Manual{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	m.sleeps = append(m.sleeps, d)
	ch := make(chan time.Time, 1)
	ch <- m.now
	return ch
}

// Advance moves the clock forward without recording a sleep. Useful for
// simulating slow predicates.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Sleeps returns a copy of every duration waited on so far.
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}

// Total is the sum of all recorded sleeps.
func (m *Manual) Total() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total time.Duration
	for _, d := range m.sleeps {
		total += d
	}
	return total
}
