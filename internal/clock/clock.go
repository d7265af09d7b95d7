package clock

import (
	"sync"
	"time"
)

// Clock abstracts the time source so deadline logic can be tested
// deterministically.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the wall clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// Mock is a manually advanced Clock for tests.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock creates a mock clock frozen at the given instant.
func NewMock(now time.Time) *Mock {
	return &Mock{now: now}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set moves the mock clock to the given instant.
func (m *Mock) Set(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
