// Package clock abstracts wall-clock time so waits are testable.
// Production code uses the real clock; tests swap in a mock that advances
// instantly and records every sleep.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock supplies time and cancellable sleeps. Sleep must return early with
// the context error when the context is done, so cancellation is observable
// immediately regardless of the requested duration.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// NewReal returns a Clock backed by the system clock (UTC).
func NewReal() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Mock is a manually-driven Clock for tests. Sleep advances the mock time
// instead of blocking, and every requested duration is recorded.
type Mock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

// NewMock returns a mock clock pinned at the given instant.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
		m.slept = append(m.slept, d)
	}
	return nil
}

// Advance moves the mock time forward without recording a sleep.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Slept returns a copy of every duration passed to Sleep, in order.
func (m *Mock) Slept() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.slept))
	copy(out, m.slept)
	return out
}

// TotalSlept sums all recorded sleeps.
func (m *Mock) TotalSlept() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total time.Duration
	for _, d := range m.slept {
		total += d
	}
	return total
}
