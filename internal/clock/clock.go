// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides the time source for the agent. Production code
// calls clock.Now(); components that need deterministic time in tests
// accept a Clock and get handed a MockClock.
package clock

import (
	"sync"
	"time"
)

// Clock is an injectable time source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// System is the process-wide default clock.
var System Clock = SystemClock{}

// Now returns the current time from the system clock.
func Now() time.Time {
	return System.Now()
}

// MockClock is a manually driven Clock for tests and simulation.
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMockClock returns a MockClock frozen at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set jumps the clock to t.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
