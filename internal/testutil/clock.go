// clock.go
//
// Controllable clock for time-dependent tests.
package testutil

import (
	"sync"
	"time"
)

// BaseTime is the fixed instant scenario tests start from.
var BaseTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source. Pass c.Now wherever a Now func is accepted.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
