package reactor

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source of a Reactor, in seconds.
type Clock interface {
	Now() float64
	// Sleep blocks until the clock reaches until or ctx is done.
	Sleep(ctx context.Context, until float64)
}

// SystemClock measures seconds since its creation.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a clock starting at zero.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() float64 {
	return time.Since(c.start).Seconds()
}

func (c *SystemClock) Sleep(ctx context.Context, until float64) {
	if until >= NEVER {
		<-ctx.Done()
		return
	}
	delay := secondsToDuration(until - c.Now())
	if delay <= 0 {
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ManualClock only moves when told to. Sleep jumps straight to the wake
// time, which makes Pause instantaneous in replays and tests.
type ManualClock struct {
	mu  sync.Mutex
	now float64
}

// NewManualClock returns a manual clock set to start.
func NewManualClock(start float64) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *ManualClock) Set(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}

// Advance moves the clock forward by d seconds.
func (c *ManualClock) Advance(d float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now += d
	}
	return c.now
}

func (c *ManualClock) Sleep(_ context.Context, until float64) {
	if until >= NEVER {
		return
	}
	c.Set(until)
}
