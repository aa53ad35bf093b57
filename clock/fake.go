package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only on Advance.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks run
// synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	delay    time.Duration
	callback func()
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the clock advances by d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		delay:    d,
		callback: f,
	}
	c.waiters = append(c.waiters, waiter)
	c.changed.Broadcast()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.stopped || waiter.fired {
				return false
			}
			waiter.stopped = true
			c.changed.Broadcast()
			return true
		},
	}
}

// Advance moves the clock forward by d and fires every expired callback.
// Callbacks registered while firing are fired too if already expired.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		toFire := c.collectExpired(target)
		if len(toFire) == 0 {
			return
		}
		sort.SliceStable(toFire, func(i, j int) bool {
			return toFire[i].deadline.Before(toFire[j].deadline)
		})
		for _, waiter := range toFire {
			waiter.callback()
		}
	}
}

func (c *FakeClock) collectExpired(target time.Time) []*fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toFire, remaining []*fakeWaiter
	for _, waiter := range c.waiters {
		if waiter.stopped {
			continue
		}
		if !waiter.deadline.After(target) {
			waiter.fired = true
			toFire = append(toFire, waiter)
		} else {
			remaining = append(remaining, waiter)
		}
	}
	c.waiters = remaining
	return toFire
}

// WaitForTimers blocks until at least n callbacks are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingDelays returns the delay each pending callback was scheduled with,
// in registration order.
func (c *FakeClock) PendingDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	delays := make([]time.Duration, 0, len(c.waiters))
	for _, waiter := range c.waiters {
		if !waiter.stopped {
			delays = append(delays, waiter.delay)
		}
	}
	return delays
}

// PendingCount returns the number of callbacks that have not fired or been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped {
			count++
		}
	}
	return count
}
