package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Time only moves when Advance is called,
// which fires every waiter whose deadline has been reached in deadline order.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed chan struct{}
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	callback func()
	stopped  bool
	fired    bool
}

// NewFake returns a Fake clock set to initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{
		current: initial,
		changed: make(chan struct{}),
	}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Fake) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}

	c.addLocked(&fakeWaiter{deadline: c.current.Add(d), channel: channel})
	return channel
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &fakeTimer{clock: c, waiter: &fakeWaiter{fired: true}}
	}

	waiter := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.addLocked(waiter)
	c.mu.Unlock()

	return &fakeTimer{clock: c, waiter: waiter}
}

// Advance moves the clock forward by d and fires all due waiters.
// AfterFunc callbacks run synchronously on the calling goroutine.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.collectDue(target)
		if len(due) == 0 {
			return
		}

		for _, waiter := range due {
			if waiter.callback != nil {
				waiter.callback()
				continue
			}
			select {
			case waiter.channel <- target:
			default:
			}
		}
	}
}

// Waiters reports how many timers are pending.
func (c *Fake) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			pending++
		}
	}
	return pending
}

// BlockUntil waits until at least n timers are pending. Tests use it to
// avoid advancing the clock before the code under test has armed a timer.
func (c *Fake) BlockUntil(n int) {
	for {
		c.mu.Lock()
		changed := c.changed
		c.mu.Unlock()

		if c.Waiters() >= n {
			return
		}
		<-changed
	}
}

func (c *Fake) addLocked(waiter *fakeWaiter) {
	c.waiters = append(c.waiters, waiter)
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Fake) collectDue(target time.Time) []*fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*fakeWaiter
	remaining := c.waiters[:0]
	for _, waiter := range c.waiters {
		switch {
		case waiter.stopped || waiter.fired:
		case !waiter.deadline.After(target):
			waiter.fired = true
			due = append(due, waiter)
		default:
			remaining = append(remaining, waiter)
		}
	}
	c.waiters = remaining

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}

type fakeTimer struct {
	clock  *Fake
	waiter *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.waiter.stopped || t.waiter.fired {
		return false
	}
	t.waiter.stopped = true
	return true
}
