package timectrl

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a test Clock that only moves when told to. Timers fire in
// deadline order from inside Advance/AdvanceTo, and while a callback runs Now
// reports that timer's deadline, so callbacks that re-arm relative to Now see
// the instant they were scheduled for.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	counter uint64

	// timers ordered by (when, seq).
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *FakeClock
	seq     uint64
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

// NewFakeClock creates a fake clock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the fake time reaches Now()+d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.counter++
	t := &fakeTimer{
		clock: c,
		seq:   c.counter,
		when:  c.now.Add(d),
		f:     f,
	}

	idx := sort.Search(len(c.timers), func(i int) bool {
		return c.timers[i].when.After(t.when)
	})
	c.timers = append(c.timers, nil)
	copy(c.timers[idx+1:], c.timers[idx:])
	c.timers[idx] = t
	return t
}

// Advance moves the clock forward by d, firing every timer that comes due.
func (c *FakeClock) Advance(d time.Duration) {
	c.AdvanceTo(c.Now().Add(d))
}

// AdvanceTo moves the clock to t, firing due timers in order. Time never goes
// backwards; an earlier t is a no-op apart from firing already-due timers.
func (c *FakeClock) AdvanceTo(t time.Time) {
	for {
		c.mu.Lock()
		next := c.popDueLocked(t)
		if next == nil {
			if t.After(c.now) {
				c.now = t
			}
			c.mu.Unlock()
			return
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		f := next.f
		c.mu.Unlock()

		// Run outside the lock so callbacks may re-arm.
		if f != nil {
			f()
		}
	}
}

// Pending reports how many timers are armed and not yet fired or stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// NextDeadline returns the deadline of the earliest armed timer.
func (c *FakeClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			return t.when, true
		}
	}
	return time.Time{}, false
}

// popDueLocked removes and returns the earliest live timer due at or before
// limit. Caller must hold c.mu.
func (c *FakeClock) popDueLocked(limit time.Time) *fakeTimer {
	for len(c.timers) > 0 {
		t := c.timers[0]
		if t.stopped {
			c.timers = c.timers[1:]
			continue
		}
		if t.when.After(limit) {
			return nil
		}
		c.timers = c.timers[1:]
		t.fired = true
		return t
	}
	return nil
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
