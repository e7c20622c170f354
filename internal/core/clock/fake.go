package clock

import (
	"sync"
	"time"
)

type timer struct {
	deadline time.Time
	ch       chan time.Time
}

// Fake is a manually driven Clock. With auto-advance enabled every After call
// moves time forward by d and fires immediately.
type Fake struct {
	mu          sync.Mutex
	now         time.Time
	timers      []*timer
	waits       []time.Duration
	autoAdvance bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// SetAutoAdvance toggles auto-advance.
func (c *Fake) SetAutoAdvance(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoAdvance = on
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	if c.autoAdvance {
		c.now = c.now.Add(d)
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, &timer{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Waits returns every duration passed to After, in call order.
func (c *Fake) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// Add advances fake time and fires timers whose deadlines have passed.
func (c *Fake) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	var remaining []*timer
	for _, t := range c.timers {
		if !t.deadline.After(c.now) {
			t.ch <- c.now
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
}
