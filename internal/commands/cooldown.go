package commands

import (
	"sync"
	"time"
)

// Cooldown tracks the last paid request per sender and blocks repeats
// within delay
type Cooldown struct {
	last  map[string]time.Time
	mu    sync.Mutex
	delay time.Duration
	now   func() time.Time
}

// NewCooldown creates a cooldown tracker. A zero delay disables it.
func NewCooldown(delay time.Duration) *Cooldown {
	return &Cooldown{
		last:  make(map[string]time.Time),
		delay: delay,
		now:   time.Now,
	}
}

// Remaining returns how long id must still wait, 0 if not limited
func (c *Cooldown) Remaining(id string) time.Duration {
	if c == nil || c.delay <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining(id)
}

// Allow records a request from id unless id is still cooling down, in which
// case it returns the time left. Check and record happen under one lock.
func (c *Cooldown) Allow(id string) (time.Duration, bool) {
	if c == nil || c.delay <= 0 {
		return 0, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if left := c.remaining(id); left > 0 {
		return left, false
	}
	c.last[id] = c.now()
	return 0, true
}

// Forget clears id, for requests that were allowed but never ran
func (c *Cooldown) Forget(id string) {
	if c == nil || c.delay <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, id)
}

// remaining must be called with mu held
func (c *Cooldown) remaining(id string) time.Duration {
	at, ok := c.last[id]
	if !ok {
		return 0
	}
	left := c.delay - c.now().Sub(at)
	if left <= 0 {
		delete(c.last, id)
		return 0
	}
	return left
}
