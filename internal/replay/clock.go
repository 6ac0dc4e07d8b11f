package replay

import (
	"sync"
	"time"
)

// Clock is a virtual clock advanced by replayed capture timestamps.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current virtual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Earlier timestamps are ignored so the clock never
// runs backwards.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}
