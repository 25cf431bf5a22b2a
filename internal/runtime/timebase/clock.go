package timebase

import (
	"sync"
	"time"

	"github.com/tiger/conversational-ivr/api/callflow"
)

// Clock issues strictly increasing timestamps at microsecond resolution.
// A stamp never repeats, even when the wall clock stalls or steps backwards.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock constructs a clock over the supplied wall-clock source (time.Now when nil).
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns the next strictly increasing instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// Stamp returns Now formatted with callflow.TimestampLayout.
func (c *Clock) Stamp() string {
	return callflow.FormatTimestamp(c.Now())
}

// Observe advances the clock floor to a previously issued stamp, so stamps
// issued after a restart stay ahead of persisted ones.
func (c *Clock) Observe(stamp string) {
	t, err := time.ParseInLocation(callflow.TimestampLayout, stamp, time.UTC)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}
