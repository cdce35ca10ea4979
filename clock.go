package httpcore

import (
	"context"
	"sync/atomic"
	"time"
)

// httpDateLayout is RFC 7231's IMF-fixdate, the format required for the
// Date response header.
const httpDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// Clock is a monotonic time source with a cached HTTP-date string,
// refreshed once per second so the per-request hot path never formats a
// timestamp itself (spec's "cached HTTP date").
type Clock struct {
	cached atomic.Pointer[string]
}

// NewClock returns a Clock with its cache already primed.
func NewClock() *Clock {
	c := &Clock{}
	c.refresh()
	return c
}

func (c *Clock) refresh() {
	s := time.Now().UTC().Format(httpDateLayout)
	c.cached.Store(&s)
}

// Now returns the current time.
func (c *Clock) Now() time.Time { return time.Now() }

// HTTPDate returns the cached RFC 7231 date string.
func (c *Clock) HTTPDate() string {
	if p := c.cached.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(httpDateLayout)
}

// Run refreshes the cached date once per second until ctx is cancelled.
// The Lifecycle starts this as one of its STARTING-to-STOPPING goroutines.
func (c *Clock) Run(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.refresh()
		}
	}
}
