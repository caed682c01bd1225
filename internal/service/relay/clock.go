package relay

import (
	"sync/atomic"
	"time"
)

// Clock approximates relay time from the local clock and the last difference
// the relay reported. Differences within the threshold are treated as zero.
type Clock struct {
	threshold time.Duration
	now       func() time.Time
	diff      atomic.Int64
}

func NewClock(threshold time.Duration) *Clock {
	return &Clock{threshold: threshold, now: time.Now}
}

func (c *Clock) Now() time.Time {
	return c.now().Add(c.Diff())
}

// Diff is relay time minus local time, as currently applied.
func (c *Clock) Diff() time.Duration {
	return time.Duration(c.diff.Load())
}

// Observe records a reported difference and returns the one applied.
func (c *Clock) Observe(diff time.Duration) time.Duration {
	if diff.Abs() <= c.threshold {
		diff = 0
	}
	c.diff.Store(int64(diff))
	return diff
}

// ObserveRelayTime records the difference to a relay timestamp in unix
// milliseconds.
func (c *Clock) ObserveRelayTime(ms int64) time.Duration {
	return c.Observe(time.UnixMilli(ms).Sub(c.now()))
}
