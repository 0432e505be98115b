// Package throttle provides a minimum-interval rate limiter for state-update
// emission. It limits how often snapshots are published, never how fast the
// underlying events are consumed.
package throttle

import "time"

const defaultInterval = 100 * time.Millisecond

// Limiter allows an action at most once per interval. The first call after
// construction or Reset always passes. Limiter is single-writer state; callers
// coordinate their own locking.
type Limiter struct {
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// New constructs a limiter. A non-positive interval falls back to the default.
func New(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Limiter{
		interval: interval,
		now:      time.Now,
	}
}

// Allow reports whether the action may run now, recording the grant time when
// it does.
func (l *Limiter) Allow() bool {
	current := l.now()
	if !l.last.IsZero() && current.Sub(l.last) < l.interval {
		return false
	}
	l.last = current
	return true
}

// Reset re-arms the limiter so the next Allow passes regardless of elapsed
// time. Called between turns so a fresh turn is not delayed by stale timing.
func (l *Limiter) Reset() {
	l.last = time.Time{}
}

// Interval returns the configured minimum interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
