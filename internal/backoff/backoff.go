// Package backoff implements the restart governor described in
// spec.md §4.1: exponential growth on repeated failure, capped, and
// reset to zero once a process has proven itself stable.
package backoff

import "time"

const (
	// minInterval is the smallest non-zero wait after a single death.
	minInterval = time.Second
	// stabilityWindow is how long a process must run before a
	// subsequent death is treated as a fresh failure rather than a
	// continuation of thrashing. Not specified in the original
	// source; spec.md §9 says to choose 60s and document it. Chosen
	// here.
	stabilityWindow = 60 * time.Second
)

// Backoff tracks one restartable thing's failure history. Zero value
// is ready to use (no wait outstanding).
type Backoff struct {
	cap         time.Duration
	interval    time.Duration
	deadline    time.Time
	lastStartAt time.Time
	now         func() time.Time
}

// New returns a Backoff capped at the given maximum interval.
func New(cap time.Duration) *Backoff {
	return &Backoff{cap: cap, now: time.Now}
}

// Started records that the process began running at the current time.
// If it had been running since before the stability window when Died
// is next called, the interval starts over at minInterval instead of
// growing.
func (b *Backoff) Started() {
	b.lastStartAt = b.now()
}

// Died records a failure and grows the wait interval exponentially,
// unless the process survived at least stabilityWindow since its last
// Started call, in which case the interval resets first.
func (b *Backoff) Died() {
	n := b.now()
	if !b.lastStartAt.IsZero() && n.Sub(b.lastStartAt) >= stabilityWindow {
		b.interval = 0
	}

	switch {
	case b.interval == 0:
		b.interval = minInterval
	default:
		b.interval *= 2
	}
	if b.cap > 0 && b.interval > b.cap {
		b.interval = b.cap
	}
	b.deadline = n.Add(b.interval)
}

// Wait reports whether a caller must still wait before restarting.
func (b *Backoff) Wait() bool {
	return b.now().Before(b.deadline)
}

// HowLong returns the remaining wait, or zero if none is outstanding.
// Unlike spec.md's `howLong?`, which returns an optional value, Go
// callers treat a non-positive duration as "no wait" -- a duration
// can't naturally express "none" the way a nilable return can, and a
// zero-or-negative value is never itself a meaningful wait.
func (b *Backoff) HowLong() time.Duration {
	remaining := b.deadline.Sub(b.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
