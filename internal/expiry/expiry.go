// Package expiry holds the single "is this timestamp in the past" predicate
// shared by approval requests and cached tool specs.
package expiry

import "time"

// Clock returns the current time. Components take a Clock so tests can pin time.
type Clock func() time.Time

// SystemClock returns time.Now in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Deadline is an absolute point after which something is expired.
// The zero Deadline never expires.
type Deadline struct {
	At time.Time
}

// After returns a deadline ttl past start.
func After(start time.Time, ttl time.Duration) Deadline {
	return Deadline{At: start.Add(ttl)}
}

// Never returns a deadline that never passes.
func Never() Deadline {
	return Deadline{}
}

// Passed reports whether now is at or beyond the deadline.
// A zero ttl therefore expires immediately.
func (d Deadline) Passed(now time.Time) bool {
	if d.At.IsZero() {
		return false
	}
	return !now.Before(d.At)
}

// Remaining returns the time left before the deadline, floored at zero.
// The zero Deadline reports a negative duration to signal "unbounded".
func (d Deadline) Remaining(now time.Time) time.Duration {
	if d.At.IsZero() {
		return -1
	}
	if r := d.At.Sub(now); r > 0 {
		return r
	}
	return 0
}
