package core

import "time"

// Clock is the core's sole source of wall-clock time. Every component that
// stamps created_at/updated_at/responded_at takes a Clock rather than
// calling time.Now directly, so tests can inject fixed or stepped time.
type Clock interface {
	// Now returns the current instant, UTC. No monotonic guarantee is
	// required or assumed by callers.
	Now() time.Time
}

// SystemClock is the production Clock, backed by the real wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock is a Clock that always returns the same instant, for
// deterministic tests of boundary conditions (exact expiry, exact deadline).
type FixedClock struct {
	At time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time {
	return c.At.UTC()
}

// SteppedClock advances by a fixed increment on every call to Now, useful
// for tests that need strictly increasing timestamps without real sleeps.
type SteppedClock struct {
	current time.Time
	step    time.Duration
}

// NewSteppedClock returns a SteppedClock starting at start, advancing by
// step on every Now call after the first.
func NewSteppedClock(start time.Time, step time.Duration) *SteppedClock {
	return &SteppedClock{current: start.UTC(), step: step}
}

// Now returns the current instant and advances it by the configured step.
func (c *SteppedClock) Now() time.Time {
	t := c.current
	c.current = c.current.Add(c.step)
	return t
}
