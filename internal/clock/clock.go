// Package clock separates the two time sources the gateway depends on.
//
// Wall is for human readable timestamps on messages and may jump when the
// host clock is corrected. Monotonic only measures elapsed time and is the
// sole input to scheduling and rate limiting.
package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Wall returns wall-clock timestamps.
type Wall interface {
	Now() time.Time
}

// Monotonic returns the elapsed time since the source was created. Values
// never move backward.
type Monotonic interface {
	Now() time.Duration
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of a timer the scheduler needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type wall struct {
	c bclock.Clock
}

// NewWall wraps c as a wall clock. Timestamps are normalized to UTC.
func NewWall(c bclock.Clock) Wall {
	if c == nil {
		c = bclock.New()
	}
	return wall{c: c}
}

func (w wall) Now() time.Time {
	return w.c.Now().UTC()
}

type monotonic struct {
	c      bclock.Clock
	origin time.Time
}

// NewMonotonic builds a monotonic source whose zero is the moment of the call.
// With the real clock the elapsed time is read from the runtime monotonic
// reading, so wall-clock adjustments do not affect it.
func NewMonotonic(c bclock.Clock) Monotonic {
	if c == nil {
		c = bclock.New()
	}
	return &monotonic{c: c, origin: c.Now()}
}

func (m *monotonic) Now() time.Duration {
	d := m.c.Since(m.origin)
	if d < 0 {
		return 0
	}
	return d
}

func (m *monotonic) NewTimer(d time.Duration) Timer {
	return timer{t: m.c.Timer(d)}
}

type timer struct {
	t *bclock.Timer
}

func (t timer) C() <-chan time.Time        { return t.t.C }
func (t timer) Stop() bool                 { return t.t.Stop() }
func (t timer) Reset(d time.Duration) bool { return t.t.Reset(d) }
