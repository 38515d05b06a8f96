// Package ratelimit implements token buckets for gateway admission control.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradegate/internal/clock"
	"tradegate/pkg/exception"
)

// epoch anchors monotonic offsets so the limiter can be driven with
// time.Time values derived only from the monotonic source.
var epoch = time.Unix(0, 0).UTC()

// Fill selects the initial bucket content.
type Fill uint8

const (
	StartFull Fill = iota
	StartEmpty
)

// Limit configures one bucket.
type Limit struct {
	Capacity        uint64
	RefillPerSecond float64
}

// PerSecond is the common "n per second, burst n" limit.
func PerSecond(n int) Limit {
	return Limit{Capacity: uint64(n), RefillPerSecond: float64(n)}
}

func (l Limit) validate() error {
	if l.Capacity == 0 {
		return exception.NewValidationError("capacity", "must be > 0")
	}
	if l.RefillPerSecond <= 0 {
		return exception.NewValidationError("refillPerSecond", "must be > 0")
	}
	return nil
}

// Bucket is a token bucket: tokens refill continuously at RefillPerSecond up
// to Capacity, and TryAcquire either takes n tokens or takes none.
type Bucket struct {
	mu    sync.Mutex
	lim   *rate.Limiter
	limit Limit
	mono  clock.Monotonic
}

// NewBucket builds a bucket driven by mono.
func NewBucket(limit Limit, fill Fill, mono clock.Monotonic) (*Bucket, error) {
	if err := limit.validate(); err != nil {
		return nil, err
	}
	b := &Bucket{
		lim:   rate.NewLimiter(rate.Limit(limit.RefillPerSecond), int(limit.Capacity)),
		limit: limit,
		mono:  mono,
	}
	now := b.now()
	if fill == StartEmpty {
		b.lim.AllowN(now, int(limit.Capacity))
	} else {
		// Pin the limiter's last refill to now so elapsed time is measured from here.
		b.lim.AllowN(now, 0)
	}
	return b, nil
}

func (b *Bucket) now() time.Time {
	return epoch.Add(b.mono.Now())
}

// TryAcquire refills by the elapsed monotonic time, then consumes n tokens if
// that many are available. On failure the token count is left unchanged.
func (b *Bucket) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.AllowN(b.now(), n)
}

// Tokens returns the current token count, refilled to now.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.lim.TokensAt(b.now())
	if t < 0 {
		return 0
	}
	if c := float64(b.limit.Capacity); t > c {
		return c
	}
	return t
}

// Capacity returns the maximum token count.
func (b *Bucket) Capacity() uint64 {
	return b.limit.Capacity
}

// RefillPerSecond returns the refill rate.
func (b *Bucket) RefillPerSecond() float64 {
	return b.limit.RefillPerSecond
}
