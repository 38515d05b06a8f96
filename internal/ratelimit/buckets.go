package ratelimit

import (
	"sort"

	"tradegate/internal/clock"
	"tradegate/pkg/exception"
)

// Categories used by the gateway.
const (
	CategoryCommands  = "commands"
	CategoryNewOrders = "new_orders"
	CategoryRequests  = "requests"
)

// Buckets holds one independent bucket per category, so a burst in one
// category never drains another.
type Buckets struct {
	buckets map[string]*Bucket
}

// NewBuckets creates one bucket per configured category.
func NewBuckets(limits map[string]Limit, fill Fill, mono clock.Monotonic) (*Buckets, error) {
	bs := &Buckets{buckets: make(map[string]*Bucket, len(limits))}
	for category, limit := range limits {
		b, err := NewBucket(limit, fill, mono)
		if err != nil {
			return nil, exception.NewValidationError("limits."+category, err.Error())
		}
		bs.buckets[category] = b
	}
	return bs, nil
}

// TryAcquire takes n tokens from category. Categories without a configured
// limit are not throttled.
func (bs *Buckets) TryAcquire(category string, n int) error {
	if bs == nil {
		return nil
	}
	b, ok := bs.buckets[category]
	if !ok {
		return nil
	}
	if !b.TryAcquire(n) {
		return &exception.ThrottledError{Category: category}
	}
	return nil
}

// Bucket returns the bucket for category.
func (bs *Buckets) Bucket(category string) (*Bucket, bool) {
	if bs == nil {
		return nil, false
	}
	b, ok := bs.buckets[category]
	return b, ok
}

// Categories returns the configured category names in sorted order.
func (bs *Buckets) Categories() []string {
	if bs == nil {
		return nil
	}
	out := make([]string, 0, len(bs.buckets))
	for c := range bs.buckets {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
