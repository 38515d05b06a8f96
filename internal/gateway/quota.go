package gateway

import (
	"sync"
	"time"

	"tradegate/internal/clock"
	"tradegate/internal/ratelimit"
)

// quotas shares rate-limit buckets between every session of one client id.
// Extra connections and repeated logins reuse the same buckets.
type quotas struct {
	limits map[string]ratelimit.Limit
	mono   clock.Monotonic
	// ttl keeps an unused entry until its buckets would have refilled
	// completely, so reconnecting never hands out a fresh burst early.
	ttl time.Duration

	mu      sync.Mutex
	clients map[string]*quota
}

type quota struct {
	buckets   *ratelimit.Buckets
	sessions  int
	idleSince time.Duration
}

func newQuotas(limits map[string]ratelimit.Limit, mono clock.Monotonic) *quotas {
	var ttl time.Duration
	for _, l := range limits {
		if l.RefillPerSecond <= 0 {
			continue
		}
		d := time.Duration(float64(l.Capacity) / l.RefillPerSecond * float64(time.Second))
		if d > ttl {
			ttl = d
		}
	}
	return &quotas{limits: limits, mono: mono, ttl: ttl, clients: make(map[string]*quota)}
}

// acquire returns the buckets of clientID and counts one more session.
func (q *quotas) acquire(clientID string) (*ratelimit.Buckets, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.clients[clientID]; ok {
		c.sessions++
		return c.buckets, nil
	}
	buckets, err := ratelimit.NewBuckets(q.limits, ratelimit.StartFull, q.mono)
	if err != nil {
		return nil, err
	}
	q.clients[clientID] = &quota{buckets: buckets, sessions: 1}
	return buckets, nil
}

// release counts one session of clientID less.
func (q *quotas) release(clientID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.clients[clientID]
	if !ok || c.sessions == 0 {
		return
	}
	c.sessions--
	if c.sessions == 0 {
		c.idleSince = q.mono.Now()
	}
}

// sweep drops clients without sessions whose buckets are full again.
func (q *quotas) sweep(now time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, c := range q.clients {
		if c.sessions == 0 && now-c.idleSince >= q.ttl {
			delete(q.clients, id)
			n++
		}
	}
	return n
}

func (q *quotas) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.clients)
}
