package gateway

import (
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/clock"
	"tradegate/internal/ratelimit"
)

func TestQuotasOutliveSessionsUntilRefilled(t *testing.T) {
	mock := bclock.NewMock()
	mono := clock.NewMonotonic(mock)
	q := newQuotas(map[string]ratelimit.Limit{
		ratelimit.CategoryNewOrders: ratelimit.PerSecond(5),
		ratelimit.CategoryCommands:  {Capacity: 10, RefillPerSecond: 2},
	}, mono)
	assert.Equal(t, 5*time.Second, q.ttl)

	a, err := q.acquire("alpha")
	require.NoError(t, err)
	b, err := q.acquire("alpha")
	require.NoError(t, err)
	assert.Same(t, a, b)
	require.NoError(t, a.TryAcquire(ratelimit.CategoryNewOrders, 5))

	q.release("alpha")
	assert.Zero(t, q.sweep(mono.Now()+time.Hour), "one session left")
	q.release("alpha")
	q.release("alpha")

	mock.Add(4 * time.Second)
	assert.Zero(t, q.sweep(mono.Now()))
	c, err := q.acquire("alpha")
	require.NoError(t, err)
	assert.Same(t, a, c)
	q.release("alpha")

	mock.Add(5 * time.Second)
	assert.Equal(t, 1, q.sweep(mono.Now()))
	assert.Zero(t, q.len())

	d, err := q.acquire("alpha")
	require.NoError(t, err)
	assert.NotSame(t, a, d)
	assert.NoError(t, d.TryAcquire(ratelimit.CategoryNewOrders, 5))
}

func TestQuotasKeepClientsApart(t *testing.T) {
	q := newQuotas(map[string]ratelimit.Limit{ratelimit.CategoryNewOrders: ratelimit.PerSecond(1)}, clock.NewMonotonic(bclock.NewMock()))

	alpha, err := q.acquire("alpha")
	require.NoError(t, err)
	beta, err := q.acquire("beta")
	require.NoError(t, err)
	require.NoError(t, alpha.TryAcquire(ratelimit.CategoryNewOrders, 1))
	assert.Error(t, alpha.TryAcquire(ratelimit.CategoryNewOrders, 1))
	assert.NoError(t, beta.TryAcquire(ratelimit.CategoryNewOrders, 1))
	assert.Equal(t, 2, q.len())
}

func TestQuotasRejectBadLimits(t *testing.T) {
	q := newQuotas(map[string]ratelimit.Limit{"broken": {}}, clock.NewMonotonic(bclock.NewMock()))
	_, err := q.acquire("alpha")
	assert.Error(t, err)
	assert.Zero(t, q.len())
}
