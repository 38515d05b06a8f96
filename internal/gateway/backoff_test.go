package gateway

import (
	"context"
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/env"
)

func TestBackoffNextGrowsToMax(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	got := make([]time.Duration, 0, 6)
	for attempt := 0; attempt <= 5; attempt++ {
		got = append(got, b.Next(attempt))
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
	}, got)
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 200; i++ {
		d := b.Next(1)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestSleepBackoffFollowsClock(t *testing.T) {
	mock := bclock.NewMock()
	e := env.NewTest(mock)

	done := make(chan struct{})
	go func() {
		sleepBackoff(context.Background(), e.Mono, Backoff{Min: time.Second, Max: time.Second, Factor: 2}, 1)
		close(done)
	}()

	require.Never(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSleepBackoffStopsOnCancel(t *testing.T) {
	e := env.NewTest(bclock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		sleepBackoff(ctx, e.Mono, DefaultBackoff(), 3)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sleep ignored cancellation")
	}
}
