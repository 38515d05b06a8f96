package clock

import (
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonicIgnoresWallJumps(t *testing.T) {
	mock := bclock.NewMock()
	mono := NewMonotonic(mock)
	require.Equal(t, time.Duration(0), mono.Now())

	mock.Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, mono.Now())

	// A backwards correction never yields a negative elapsed time.
	mock.Set(mock.Now().Add(-time.Hour))
	assert.Equal(t, time.Duration(0), mono.Now())
}

func TestWallIsUTC(t *testing.T) {
	mock := bclock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600)))
	assert.Equal(t, time.UTC, NewWall(mock).Now().Location())
}

func TestMonotonicTimerFiresOnMockAdvance(t *testing.T) {
	mock := bclock.NewMock()
	mono := NewMonotonic(mock)
	tm := mono.NewTimer(time.Second)

	mock.Add(time.Second)
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
