package loop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterval(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, Interval(100))
	assert.Equal(t, Interval(DefaultTickRate), Interval(0))
	assert.Equal(t, Interval(DefaultTickRate), Interval(-5))
	assert.Equal(t, 33333333*time.Nanosecond, Interval(0))
	// Rates too high to express as a positive duration use the default.
	assert.Equal(t, Interval(0), Interval(1e12))
}

func TestFaultLimit(t *testing.T) {
	assert.Equal(t, DefaultMaxConsecutiveFaults, FaultLimit(0))
	assert.Equal(t, 0, FaultLimit(-1))
	assert.Equal(t, 3, FaultLimit(3))
}

func TestBreaker_TripsOnceAtLimit(t *testing.T) {
	b := NewBreaker(3)

	assert.False(t, b.Fault())
	assert.False(t, b.Fault())
	assert.True(t, b.Fault(), "third consecutive fault trips")
	assert.True(t, b.Halted())
	assert.False(t, b.Fault(), "breaker trips only once")
	assert.Equal(t, uint64(4), b.TotalFaults())
	assert.ErrorIs(t, b.HaltError(), ErrHalted)
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := NewBreaker(2)

	assert.False(t, b.Fault())
	b.Success()
	assert.False(t, b.Fault())
	assert.False(t, b.Halted())
}

func TestBreaker_Rearm(t *testing.T) {
	b := NewBreaker(1)
	require.True(t, b.Fault())

	b.Rearm()
	assert.False(t, b.Halted())
	assert.True(t, b.Fault(), "rearmed breaker can trip again")
}

func TestBreaker_ZeroLimitNeverHalts(t *testing.T) {
	b := NewBreaker(0)
	for i := 0; i < 100; i++ {
		assert.False(t, b.Fault())
	}
	assert.False(t, b.Halted())
}

func TestSafeStep(t *testing.T) {
	boom := errors.New("boom")
	assert.ErrorIs(t, SafeStep(func() error { return boom }), boom)
	assert.NoError(t, SafeStep(func() error { return nil }))

	err := SafeStep(func() error { panic("kaput") })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPanicked)
	assert.Contains(t, err.Error(), "kaput")
}
