// Package loop holds the fixed-rate pacing and fault budget shared by the
// worker and fallback update loops.
package loop

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTickRate is the default number of simulation frames per second.
	DefaultTickRate = 30.0
	// DefaultPerfInterval is the default cadence of performance samples.
	DefaultPerfInterval = time.Second
	// DefaultMaxConsecutiveFaults bounds how many failing ticks in a row a
	// loop tolerates before it halts.
	DefaultMaxConsecutiveFaults = 10

	defaultInterval = time.Second / DefaultTickRate
)

// ErrHalted is reported once when a loop stops stepping after too many
// consecutive faults.
var ErrHalted = errors.New("update loop halted after repeated faults")

// ErrPanicked wraps a panic recovered by SafeStep.
var ErrPanicked = errors.New("step panicked")

// Interval converts a tick rate in Hz to a step duration, falling back to
// DefaultTickRate for non-positive rates.
func Interval(tickRate float64) time.Duration {
	if tickRate <= 0 {
		return defaultInterval
	}
	interval := time.Duration(float64(time.Second) / tickRate)
	if interval <= 0 {
		return defaultInterval
	}
	return interval
}

// Breaker counts consecutive step faults.
//
// Breaker is not safe for concurrent use; each loop owns one.
type Breaker struct {
	limit       int
	consecutive int
	total       uint64
	halted      bool
}

// NewBreaker returns a breaker that halts after limit consecutive faults.
// A limit of zero or less never halts.
func NewBreaker(limit int) *Breaker {
	if limit < 0 {
		limit = 0
	}
	return &Breaker{limit: limit}
}

// FaultLimit resolves a configured limit: zero selects the default and a
// negative value disables halting.
func FaultLimit(configured int) int {
	switch {
	case configured == 0:
		return DefaultMaxConsecutiveFaults
	case configured < 0:
		return 0
	}
	return configured
}

// Fault records a failed tick and reports whether this fault tripped the
// breaker. It trips at most once until Rearm.
func (b *Breaker) Fault() (tripped bool) {
	b.total++
	b.consecutive++
	if b.halted || b.limit == 0 {
		return false
	}
	if b.consecutive >= b.limit {
		b.halted = true
		return true
	}
	return false
}

// Success clears the consecutive fault count.
func (b *Breaker) Success() {
	b.consecutive = 0
}

// Rearm clears the halted state so the loop resumes stepping.
func (b *Breaker) Rearm() {
	b.consecutive = 0
	b.halted = false
}

// Halted reports whether the loop must skip stepping.
func (b *Breaker) Halted() bool {
	return b.halted
}

// TotalFaults returns the number of faults recorded since construction.
func (b *Breaker) TotalFaults() uint64 {
	return b.total
}

// HaltError wraps ErrHalted with the fault count that tripped the breaker.
func (b *Breaker) HaltError() error {
	return fmt.Errorf("%w (%d consecutive)", ErrHalted, b.consecutive)
}

// SafeStep runs step and converts a panic into an error.
func SafeStep(step func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return step()
}
