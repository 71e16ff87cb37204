package controller

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_StartsAtZero(t *testing.T) {
	assert.Equal(t, int64(0), NewClock().Current())
	assert.Equal(t, int64(41), NewClockAt(41).Current())
}

func TestClock_NextIDIncreases(t *testing.T) {
	c := NewClockAt(9)
	assert.Equal(t, "10", c.NextID())
	assert.Equal(t, "11", c.NextID())
	assert.Equal(t, int64(11), c.Current())
}

func TestClock_UniqueUnderContention(t *testing.T) {
	c := NewClock()
	const goroutines = 50
	const perGoroutine = 200

	var wg sync.WaitGroup
	ids := make(chan int64, goroutines*perGoroutine)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				ids <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestUUIDv7Generator(t *testing.T) {
	id := UUIDv7Generator{}.Generate()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}
