package controller

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Clock hands out request ids.
//
// Ids are strictly increasing and never reused for the lifetime of the
// Clock, including after the controller that owns it is disposed.
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock whose first id is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock that continues after start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// NextID returns Next formatted as a request id.
func (c *Clock) NextID() string {
	return strconv.FormatInt(c.Next(), 10)
}

// SessionIDGenerator names controller sessions in logs and the journal.
type SessionIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable session ids.
type UUIDv7Generator struct{}

func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined session ids, for deterministic traces.
// It panics once exhausted so a test creating more sessions than planned
// fails loudly.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all session ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
