package worker

import (
	"sync"

	"github.com/roach88/simbridge/internal/wire"
)

// mailbox is an unbounded FIFO of inbound requests.
//
// The receive goroutine enqueues while the update loop dequeues, so a burst
// of requests never blocks the transport. A buffered signal channel of size
// one lets the loop wait on the mailbox inside a select next to its tickers.
type mailbox struct {
	mu     sync.Mutex
	items  []wire.Envelope
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		items:  make([]wire.Envelope, 0, 32),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends env. Returns false once the mailbox is closed.
func (m *mailbox) Enqueue(env wire.Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, env)

	// Buffer of 1 coalesces signals.
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the oldest envelope without blocking.
func (m *mailbox) TryDequeue() (wire.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return wire.Envelope{}, false
	}
	env := m.items[0]
	// Release the payload for GC before reslicing.
	m.items[0] = wire.Envelope{}
	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}
	return env, true
}

// Wait returns a channel that fires when envelopes may be available. It is
// closed by Close, so a closed mailbox always fires.
func (m *mailbox) Wait() <-chan struct{} {
	return m.signal
}

func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Drained reports whether the mailbox is closed and empty.
func (m *mailbox) Drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed && len(m.items) == 0
}

// Close stops accepting envelopes and wakes the waiter. Idempotent.
func (m *mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
