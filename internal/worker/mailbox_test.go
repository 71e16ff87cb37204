package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/simbridge/internal/wire"
)

func TestMailbox_FIFO(t *testing.T) {
	m := newMailbox()
	m.Enqueue(wire.Envelope{Type: wire.TypeStart, RequestID: "1"})
	m.Enqueue(wire.Envelope{Type: wire.TypePause, RequestID: "2"})
	assert.Equal(t, 2, m.Len())

	env, ok := m.TryDequeue()
	assert.True(t, ok)
	assert.Equal(t, "1", env.RequestID)
	env, ok = m.TryDequeue()
	assert.True(t, ok)
	assert.Equal(t, "2", env.RequestID)

	_, ok = m.TryDequeue()
	assert.False(t, ok)
}

func TestMailbox_SignalCoalesces(t *testing.T) {
	m := newMailbox()
	for i := 0; i < 5; i++ {
		m.Enqueue(wire.Envelope{Type: wire.TypeGetState})
	}

	select {
	case <-m.Wait():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-m.Wait():
		t.Fatal("signals should coalesce")
	default:
	}
	assert.Equal(t, 5, m.Len())
}

func TestMailbox_Close(t *testing.T) {
	m := newMailbox()
	m.Enqueue(wire.Envelope{Type: wire.TypeStop})
	m.Close()
	m.Close()

	assert.False(t, m.Enqueue(wire.Envelope{Type: wire.TypeStart}))
	assert.False(t, m.Drained(), "queued items survive close")

	_, ok := m.TryDequeue()
	assert.True(t, ok)
	assert.True(t, m.Drained())

	// The signal buffered by Enqueue is still delivered, then the channel
	// reports closed.
	_, open := <-m.Wait()
	assert.True(t, open)
	_, open = <-m.Wait()
	assert.False(t, open)
}

func TestMailbox_CloseWithoutPendingSignal(t *testing.T) {
	m := newMailbox()
	m.Close()

	select {
	case _, open := <-m.Wait():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("closed mailbox should wake the waiter")
	}
}
