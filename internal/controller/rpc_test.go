package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/testutil"
	"github.com/roach88/simbridge/internal/wire"
)

func newTestRPC(t *testing.T, f *testutil.FakeTransport, timeout time.Duration) (*rpcClient, *messageStats) {
	t.Helper()
	stats := &messageStats{}
	rpc := newRPCClient(f, NewClock(), timeout, stats, quietLogger())
	rpc.start()
	t.Cleanup(func() { rpc.close(CodeDisposed) })
	return rpc, stats
}

func stateReply(t *testing.T, typ wire.Type, id string, tick uint64) wire.Envelope {
	t.Helper()
	data, err := wire.Marshal(host.State{Tick: tick})
	require.NoError(t, err)
	return wire.Envelope{Type: typ, RequestID: id, Data: data}
}

func TestRPC_DuplicateRepliesIgnored(t *testing.T) {
	f := testutil.NewFakeTransport(func(req wire.Envelope) []testutil.Reply {
		first := stateReply(t, wire.TypeState, req.RequestID, 1)
		second := stateReply(t, wire.TypeState, req.RequestID, 2)
		return []testutil.Reply{{Env: first}, {Env: second, Delay: 5 * time.Millisecond}}
	})
	rpc, stats := newTestRPC(t, f, time.Second)

	_, env, err := rpc.call(context.Background(), wire.TypeGetState, nil, 0)
	require.NoError(t, err)
	var st host.State
	require.NoError(t, env.Decode(&st))
	assert.Equal(t, uint64(1), st.Tick)

	require.Eventually(t, func() bool { return stats.total.Load() == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, rpc.pendingCount())
	assert.Zero(t, stats.failed.Load())
}

func TestRPC_UnknownIDDropped(t *testing.T) {
	f := testutil.NewFakeTransport(testutil.Silent())
	rpc, stats := newTestRPC(t, f, 50*time.Millisecond)

	f.Push(stateReply(t, wire.TypeState, "999", 1))
	require.Eventually(t, func() bool { return stats.total.Load() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, rpc.pendingCount())
}

func TestRPC_WrongReplyTypeRejects(t *testing.T) {
	f := testutil.NewFakeTransport(func(req wire.Envelope) []testutil.Reply {
		return []testutil.Reply{{Env: stateReply(t, wire.TypePaused, req.RequestID, 0)}}
	})
	rpc, _ := newTestRPC(t, f, time.Second)

	_, _, err := rpc.call(context.Background(), wire.TypeStart, nil, 0)
	require.Error(t, err)
	assert.True(t, IsFault(err))
}

func TestRPC_UncorrelatedReplyMatchesOldest(t *testing.T) {
	f := testutil.NewFakeTransport(testutil.Silent())
	rpc, _ := newTestRPC(t, f, time.Second)

	type outcome struct {
		id  string
		env wire.Envelope
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			id, env, err := rpc.call(context.Background(), wire.TypeGetState, nil, 0)
			if err == nil {
				results <- outcome{id, env}
			}
		}()
		require.Eventually(t, func() bool { return rpc.pendingCount() == i+1 }, time.Second, time.Millisecond)
	}

	f.Push(stateReply(t, wire.TypeState, "", 10))
	first := <-results
	assert.Equal(t, "1", first.id, "oldest pending request wins")

	f.Push(stateReply(t, wire.TypeState, "", 20))
	second := <-results
	assert.Equal(t, "2", second.id)
}

func TestRPC_TombstoneExpires(t *testing.T) {
	f := testutil.NewFakeTransport(testutil.Silent())
	rpc, stats := newTestRPC(t, f, 20*time.Millisecond)

	_, _, err := rpc.call(context.Background(), wire.TypeGetState, nil, 0)
	require.True(t, IsTimeout(err))
	assert.Equal(t, uint64(1), stats.failed.Load())

	rpc.mu.Lock()
	assert.Len(t, rpc.tombstones[wire.TypeState], 1)
	rpc.now = func() time.Time { return time.Now().Add(time.Minute) }
	rpc.mu.Unlock()

	// With the tombstone expired, an uncorrelated reply matches the next
	// pending request again.
	f.SetResponder(func(req wire.Envelope) []testutil.Reply {
		return []testutil.Reply{{Env: stateReply(t, wire.TypeState, "", 5)}}
	})
	_, env, err := rpc.call(context.Background(), wire.TypeGetState, nil, time.Second)
	require.NoError(t, err)
	var st host.State
	require.NoError(t, env.Decode(&st))
	assert.Equal(t, uint64(5), st.Tick)
}

func TestRPC_StreamMessagesBypassTable(t *testing.T) {
	f := testutil.NewFakeTransport(testutil.Silent())
	stats := &messageStats{}
	rpc := newRPCClient(f, NewClock(), time.Second, stats, quietLogger())
	got := make(chan wire.Type, 1)
	rpc.hooks.stream = func(env wire.Envelope) { got <- env.Type }
	rpc.start()
	t.Cleanup(func() { rpc.close(CodeDisposed) })

	env, err := wire.NewStream(wire.TypePerf, host.Stats{Steps: 1})
	require.NoError(t, err)
	f.Push(env)

	select {
	case typ := <-got:
		assert.Equal(t, wire.TypePerf, typ)
	case <-time.After(time.Second):
		t.Fatal("stream message not forwarded")
	}
	assert.Zero(t, stats.total.Load(), "stream messages are not replies")
}

func TestRPC_CallAfterCloseFails(t *testing.T) {
	f := testutil.NewFakeTransport(testutil.Silent())
	rpc, _ := newTestRPC(t, f, time.Second)
	rpc.close(CodeDisposed)

	_, _, err := rpc.call(context.Background(), wire.TypeGetState, nil, 0)
	assert.True(t, IsDisposed(err))
	assert.True(t, f.Closed())
}

// stalledTransport never completes a Send until it is closed.
type stalledTransport struct {
	release chan struct{}
	msgs    chan wire.Envelope
	once    sync.Once
}

func newStalledTransport() *stalledTransport {
	return &stalledTransport{release: make(chan struct{}), msgs: make(chan wire.Envelope)}
}

func (s *stalledTransport) Send(wire.Envelope) error {
	<-s.release
	return wire.ErrClosed
}

func (s *stalledTransport) Messages() <-chan wire.Envelope { return s.msgs }

func (s *stalledTransport) Close() error {
	s.once.Do(func() {
		close(s.release)
		close(s.msgs)
	})
	return nil
}

func TestRPC_BlockedSendStillTimesOut(t *testing.T) {
	tr := newStalledTransport()
	rpc := newRPCClient(tr, NewClock(), 30*time.Millisecond, &messageStats{}, quietLogger())
	rpc.start()
	t.Cleanup(func() { rpc.close(CodeDisposed) })

	started := time.Now()
	_, _, err := rpc.call(context.Background(), wire.TypeGetState, nil, 0)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(started), time.Second)
	assert.Zero(t, rpc.pendingCount())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, _, err = rpc.call(ctx, wire.TypeGetState, nil, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, rpc.pendingCount())
}
