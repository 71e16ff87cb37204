package fallback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/wire"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []uint64
	perf   int
	faults []wire.Fault
}

func (s *recordingSink) Snapshot(snap wire.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, snap.FrameCount)
}

func (s *recordingSink) Perf(host.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perf++
}

func (s *recordingSink) Fault(f wire.Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

func (s *recordingSink) snapshot() ([]uint64, int, []wire.Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.frames...), s.perf, append([]wire.Fault(nil), s.faults...)
}

type brokenStep struct {
	*host.Sandbox
}

func (brokenStep) Step(time.Duration) error { return errors.New("nan in field") }

type brokenAccessors struct {
	*host.Sandbox
}

func (brokenAccessors) EntityData() []host.Entity { panic("entity accessor blew up") }

func (brokenAccessors) PerformanceStats() host.Stats { panic("stats accessor blew up") }

func start(t *testing.T, sim host.Simulation, sink Sink, cfg Config) *Runner {
	t.Helper()
	r := Start(sim, sink, cfg)
	t.Cleanup(r.Close)
	return r
}

func TestRunner_CallReturnsState(t *testing.T) {
	r := start(t, host.NewSandbox(), &recordingSink{}, Config{})

	res, err := r.Call(wire.TypeInit, host.Options{InitialEntities: 3})
	require.NoError(t, err)
	st := res.(host.State)
	assert.True(t, st.Initialized)
	assert.Equal(t, 3, st.EntityCount)

	res, err = r.Call(wire.TypeStart, nil)
	require.NoError(t, err)
	assert.True(t, res.(host.State).Running)

	res, err = r.Call(wire.TypeGetState, nil)
	require.NoError(t, err)
	assert.True(t, res.(host.State).Running)

	_, err = r.Call(wire.TypeSetSpeed, &wire.SpeedRequest{Multiplier: -2})
	assert.ErrorIs(t, err, host.ErrInvalidSpeed)
}

func TestRunner_SnapshotsStrictlyIncrease(t *testing.T) {
	sink := &recordingSink{}
	r := start(t, host.NewSandbox(), sink, Config{TickRate: 200, PerfInterval: 10 * time.Millisecond})

	_, err := r.Call(wire.TypeInit, host.Options{InitialEntities: 2})
	require.NoError(t, err)
	_, err = r.Call(wire.TypeStart, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		frames, perf, _ := sink.snapshot()
		return len(frames) >= 5 && perf > 0
	}, 2*time.Second, 5*time.Millisecond)

	frames, _, _ := sink.snapshot()
	assert.Equal(t, uint64(1), frames[0])
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i], frames[i-1])
	}
}

func TestRunner_NoStepsBeforeStart(t *testing.T) {
	sink := &recordingSink{}
	r := start(t, host.NewSandbox(), sink, Config{TickRate: 200})

	_, err := r.Call(wire.TypeInit, host.Options{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	frames, _, _ := sink.snapshot()
	assert.Empty(t, frames)
	assert.Zero(t, r.Frame())
}

func TestRunner_HaltsAndRearms(t *testing.T) {
	sink := &recordingSink{}
	r := start(t, brokenStep{host.NewSandbox()}, sink, Config{TickRate: 200, MaxConsecutiveFaults: 2})

	_, err := r.Call(wire.TypeStart, nil)
	require.NoError(t, err)

	halted := func() int {
		_, _, faults := sink.snapshot()
		n := 0
		for _, f := range faults {
			if f.Code == wire.FaultHalted {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return halted() == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	_, _, faults := sink.snapshot()
	assert.Len(t, faults, 3, "two step faults then one halt")

	_, err = r.Call(wire.TypeResume, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return halted() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_AccessorPanicsBecomeFaults(t *testing.T) {
	sink := &recordingSink{}
	r := start(t, brokenAccessors{host.NewSandbox()}, sink,
		Config{TickRate: 200, PerfInterval: 10 * time.Millisecond, MaxConsecutiveFaults: 3})

	_, err := r.Call(wire.TypeInit, host.Options{InitialEntities: 2})
	require.NoError(t, err)
	_, err = r.Call(wire.TypeStart, nil)
	require.NoError(t, err)

	hasCode := func(code string) bool {
		_, _, faults := sink.snapshot()
		for _, f := range faults {
			if f.Code == code {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool {
		return hasCode(wire.FaultHalted) && hasCode(wire.FaultHost)
	}, 2*time.Second, 5*time.Millisecond)

	frames, perf, faults := sink.snapshot()
	assert.Empty(t, frames, "no snapshot survives a failed assembly")
	assert.Zero(t, perf)
	var step *wire.Fault
	for i := range faults {
		if faults[i].Code == wire.FaultStep {
			step = &faults[i]
			break
		}
	}
	require.NotNil(t, step)
	assert.Contains(t, step.Message, "entity accessor blew up")

	// The runner is still usable and its lock was released.
	res, err := r.Call(wire.TypeGetState, nil)
	require.NoError(t, err)
	assert.True(t, res.(host.State).Running)
}

func TestRunner_CloseIsIdempotent(t *testing.T) {
	r := Start(host.NewSandbox(), &recordingSink{}, Config{})
	r.Close()
	r.Close()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}

	_, err := r.Call(wire.TypeGetState, nil)
	assert.ErrorIs(t, err, wire.ErrClosed)
}
