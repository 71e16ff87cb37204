// Package fallback runs a host simulation in the caller's process.
//
// It is the backend of last resort when no worker can be started. Requests
// are applied directly under a mutex, and a ticker goroutine drives the same
// fixed-rate update loop the worker runs, delivering snapshots, performance
// samples and faults to a Sink instead of a transport.
package fallback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/loop"
	"github.com/roach88/simbridge/internal/wire"
)

// Sink receives the runner's unsolicited output. Methods are called from the
// runner's loop goroutine without the runner's lock held.
type Sink interface {
	Snapshot(snap wire.Snapshot)
	Perf(stats host.Stats)
	Fault(fault wire.Fault)
}

// Config tunes the update loop.
type Config struct {
	TickRate             float64
	PerfInterval         time.Duration
	MaxConsecutiveFaults int
	Logger               *slog.Logger
}

// Runner owns one in-process simulation.
type Runner struct {
	mu      sync.Mutex
	sim     host.Simulation
	breaker *loop.Breaker
	frame   uint64
	closed  bool

	sink Sink
	step time.Duration
	perf time.Duration
	log  *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Start wraps sim and starts its update loop. Close stops it.
func Start(sim host.Simulation, sink Sink, cfg Config) *Runner {
	if cfg.PerfInterval <= 0 {
		cfg.PerfInterval = loop.DefaultPerfInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Runner{
		sim:     sim,
		breaker: loop.NewBreaker(loop.FaultLimit(cfg.MaxConsecutiveFaults)),
		sink:    sink,
		step:    loop.Interval(cfg.TickRate),
		perf:    cfg.PerfInterval,
		log:     cfg.Logger.With("component", "fallback"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Call applies one request and returns its reply payload, host.State or
// host.Stats. payload is the request body as a value or pointer.
func (r *Runner) Call(t wire.Type, payload any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, wire.ErrClosed
	}
	res, err := wire.Apply(r.sim, t, func(v any) error { return wire.Assign(v, payload) })
	if err != nil {
		return nil, err
	}
	if wire.Rearms(t) {
		r.breaker.Rearm()
	}
	return res, nil
}

// Frame returns the number of frames stepped so far.
func (r *Runner) Frame() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame
}

// Close stops the loop without waiting for it; no step starts after Close
// returns. It is idempotent and safe to call from a Sink callback.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.stop)
	})
}

// Done is closed once the loop has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.step)
	defer ticker.Stop()
	perf := time.NewTicker(r.perf)
	defer perf.Stop()

	for {
		select {
		case <-r.stop:
			r.mu.Lock()
			_ = loop.SafeStep(r.sim.Stop)
			frames := r.frame
			r.mu.Unlock()
			r.log.Debug("fallback loop stopped", "frames", frames)
			return
		case <-ticker.C:
			r.tick()
		case <-perf.C:
			r.publishPerf()
		}
	}
}

// tick steps once under the lock and delivers results after releasing it,
// so sink callbacks may call back into the runner. Every host call of the
// tick, snapshot assembly included, counts against the breaker when it fails.
func (r *Runner) tick() {
	var (
		snap   *wire.Snapshot
		faults []wire.Fault
	)

	r.mu.Lock()
	if !r.closed && !r.breaker.Halted() {
		stepped := false
		err := loop.SafeStep(func() error {
			st := r.sim.State()
			if !st.Running || st.Paused {
				return nil
			}
			if err := r.sim.Step(r.step); err != nil {
				return err
			}
			stepped = true
			r.frame++
			s := wire.TakeSnapshot(r.sim, r.frame)
			snap = &s
			return nil
		})
		switch {
		case err != nil:
			faults = append(faults, wire.Fault{Code: wire.FaultStep, Message: err.Error(), Frame: r.frame})
			r.log.Warn("step failed", "frame", r.frame, "error", err)
			if r.breaker.Fault() {
				halt := r.breaker.HaltError()
				faults = append(faults, wire.Fault{Code: wire.FaultHalted, Message: halt.Error(), Frame: r.frame})
				r.log.Error("update loop halted", "frame", r.frame, "faults", r.breaker.TotalFaults(), "event", "loop_halted")
			}
		case stepped:
			r.breaker.Success()
		}
	}
	r.mu.Unlock()

	for _, f := range faults {
		r.sink.Fault(f)
	}
	if snap != nil {
		r.sink.Snapshot(*snap)
	}
}

func (r *Runner) publishPerf() {
	var stats host.Stats
	r.mu.Lock()
	err := loop.SafeStep(func() error {
		stats = r.sim.PerformanceStats()
		return nil
	})
	frame := r.frame
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("performance sample failed", "frame", frame, "error", err)
		r.sink.Fault(wire.Fault{Code: wire.FaultHost, Message: err.Error(), Frame: frame})
		return
	}
	r.sink.Perf(stats)
}
