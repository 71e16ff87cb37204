// Package worker runs a host simulation on its own goroutine and exposes it
// only through wire envelopes.
//
// The worker goroutine is the single owner of the simulation: requests are
// queued in a mailbox and handled between ticks, so the host never sees
// concurrent calls and no lock guards it. Replies are sent with the request
// id echoed back. The fixed-rate loop pushes SNAPSHOT, PERF and FAULT stream
// messages on its own schedule; those are best-effort and dropped when the
// caller falls behind.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/loop"
	"github.com/roach88/simbridge/internal/wire"
)

// Config tunes a worker's update loop.
type Config struct {
	// TickRate is the target number of frames per second.
	TickRate float64
	// PerfInterval is the cadence of PERF samples.
	PerfInterval time.Duration
	// MaxConsecutiveFaults halts stepping after this many failing ticks in a
	// row. Zero selects the default, negative disables halting.
	MaxConsecutiveFaults int
	// Buffer is the per-direction pipe buffer.
	Buffer int
	// Logger receives worker logs. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TickRate <= 0 {
		c.TickRate = loop.DefaultTickRate
	}
	if c.PerfInterval <= 0 {
		c.PerfInterval = loop.DefaultPerfInterval
	}
	if c.Buffer <= 0 {
		c.Buffer = wire.DefaultPipeBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// conn is the worker's side of the pipe.
type conn interface {
	wire.Transport
	Offer(env wire.Envelope) (bool, error)
	Done() <-chan struct{}
}

// Worker owns one simulation and its update loop.
type Worker struct {
	sim     host.Simulation
	conn    conn
	inbox   *mailbox
	cfg     Config
	step    time.Duration
	breaker *loop.Breaker
	frame   uint64
	dropped uint64
	log     *slog.Logger
	done    chan struct{}
}

// Spawn starts a worker around a fresh simulation from factory and returns
// the caller's end of the pipe. Closing that end stops the worker.
func Spawn(factory host.Factory, cfg Config) (wire.Transport, error) {
	if factory == nil {
		return nil, errors.New("worker: simulation factory is required")
	}
	sim := factory()
	if sim == nil {
		return nil, errors.New("worker: factory returned no simulation")
	}
	cfg = cfg.withDefaults()
	callerEnd, workerEnd := wire.NewPipe(cfg.Buffer)
	w := newWorker(sim, workerEnd, cfg)
	go w.receive()
	go w.run()
	return callerEnd, nil
}

// NewFactory returns a constructor suitable for controller injection.
func NewFactory(factory host.Factory, cfg Config) func(ctx context.Context) (wire.Transport, error) {
	return func(ctx context.Context) (wire.Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Spawn(factory, cfg)
	}
}

func newWorker(sim host.Simulation, c conn, cfg Config) *Worker {
	return &Worker{
		sim:     sim,
		conn:    c,
		inbox:   newMailbox(),
		cfg:     cfg,
		step:    loop.Interval(cfg.TickRate),
		breaker: loop.NewBreaker(loop.FaultLimit(cfg.MaxConsecutiveFaults)),
		log:     cfg.Logger.With("component", "worker"),
		done:    make(chan struct{}),
	}
}

// Done is closed after the update loop exits.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// receive moves inbound envelopes into the mailbox until the pipe closes.
func (w *Worker) receive() {
	defer w.inbox.Close()
	for env := range w.conn.Messages() {
		w.inbox.Enqueue(env)
	}
}

// run is the worker's event loop. All simulation access happens here.
func (w *Worker) run() {
	defer close(w.done)
	defer func() {
		_ = loop.SafeStep(w.sim.Stop)
		w.log.Debug("worker stopped", "frames", w.frame, "dropped_stream", w.dropped)
	}()

	ticker := time.NewTicker(w.step)
	defer ticker.Stop()
	perf := time.NewTicker(w.cfg.PerfInterval)
	defer perf.Stop()

	w.log.Debug("worker started", "tick", w.step, "perf_interval", w.cfg.PerfInterval)

	for {
		for {
			env, ok := w.inbox.TryDequeue()
			if !ok {
				break
			}
			w.handle(env)
		}

		select {
		case <-w.conn.Done():
			return
		case <-w.inbox.Wait():
			if w.inbox.Drained() {
				return
			}
		case <-ticker.C:
			w.tick()
		case <-perf.C:
			w.publishPerf()
		}
	}
}

// handle answers one request. Requests without an id get no reply.
func (w *Worker) handle(req wire.Envelope) {
	reply, code, err := w.dispatch(req)
	if req.RequestID == "" {
		if err != nil {
			w.log.Warn("uncorrelated request failed", "type", req.Type, "error", err)
		}
		return
	}
	if err != nil {
		w.log.Debug("request failed", "type", req.Type, "request_id", req.RequestID, "error", err)
		reply = wire.NewFaultReply(req, code, err)
	}
	if sendErr := w.conn.Send(reply); sendErr != nil && !errors.Is(sendErr, wire.ErrClosed) {
		w.log.Error("failed to send reply", "type", reply.Type, "request_id", req.RequestID, "error", sendErr)
	}
}

// dispatch applies a request to the simulation and builds its reply.
func (w *Worker) dispatch(req wire.Envelope) (wire.Envelope, string, error) {
	payload, err := wire.Apply(w.sim, req.Type, req.Decode)
	if err != nil {
		return wire.Envelope{}, wire.FaultCode(err), err
	}
	if wire.Rearms(req.Type) {
		w.breaker.Rearm()
	}

	reply, err := wire.NewReply(req, payload)
	if err != nil {
		return wire.Envelope{}, wire.FaultHost, err
	}
	return reply, "", nil
}

// tick advances the simulation one frame and pushes a snapshot. A panic in
// any host call of the tick is a step fault.
func (w *Worker) tick() {
	if w.breaker.Halted() {
		return
	}

	var (
		snap    wire.Snapshot
		stepped bool
	)
	err := loop.SafeStep(func() error {
		st := w.sim.State()
		if !st.Running || st.Paused {
			return nil
		}
		if err := w.sim.Step(w.step); err != nil {
			return err
		}
		w.frame++
		snap = wire.TakeSnapshot(w.sim, w.frame)
		stepped = true
		return nil
	})
	if err != nil {
		tripped := w.breaker.Fault()
		w.log.Warn("step failed", "frame", w.frame, "error", err)
		w.offer(wire.TypeFault, wire.Fault{Code: wire.FaultStep, Message: err.Error(), Frame: w.frame})
		if tripped {
			halt := w.breaker.HaltError()
			w.log.Error("update loop halted", "frame", w.frame, "faults", w.breaker.TotalFaults(), "event", "loop_halted")
			w.offer(wire.TypeFault, wire.Fault{Code: wire.FaultHalted, Message: halt.Error(), Frame: w.frame})
		}
		return
	}
	if !stepped {
		return
	}
	w.breaker.Success()
	w.offer(wire.TypeSnapshot, snap)
}

func (w *Worker) publishPerf() {
	var stats host.Stats
	err := loop.SafeStep(func() error {
		stats = w.sim.PerformanceStats()
		return nil
	})
	if err != nil {
		w.log.Warn("performance sample failed", "frame", w.frame, "error", err)
		w.offer(wire.TypeFault, wire.Fault{Code: wire.FaultHost, Message: err.Error(), Frame: w.frame})
		return
	}
	w.offer(wire.TypePerf, stats)
}

func (w *Worker) offer(t wire.Type, payload any) {
	env, err := wire.NewStream(t, payload)
	if err != nil {
		w.log.Error("failed to encode stream message", "type", t, "error", err)
		return
	}
	ok, err := w.conn.Offer(env)
	if err != nil {
		return
	}
	if !ok {
		w.dropped++
		w.log.Debug("stream message dropped", "type", t, "frame", w.frame)
	}
}
