// Package controller presents one lifecycle API over two execution backends.
//
// Initialize tries to start a worker through the injected WorkerFactory and
// probes it with a GET_STATE handshake. If anything about that fails, the
// controller runs the simulation in-process on a fallback runner instead.
// The choice is made once and kept for the controller's lifetime.
//
// Every operation takes a context and blocks until the backend answers, the
// request budget runs out, the context ends or the controller is disposed,
// so callers use the same code against either backend. Snapshots,
// performance samples and runtime faults arrive asynchronously through the
// On* callbacks.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/roach88/simbridge/internal/fallback"
	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/wire"
)

const (
	// DefaultHandshakeTimeout bounds the worker probe.
	DefaultHandshakeTimeout = 2 * time.Second
	// DefaultRequestTimeout is the reply budget of a routed request.
	DefaultRequestTimeout = 5 * time.Second
)

// Mode selects how Initialize picks a backend.
type Mode string

const (
	// ModeAuto tries the worker and falls back silently.
	ModeAuto Mode = "auto"
	// ModeWorker requires the worker; Initialize fails if it cannot start.
	ModeWorker Mode = "worker"
	// ModeFallback never starts a worker.
	ModeFallback Mode = "fallback"
)

// ParseMode parses a configured mode. The empty string is ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeWorker, ModeFallback:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown backend mode %q (want auto, worker or fallback)", s)
}

// WorkerFactory builds the transport to a freshly started worker.
type WorkerFactory func(ctx context.Context) (wire.Transport, error)

// Options configures a Controller.
type Options struct {
	Mode Mode

	// Worker starts a worker backend. Nil means fallback only.
	Worker WorkerFactory

	// Host builds the simulation the fallback runs. Defaults to the sandbox.
	Host host.Factory

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration

	// Fallback loop settings.
	TickRate             float64
	PerfInterval         time.Duration
	MaxConsecutiveFaults int

	// Recorder, when set, journals calls, faults and stream output.
	Recorder Recorder

	// Sessions names the controller. Defaults to UUIDv7Generator.
	Sessions SessionIDGenerator

	// Clock issues request ids. Share one across controllers to keep ids
	// unique between them.
	Clock *Clock

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeAuto
	}
	if o.Host == nil {
		o.Host = host.NewSandboxFactory()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Sessions == nil {
		o.Sessions = UUIDv7Generator{}
	}
	if o.Clock == nil {
		o.Clock = NewClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Controller owns the backend selection, the pending request table, the
// backend state and the message counters.
type Controller struct {
	opts    Options
	session string
	log     *slog.Logger
	stats   messageStats
	stream  Stream

	initMu sync.Mutex

	mu       sync.RWMutex
	phase    Phase
	state    BackendState
	backend  backend
	probe    *rpcClient
	disposed bool

	disposeOnce sync.Once
}

// New returns an uninitialized controller.
func New(opts Options) *Controller {
	opts = opts.withDefaults()
	session := opts.Sessions.Generate()
	return &Controller{
		opts:    opts,
		session: session,
		log:     opts.Logger.With("session", session),
	}
}

// Session returns the controller's session id.
func (c *Controller) Session() string {
	return c.session
}

// Initialize selects and starts a backend. Calling it again after success is
// a no-op. In ModeAuto a worker failure is logged and answered by starting
// the fallback; it is not returned.
func (c *Controller) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	switch {
	case c.disposed:
		c.mu.Unlock()
		return ErrDisposed
	case c.backend != nil:
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseInitializing
	c.mu.Unlock()

	b, err := c.selectBackend(ctx)
	if err != nil {
		c.mu.Lock()
		if !c.disposed {
			c.phase = PhaseUninitialized
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		b.close(CodeDisposed)
		return ErrDisposed
	}
	c.backend = b
	c.state = BackendState{Initialized: true, WorkerMode: b.worker()}
	c.phase = PhaseFallback
	if b.worker() {
		c.phase = PhaseWorker
	}
	c.mu.Unlock()

	c.log.Info("backend selected", "backend", c.phase.String(), "event", "backend_selected")
	if rec := c.opts.Recorder; rec != nil {
		s := SessionRecord{ID: c.session, WorkerMode: b.worker(), StartedAt: time.Now()}
		if err := rec.BeginSession(ctx, s); err != nil {
			c.log.Warn("failed to record session", "error", err)
		}
	}
	return nil
}

func (c *Controller) selectBackend(ctx context.Context) (backend, error) {
	if c.opts.Mode == ModeFallback {
		return c.startFallback(), nil
	}
	if c.opts.Worker == nil {
		if c.opts.Mode == ModeWorker {
			return nil, errors.New("initialize: worker mode requires a worker factory")
		}
		return c.startFallback(), nil
	}

	b, err := c.startWorker(ctx)
	if err == nil {
		return b, nil
	}
	if IsDisposed(err) || c.isDisposed() {
		return nil, ErrDisposed
	}
	if c.opts.Mode == ModeWorker {
		return nil, fmt.Errorf("initialize worker backend: %w", err)
	}
	c.log.Warn("worker backend unavailable, using fallback", "error", err, "event", "fallback_selected")
	return c.startFallback(), nil
}

// startWorker dials the worker and runs the handshake. On failure every
// resource it built is released.
func (c *Controller) startWorker(ctx context.Context) (backend, error) {
	tr, err := dialWorker(ctx, c.opts.Worker)
	if err != nil {
		return nil, err
	}

	rpc := newRPCClient(tr, c.opts.Clock, c.opts.RequestTimeout, &c.stats, c.log)
	rpc.hooks = rpcHooks{
		stream: c.handleEnvelope,
		closed: func() { c.handleTransportClosed(rpc) },
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = tr.Close()
		return nil, ErrDisposed
	}
	c.probe = rpc
	c.mu.Unlock()

	rpc.start()
	st, err := handshake(ctx, rpc, c.opts.HandshakeTimeout)

	c.mu.Lock()
	c.probe = nil
	c.mu.Unlock()

	if err != nil {
		rpc.close(CodeClosed)
		return nil, fmt.Errorf("worker handshake: %w", err)
	}
	c.log.Debug("worker handshake complete", "initialized", st.Initialized, "tick", st.Tick)
	return &remoteBackend{rpc: rpc}, nil
}

func (c *Controller) startFallback() backend {
	runner := fallback.Start(c.opts.Host(), fallbackSink{c: c}, fallback.Config{
		TickRate:             c.opts.TickRate,
		PerfInterval:         c.opts.PerfInterval,
		MaxConsecutiveFaults: c.opts.MaxConsecutiveFaults,
		Logger:               c.log,
	})
	return &localBackend{runner: runner, clock: c.opts.Clock}
}

// ConfigureSimulation applies options and initializes the host world.
func (c *Controller) ConfigureSimulation(ctx context.Context, opts host.Options) (host.State, error) {
	return c.lifecycle(ctx, wire.TypeInit, opts)
}

// StartSimulation starts stepping the configured host.
func (c *Controller) StartSimulation(ctx context.Context) (host.State, error) {
	return c.lifecycle(ctx, wire.TypeStart, nil)
}

// PauseSimulation suspends stepping; the host must be running.
func (c *Controller) PauseSimulation(ctx context.Context) (host.State, error) {
	return c.lifecycle(ctx, wire.TypePause, nil)
}

// ResumeSimulation continues a paused host and rearms a halted loop.
func (c *Controller) ResumeSimulation(ctx context.Context) (host.State, error) {
	return c.lifecycle(ctx, wire.TypeResume, nil)
}

// StopSimulation stops stepping. Running and Paused are both cleared.
func (c *Controller) StopSimulation(ctx context.Context) (host.State, error) {
	return c.lifecycle(ctx, wire.TypeStop, nil)
}

// ResetSimulation stops the host and rebuilds its world from the current
// options.
func (c *Controller) ResetSimulation(ctx context.Context) (host.State, error) {
	return c.lifecycle(ctx, wire.TypeReset, nil)
}

// SetSimulationSpeed sets the speed multiplier, which must be positive and
// finite.
func (c *Controller) SetSimulationSpeed(ctx context.Context, multiplier float64) (host.State, error) {
	if multiplier <= 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return host.State{}, fmt.Errorf("%w: speed multiplier %g", ErrInvalidArgument, multiplier)
	}
	return c.lifecycle(ctx, wire.TypeSetSpeed, wire.SpeedRequest{Multiplier: multiplier})
}

// AddEntities spawns count entities at pos, or at host-chosen positions when
// pos is nil.
func (c *Controller) AddEntities(ctx context.Context, count int, pos *host.Position) (host.State, error) {
	if count <= 0 {
		return host.State{}, fmt.Errorf("%w: entity count must be positive, got %d", ErrInvalidArgument, count)
	}
	return c.lifecycle(ctx, wire.TypeAddEntity, wire.AddEntityRequest{Count: count, Position: pos})
}

// SimulationState queries the host state without touching BackendState.
func (c *Controller) SimulationState(ctx context.Context) (host.State, error) {
	var st host.State
	err := c.do(ctx, wire.TypeGetState, nil, &st)
	return st, err
}

// PerformanceStats asks the active backend for a fresh performance sample.
func (c *Controller) PerformanceStats(ctx context.Context) (host.Stats, error) {
	var stats host.Stats
	err := c.do(ctx, wire.TypeGetPerf, nil, &stats)
	return stats, err
}

func (c *Controller) lifecycle(ctx context.Context, t wire.Type, payload any) (host.State, error) {
	var st host.State
	if err := c.do(ctx, t, payload, &st); err != nil {
		return host.State{}, err
	}

	c.mu.Lock()
	if !c.disposed {
		c.state = c.state.observe(st)
		c.phase = phaseAfter(c.phase, c.state, t)
	}
	c.mu.Unlock()
	return st, nil
}

// do routes one request to the active backend and journals it.
func (c *Controller) do(ctx context.Context, t wire.Type, payload any, out any) error {
	b, err := c.active()
	if err != nil {
		return err
	}

	started := time.Now()
	id, err := b.call(ctx, t, payload, out)
	if err != nil {
		c.log.Debug("request failed", "type", t, "request_id", id, "error", err)
	}
	c.recordCall(ctx, id, t, started, err)
	return err
}

func (c *Controller) active() (backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.disposed:
		return nil, ErrDisposed
	case c.backend == nil:
		return nil, ErrNotInitialized
	}
	return c.backend, nil
}

func (c *Controller) isDisposed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disposed
}

// OnSnapshot registers the snapshot callback, replacing any previous one.
func (c *Controller) OnSnapshot(fn func(wire.Snapshot)) {
	c.stream.SetSnapshotHandler(fn)
}

// OnPerformanceUpdate registers the performance sample callback.
func (c *Controller) OnPerformanceUpdate(fn func(host.Stats)) {
	c.stream.SetPerfHandler(fn)
}

// OnError registers the runtime fault callback. Errors passed to it are
// *BackendFault values.
func (c *Controller) OnError(fn func(error)) {
	c.stream.SetErrorHandler(fn)
}

// LatestSnapshot returns the most recent snapshot without waiting.
func (c *Controller) LatestSnapshot() (wire.Snapshot, bool) {
	return c.stream.Latest()
}

// LatestPerformance returns the most recent pushed performance sample.
func (c *Controller) LatestPerformance() (host.Stats, bool) {
	return c.stream.LatestPerf()
}

// IsUsingWorkerBackend reports whether the worker backend was selected.
func (c *Controller) IsUsingWorkerBackend() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.WorkerMode
}

// BackendState returns a copy of the lifecycle flags.
func (c *Controller) BackendState() BackendState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Stats returns the message counters and the current pending request count.
func (c *Controller) Stats() MessageStats {
	s := c.stats.snapshot()
	c.mu.RLock()
	b := c.backend
	c.mu.RUnlock()
	if b != nil {
		s.Pending = b.pending()
	}
	return s
}

// Dispose stops the backend and rejects every pending request with
// ErrDisposed. It is idempotent and safe to call concurrently; operations
// afterwards return ErrDisposed.
func (c *Controller) Dispose() {
	c.disposeOnce.Do(func() {
		c.mu.Lock()
		c.disposed = true
		c.phase = PhaseDisposed
		c.state.Running, c.state.Paused = false, false
		b, probe := c.backend, c.probe
		c.mu.Unlock()

		if probe != nil {
			probe.close(CodeDisposed)
		}
		if b != nil {
			b.close(CodeDisposed)
		}
		c.stream.Close()
		c.log.Info("controller disposed", "event", "disposed")
	})
}

// handleEnvelope decodes an unsolicited worker message.
func (c *Controller) handleEnvelope(env wire.Envelope) {
	switch env.Type {
	case wire.TypeSnapshot:
		var snap wire.Snapshot
		if err := env.Decode(&snap); err != nil {
			c.log.Warn("dropping undecodable snapshot", "error", err)
			return
		}
		c.handleSnapshot(snap)
	case wire.TypePerf:
		var stats host.Stats
		if err := env.Decode(&stats); err != nil {
			c.log.Warn("dropping undecodable perf sample", "error", err)
			return
		}
		c.handlePerf(stats)
	case wire.TypeFault:
		var f wire.Fault
		if err := env.Decode(&f); err != nil {
			f = wire.Fault{Code: wire.FaultHost, Message: err.Error()}
		}
		c.handleFault(f, true)
	}
}

func (c *Controller) handleSnapshot(snap wire.Snapshot) {
	if !c.stream.PublishSnapshot(snap) {
		return
	}
	if rec := c.opts.Recorder; rec != nil {
		if err := rec.RecordSnapshot(context.Background(), c.session, snap); err != nil {
			c.log.Warn("failed to record snapshot", "frame", snap.FrameCount, "error", err)
		}
	}
}

func (c *Controller) handlePerf(stats host.Stats) {
	c.stream.PublishPerf(stats)
	if rec := c.opts.Recorder; rec != nil {
		if err := rec.RecordPerf(context.Background(), c.session, stats, time.Now()); err != nil {
			c.log.Warn("failed to record perf sample", "error", err)
		}
	}
}

func (c *Controller) handleFault(f wire.Fault, worker bool) {
	if c.isDisposed() {
		return
	}
	c.stats.errors.Add(1)
	fault := &BackendFault{Code: f.Code, Message: f.Message, Frame: f.Frame, Worker: worker}
	c.log.Warn("backend fault", "code", f.Code, "frame", f.Frame, "message", f.Message)

	if rec := c.opts.Recorder; rec != nil {
		r := FaultRecord{Session: c.session, Code: f.Code, Message: f.Message, Frame: f.Frame, At: time.Now()}
		if err := rec.RecordFault(context.Background(), r); err != nil {
			c.log.Warn("failed to record fault", "error", err)
		}
	}
	c.stream.PublishError(fault)
}

// handleTransportClosed reports the active worker's transport dying. The
// controller stays in worker mode; later requests fail with
// ErrBackendClosed.
func (c *Controller) handleTransportClosed(rpc *rpcClient) {
	c.mu.Lock()
	rb, ok := c.backend.(*remoteBackend)
	if c.disposed || !ok || rb.rpc != rpc {
		c.mu.Unlock()
		return
	}
	c.state.Running, c.state.Paused = false, false
	c.phase = PhaseStopped
	c.mu.Unlock()

	c.log.Error("worker transport closed", "event", "transport_closed")
	c.handleFault(wire.Fault{Code: wire.FaultTransport, Message: "worker transport closed unexpectedly"}, true)
}

func (c *Controller) recordCall(ctx context.Context, id string, t wire.Type, started time.Time, err error) {
	rec := c.opts.Recorder
	if rec == nil {
		return
	}
	r := CallRecord{
		Session:   c.session,
		RequestID: id,
		Type:      t,
		Started:   started,
		Duration:  time.Since(started),
	}
	if err != nil {
		r.Code = CodeFault
		var re *RequestError
		if errors.As(err, &re) {
			r.Code = re.Code
		}
		r.Error = err.Error()
	}
	// The caller's context may already be done; the record is still wanted.
	if recErr := rec.RecordCall(context.WithoutCancel(ctx), r); recErr != nil {
		c.log.Warn("failed to record call", "type", t, "error", recErr)
	}
}
