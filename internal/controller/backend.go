package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/simbridge/internal/fallback"
	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/wire"
)

// backend is one execution strategy. call decodes the reply payload into
// out and returns the request id it used.
type backend interface {
	call(ctx context.Context, t wire.Type, payload any, out any) (string, error)
	pending() int
	close(code ErrorCode)
	worker() bool
}

// remoteBackend routes requests over a worker transport.
type remoteBackend struct {
	rpc *rpcClient
}

func (b *remoteBackend) call(ctx context.Context, t wire.Type, payload any, out any) (string, error) {
	id, env, err := b.rpc.call(ctx, t, payload, 0)
	if err != nil {
		return id, err
	}
	if err := env.Decode(out); err != nil {
		return id, newRequestError(CodeFault, id, t, "undecodable reply", err)
	}
	return id, nil
}

func (b *remoteBackend) pending() int { return b.rpc.pendingCount() }
func (b *remoteBackend) close(code ErrorCode) { b.rpc.close(code) }
func (b *remoteBackend) worker() bool { return true }

// localBackend calls the fallback runner directly.
type localBackend struct {
	runner *fallback.Runner
	clock  *Clock
}

func (b *localBackend) call(ctx context.Context, t wire.Type, payload any, out any) (string, error) {
	id := b.clock.NextID()
	if err := ctx.Err(); err != nil {
		return id, newRequestError(CodeCanceled, id, t, "caller gave up", err)
	}
	res, err := b.runner.Call(t, payload)
	switch {
	case errors.Is(err, wire.ErrClosed):
		return id, newRequestError(CodeDisposed, id, t, "fallback runner closed", err)
	case err != nil:
		rerr := newRequestError(CodeFault, id, t, err.Error(), err)
		rerr.FaultCode = wire.FaultCode(err)
		return id, rerr
	}
	if err := wire.Assign(out, res); err != nil {
		return id, fmt.Errorf("%s reply: %w", t, err)
	}
	return id, nil
}

func (b *localBackend) pending() int { return 0 }
func (b *localBackend) close(ErrorCode) { b.runner.Close() }
func (b *localBackend) worker() bool { return false }

// fallbackSink adapts the runner's output to the controller stream.
type fallbackSink struct {
	c *Controller
}

func (s fallbackSink) Snapshot(snap wire.Snapshot) { s.c.handleSnapshot(snap) }
func (s fallbackSink) Perf(stats host.Stats) { s.c.handlePerf(stats) }
func (s fallbackSink) Fault(f wire.Fault) { s.c.handleFault(f, false) }

// dialWorker builds a worker transport, treating a panicking factory as a
// failed one.
func dialWorker(ctx context.Context, factory WorkerFactory) (tr wire.Transport, err error) {
	defer func() {
		if r := recover(); r != nil {
			tr, err = nil, fmt.Errorf("worker factory panicked: %v", r)
		}
	}()
	tr, err = factory(ctx)
	if err == nil && tr == nil {
		err = errors.New("worker factory returned no transport")
	}
	return tr, err
}

// handshake probes a fresh worker with GET_STATE.
func handshake(ctx context.Context, rpc *rpcClient, timeout time.Duration) (host.State, error) {
	var st host.State
	_, env, err := rpc.call(ctx, wire.TypeGetState, nil, timeout)
	if err != nil {
		return st, err
	}
	if err := env.Decode(&st); err != nil {
		return st, fmt.Errorf("decode handshake state: %w", err)
	}
	return st, nil
}
