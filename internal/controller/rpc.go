package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/simbridge/internal/wire"
)

type result struct {
	env wire.Envelope
	err error
}

// pendingRequest is one entry of the pending table. done has room for
// exactly one result and receives it from whichever path removes the entry.
type pendingRequest struct {
	id     string
	seq    int64
	typ    wire.Type
	expect wire.Type
	done   chan result
	timer  *time.Timer
}

// rpcHooks receives what the client cannot settle itself.
type rpcHooks struct {
	// stream is called for unsolicited messages.
	stream func(env wire.Envelope)
	// closed is called once if the transport closes while the client is open.
	closed func()
}

// rpcClient correlates requests and replies over a transport.
//
// Every entry leaves the table exactly once, by reply, timeout, caller
// cancellation, transport closure or disposal; the path that deletes it
// under the lock is the only one that sends to done.
type rpcClient struct {
	tr      wire.Transport
	clock   *Clock
	timeout time.Duration
	hooks   rpcHooks
	stats   *messageStats
	log     *slog.Logger

	mu         sync.Mutex
	pending    map[string]*pendingRequest
	tombstones map[wire.Type][]time.Time
	closeCode  ErrorCode
	now        func() time.Time

	readerDone chan struct{}
}

// newRPCClient wraps tr. Set hooks before calling start.
func newRPCClient(tr wire.Transport, clock *Clock, timeout time.Duration, stats *messageStats, log *slog.Logger) *rpcClient {
	return &rpcClient{
		tr:         tr,
		clock:      clock,
		timeout:    timeout,
		stats:      stats,
		log:        log,
		pending:    make(map[string]*pendingRequest),
		tombstones: make(map[wire.Type][]time.Time),
		now:        time.Now,
		readerDone: make(chan struct{}),
	}
}

// start launches the reader goroutine.
func (c *rpcClient) start() {
	go c.read()
}

// call sends a request and waits for its reply. A zero timeout uses the
// client default.
func (c *rpcClient) call(ctx context.Context, t wire.Type, payload any, timeout time.Duration) (string, wire.Envelope, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()
	if c.closeCode != "" {
		code := c.closeCode
		c.mu.Unlock()
		return "", wire.Envelope{}, newRequestError(code, "", t, "transport is not accepting requests", nil)
	}
	seq := c.clock.Next()
	p := &pendingRequest{
		id:   strconv.FormatInt(seq, 10),
		seq:  seq,
		typ:  t,
		done: make(chan result, 1),
	}
	req, err := wire.NewRequest(t, p.id, payload)
	if err != nil {
		c.mu.Unlock()
		return p.id, wire.Envelope{}, fmt.Errorf("build %s request: %w", t, err)
	}
	p.expect, _ = wire.ResponseFor(t)
	c.pending[p.id] = p
	p.timer = time.AfterFunc(timeout, func() { c.expire(p.id, timeout) })
	c.mu.Unlock()

	// The timer and ctx bound the call even while Send blocks.
	sent := make(chan error, 1)
	go func() { sent <- c.tr.Send(req) }()

	for {
		select {
		case err := <-sent:
			sent = nil
			if err != nil {
				code := CodeClosed
				if !errors.Is(err, wire.ErrClosed) {
					code = CodeFault
				}
				c.settle(p.id, result{err: newRequestError(code, p.id, t, "send failed", err)})
			}
		case res := <-p.done:
			return p.id, res.env, res.err
		case <-ctx.Done():
			c.settle(p.id, result{err: newRequestError(CodeCanceled, p.id, t, "caller gave up", ctx.Err())})
			// Either the cancellation or a racing settlement filled done.
			res := <-p.done
			return p.id, res.env, res.err
		}
	}
}

// settle removes id and delivers res. It reports false if id was already
// removed.
func (c *rpcClient) settle(id string, res result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settleLocked(id, res)
}

func (c *rpcClient) settleLocked(id string, res result) bool {
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	p.timer.Stop()
	p.done <- res
	return true
}

// expire rejects id with a timeout and leaves a tombstone for its reply type
// so an uncorrelated late reply is absorbed rather than matched to a newer
// request.
func (c *rpcClient) expire(id string, window time.Duration) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.tombstones[p.expect] = append(c.tombstones[p.expect], c.now().Add(window))
	err := newRequestError(CodeTimeout, id, p.typ, fmt.Sprintf("no %s within %s", p.expect, window), nil)
	c.settleLocked(id, result{err: err})
	c.mu.Unlock()

	c.stats.failed.Add(1)
	c.log.Warn("request timed out", "type", p.typ, "request_id", id, "timeout", window)
}

// read drains the transport until it closes.
func (c *rpcClient) read() {
	defer close(c.readerDone)
	for env := range c.tr.Messages() {
		c.receive(env)
	}

	c.mu.Lock()
	unexpected := c.closeCode == ""
	if unexpected {
		c.closeCode = CodeClosed
		c.rejectAllLocked(CodeClosed, "transport closed")
	}
	c.mu.Unlock()

	if unexpected && c.hooks.closed != nil {
		c.hooks.closed()
	}
}

// receive routes one inbound envelope.
func (c *rpcClient) receive(env wire.Envelope) {
	if env.RequestID == "" && wire.IsStream(env.Type) {
		if c.hooks.stream != nil {
			c.hooks.stream(env)
		}
		return
	}
	c.stats.total.Add(1)

	c.mu.Lock()
	p := c.matchLocked(env)
	if p == nil {
		c.mu.Unlock()
		c.log.Debug("dropping unmatched reply", "type", env.Type, "request_id", env.RequestID)
		return
	}

	res := result{env: env}
	faulted := env.Type == wire.TypeFault
	if faulted {
		var f wire.Fault
		if err := env.Decode(&f); err != nil {
			f = wire.Fault{Code: wire.FaultHost, Message: err.Error()}
		}
		rerr := newRequestError(CodeFault, p.id, p.typ, f.Message, errors.New(f.Message))
		rerr.FaultCode = f.Code
		res = result{err: rerr}
	} else if env.Type != p.expect {
		res = result{err: newRequestError(CodeFault, p.id, p.typ,
			fmt.Sprintf("unexpected reply %s, want %s", env.Type, p.expect), nil)}
		faulted = true
	}
	c.settleLocked(p.id, res)
	c.mu.Unlock()

	if faulted {
		c.stats.failed.Add(1)
	}
}

// matchLocked finds the pending entry env answers, or nil. Id-carrying
// messages match only by id. Id-less messages first consume a live
// tombstone of their type, then match the oldest entry expecting that type.
func (c *rpcClient) matchLocked(env wire.Envelope) *pendingRequest {
	if env.RequestID != "" {
		return c.pending[env.RequestID]
	}

	if stones := c.liveTombstonesLocked(env.Type); len(stones) > 0 {
		c.tombstones[env.Type] = stones[1:]
		c.log.Debug("absorbed late uncorrelated reply", "type", env.Type)
		return nil
	}

	var oldest *pendingRequest
	for _, p := range c.pending {
		if p.expect != env.Type {
			continue
		}
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	return oldest
}

func (c *rpcClient) liveTombstonesLocked(t wire.Type) []time.Time {
	stones := c.tombstones[t]
	now := c.now()
	i := 0
	for i < len(stones) && !stones[i].After(now) {
		i++
	}
	stones = stones[i:]
	if len(stones) == 0 {
		delete(c.tombstones, t)
		return nil
	}
	c.tombstones[t] = stones
	return stones
}

func (c *rpcClient) rejectAllLocked(code ErrorCode, msg string) int {
	n := 0
	for id, p := range c.pending {
		if c.settleLocked(id, result{err: newRequestError(code, id, p.typ, msg, nil)}) {
			n++
		}
	}
	return n
}

// pendingCount returns the number of unsettled requests.
func (c *rpcClient) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// close rejects everything pending with code and closes the transport.
// Only the first call has any effect.
func (c *rpcClient) close(code ErrorCode) {
	c.mu.Lock()
	if c.closeCode != "" {
		c.mu.Unlock()
		return
	}
	c.closeCode = code
	n := c.rejectAllLocked(code, "controller shutting down")
	c.mu.Unlock()

	if n > 0 {
		c.log.Debug("rejected pending requests", "count", n, "code", code)
	}
	if err := c.tr.Close(); err != nil {
		c.log.Warn("failed to close transport", "error", err)
	}
}
