// Package testutil provides deterministic collaborators for tests: a
// scripted transport standing in for a worker, and a fixed session id
// generator for golden traces.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/simbridge/internal/wire"
)

// Reply is one envelope a Responder wants delivered after Delay.
type Reply struct {
	Env   wire.Envelope
	Delay time.Duration
}

// Responder decides how the fake worker answers a request. Returning no
// replies leaves the request unanswered.
type Responder func(req wire.Envelope) []Reply

// FakeTransport is a wire.Transport whose far side is a Responder.
//
// Replies are delivered from timers, so several requests in flight resolve
// in delay order rather than send order. Thread-safety: all methods are
// safe for concurrent use.
type FakeTransport struct {
	mu        sync.Mutex
	respond   Responder
	msgs      chan wire.Envelope
	sent      []wire.Envelope
	timers    []*time.Timer
	closed    bool
	closeHits int
	dropped   int
}

// NewFakeTransport returns a transport answering with respond. A nil
// respond never answers.
func NewFakeTransport(respond Responder) *FakeTransport {
	if respond == nil {
		respond = Silent()
	}
	return &FakeTransport{
		respond: respond,
		msgs:    make(chan wire.Envelope, 256),
	}
}

// Dialer returns a worker factory handing out f.
func (f *FakeTransport) Dialer() func(ctx context.Context) (wire.Transport, error) {
	return func(ctx context.Context) (wire.Transport, error) {
		return f, nil
	}
}

func (f *FakeTransport) Send(env wire.Envelope) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return wire.ErrClosed
	}
	f.sent = append(f.sent, env)
	respond := f.respond
	f.mu.Unlock()

	for _, r := range respond(env) {
		f.schedule(r)
	}
	return nil
}

func (f *FakeTransport) schedule(r Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	env := r.Env
	f.timers = append(f.timers, time.AfterFunc(r.Delay, func() { f.Push(env) }))
}

// Push delivers env as if the worker had sent it.
func (f *FakeTransport) Push(env wire.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.msgs <- env:
	default:
		f.dropped++
	}
}

func (f *FakeTransport) Messages() <-chan wire.Envelope {
	return f.msgs
}

// Close stops pending replies and closes Messages. Idempotent.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeHits++
	if f.closed {
		return nil
	}
	f.closed = true
	for _, t := range f.timers {
		t.Stop()
	}
	close(f.msgs)
	return nil
}

// SetResponder swaps the answering strategy for later requests.
func (f *FakeTransport) SetResponder(respond Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = respond
}

// Sent returns a copy of every envelope sent so far.
func (f *FakeTransport) Sent() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Envelope(nil), f.sent...)
}

// SentTypes returns the types of every envelope sent so far.
func (f *FakeTransport) SentTypes() []wire.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]wire.Type, len(f.sent))
	for i, env := range f.sent {
		types[i] = env.Type
	}
	return types
}

func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// CloseCalls counts Close invocations, including repeated ones.
func (f *FakeTransport) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeHits
}

var _ wire.Transport = (*FakeTransport)(nil)

// Silent never answers.
func Silent() Responder {
	return func(wire.Envelope) []Reply { return nil }
}

// Answer replies to every request with payload(req) after delay(req).
func Answer(payload func(req wire.Envelope) any, delay func(req wire.Envelope) time.Duration) Responder {
	return func(req wire.Envelope) []Reply {
		reply, err := wire.NewReply(req, payload(req))
		if err != nil {
			return nil
		}
		var d time.Duration
		if delay != nil {
			d = delay(req)
		}
		return []Reply{{Env: reply, Delay: d}}
	}
}

// AnswerWith replies immediately to every request with the same payload.
func AnswerWith(payload any) Responder {
	return Answer(func(wire.Envelope) any { return payload }, nil)
}

// FirstN answers the first n requests with respond and ignores the rest.
func FirstN(n int, respond Responder) Responder {
	var mu sync.Mutex
	seen := 0
	return func(req wire.Envelope) []Reply {
		mu.Lock()
		seen++
		ok := seen <= n
		mu.Unlock()
		if !ok {
			return nil
		}
		return respond(req)
	}
}

// StripIDs wraps respond so replies omit the request id, like a worker that
// does not echo correlation ids.
func StripIDs(respond Responder) Responder {
	return func(req wire.Envelope) []Reply {
		replies := respond(req)
		for i := range replies {
			replies[i].Env.RequestID = ""
		}
		return replies
	}
}

// FaultWith replies to every request with a FAULT carrying code and message.
func FaultWith(code, message string) Responder {
	return func(req wire.Envelope) []Reply {
		return []Reply{{Env: wire.NewFaultReply(req, code, faultMessage(message))}}
	}
}

type faultMessage string

func (m faultMessage) Error() string { return string(m) }
