package wire

import (
	"errors"
	"log/slog"
	"sync"
)

// DefaultPipeBuffer is the per-direction frame buffer of NewPipe.
const DefaultPipeBuffer = 256

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport carries envelopes across a backend boundary.
//
// Messages is closed once the transport shuts down, from either side.
// Send is safe for concurrent use.
type Transport interface {
	Send(env Envelope) error
	Messages() <-chan Envelope
	Close() error
}

// Endpoint is one side of an in-process pipe. Envelopes are encoded to
// msgpack frames on Send and decoded on the receiving side, so the two ends
// never share payload memory.
type Endpoint struct {
	out  chan<- []byte
	in   <-chan []byte
	msgs chan Envelope
	done chan struct{}
	once *sync.Once
}

// NewPipe returns two connected endpoints. Closing either end closes both.
func NewPipe(buffer int) (*Endpoint, *Endpoint) {
	if buffer <= 0 {
		buffer = DefaultPipeBuffer
	}
	aToB := make(chan []byte, buffer)
	bToA := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &Endpoint{out: aToB, in: bToA, msgs: make(chan Envelope, buffer), done: done, once: once}
	b := &Endpoint{out: bToA, in: aToB, msgs: make(chan Envelope, buffer), done: done, once: once}
	go a.pump()
	go b.pump()
	return a, b
}

// pump decodes inbound frames until the pipe closes.
func (e *Endpoint) pump() {
	defer close(e.msgs)
	for {
		select {
		case <-e.done:
			return
		case frame := <-e.in:
			env, err := DecodeFrame(frame)
			if err != nil {
				slog.Warn("dropping undecodable frame", "bytes", len(frame), "error", err)
				continue
			}
			select {
			case e.msgs <- env:
			case <-e.done:
				return
			}
		}
	}
}

// Send encodes env and blocks until the frame is buffered or the pipe closes.
func (e *Endpoint) Send(env Envelope) error {
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.out <- frame:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

// Offer is a non-blocking Send. It reports false when the buffer is full.
// Stream traffic is best-effort and uses Offer so a slow reader cannot stall
// the sender's loop.
func (e *Endpoint) Offer(env Envelope) (bool, error) {
	frame, err := EncodeFrame(env)
	if err != nil {
		return false, err
	}
	select {
	case <-e.done:
		return false, ErrClosed
	default:
	}
	select {
	case e.out <- frame:
		return true, nil
	default:
		return false, nil
	}
}

func (e *Endpoint) Messages() <-chan Envelope {
	return e.msgs
}

// Done is closed when the pipe shuts down.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Close shuts down both ends. It is idempotent.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

var _ Transport = (*Endpoint)(nil)
