// Package relay fans controller snapshots out to websocket subscribers.
//
// Each frame is sent as one binary message holding the msgpack-encoded
// snapshot. A subscriber whose queue is full is dropped rather than
// slowing the publisher; new subscribers receive the latest frame first.
package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/simbridge/internal/wire"
)

const (
	// DefaultQueue is the per-subscriber backlog before it is dropped.
	DefaultQueue = 8
	writeWait    = 2 * time.Second
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("relay closed")

// Options tunes a Hub.
type Options struct {
	Queue  int
	Logger *slog.Logger
}

// Hub is an http.Handler that upgrades requests to websocket subscriptions.
type Hub struct {
	upgrader websocket.Upgrader
	queue    int
	log      *slog.Logger

	mu        sync.Mutex
	subs      map[*subscriber]struct{}
	latest    []byte
	lastFrame uint64
	dropped   uint64
	closed    bool
}

type subscriber struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
	once   sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.send) })
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	if opts.Queue <= 0 {
		opts.Queue = DefaultQueue
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		queue: opts.Queue,
		log:   opts.Logger,
		subs:  make(map[*subscriber]struct{}),
	}
}

// Publish encodes snap and queues it for every subscriber. Frames at or
// below the last published frame are ignored.
func (h *Hub) Publish(snap wire.Snapshot) error {
	data, err := wire.Marshal(snap)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if snap.FrameCount <= h.lastFrame && h.latest != nil {
		return nil
	}
	h.latest = data
	h.lastFrame = snap.FrameCount

	for s := range h.subs {
		select {
		case s.send <- data:
		default:
			delete(h.subs, s)
			s.stop()
			h.dropped++
			h.log.Warn("dropping slow subscriber",
				"remote", s.remote,
				"frame", snap.FrameCount,
				"event", "subscriber_dropped")
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many subscribers were dropped for falling behind.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every subscriber. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		s.stop()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := &subscriber{conn: conn, remote: conn.RemoteAddr().String(), send: make(chan []byte, h.queue)}
	if !h.add(s) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closed")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.log.Debug("subscriber joined", "remote", s.remote, "event", "subscriber_joined")

	go h.read(s)
	h.write(s)
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.latest != nil {
		s.send <- h.latest
	}
	h.subs[s] = struct{}{}
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.stop()
}

// read discards client frames and detects disconnects.
func (h *Hub) read(s *subscriber) {
	defer h.remove(s)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) write(s *subscriber) {
	defer s.conn.Close()
	for data := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			h.remove(s)
			return
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
