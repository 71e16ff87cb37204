package controller

import (
	"sync"

	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/wire"
)

// Stream holds the single-subscriber callback slots for unsolicited backend
// output and caches the latest snapshot and performance sample.
//
// Callbacks run on the publishing goroutine with no lock held, so they may
// call back into the controller. Registering a callback replaces the
// previous one; nil clears the slot.
type Stream struct {
	mu         sync.Mutex
	onSnapshot func(wire.Snapshot)
	onPerf     func(host.Stats)
	onError    func(error)
	latest     *wire.Snapshot
	latestPerf *host.Stats
	closed     bool
}

func (s *Stream) SetSnapshotHandler(fn func(wire.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSnapshot = fn
}

func (s *Stream) SetPerfHandler(fn func(host.Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPerf = fn
}

func (s *Stream) SetErrorHandler(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// PublishSnapshot caches snap and delivers it. A snapshot whose frame count
// does not advance past the cached one is dropped; the return value reports
// whether snap was accepted.
func (s *Stream) PublishSnapshot(snap wire.Snapshot) bool {
	s.mu.Lock()
	if s.closed || (s.latest != nil && snap.FrameCount <= s.latest.FrameCount) {
		s.mu.Unlock()
		return false
	}
	s.latest = &snap
	fn := s.onSnapshot
	s.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return true
}

func (s *Stream) PublishPerf(stats host.Stats) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.latestPerf = &stats
	fn := s.onPerf
	s.mu.Unlock()

	if fn != nil {
		fn(stats)
	}
}

func (s *Stream) PublishError(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn := s.onError
	s.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// Latest returns the most recent accepted snapshot.
func (s *Stream) Latest() (wire.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return wire.Snapshot{}, false
	}
	return *s.latest, true
}

// LatestPerf returns the most recent performance sample.
func (s *Stream) LatestPerf() (host.Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestPerf == nil {
		return host.Stats{}, false
	}
	return *s.latestPerf, true
}

// Close stops all further deliveries. Cached values stay readable.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.onSnapshot, s.onPerf, s.onError = nil, nil, nil
}
