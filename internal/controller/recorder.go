package controller

import (
	"context"
	"time"

	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/wire"
)

// SessionRecord describes one initialized controller.
type SessionRecord struct {
	ID         string
	WorkerMode bool
	StartedAt  time.Time
}

// CallRecord describes one routed request and its outcome.
type CallRecord struct {
	Session   string
	RequestID string
	Type      wire.Type
	Started   time.Time
	Duration  time.Duration
	// Code is empty on success.
	Code  ErrorCode
	Error string
}

// FaultRecord describes one runtime fault.
type FaultRecord struct {
	Session string
	Code    string
	Message string
	Frame   uint64
	At      time.Time
}

// Recorder persists controller activity. Errors are logged and never fail
// the operation being recorded.
type Recorder interface {
	BeginSession(ctx context.Context, s SessionRecord) error
	RecordCall(ctx context.Context, c CallRecord) error
	RecordFault(ctx context.Context, f FaultRecord) error
	RecordPerf(ctx context.Context, session string, stats host.Stats, at time.Time) error
	RecordSnapshot(ctx context.Context, session string, snap wire.Snapshot) error
}
