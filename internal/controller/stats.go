package controller

import "sync/atomic"

// MessageStats is a point-in-time copy of the controller's counters.
type MessageStats struct {
	// TotalMessages counts replies received from the backend.
	TotalMessages uint64 `json:"total_messages"`
	// FailedMessages counts requests that timed out or were answered with a
	// FAULT.
	FailedMessages uint64 `json:"failed_messages"`
	// WorkerErrors counts runtime faults raised by the active backend.
	WorkerErrors uint64 `json:"worker_errors"`
	// Pending is the number of requests awaiting a reply.
	Pending int `json:"pending"`
}

type messageStats struct {
	total  atomic.Uint64
	failed atomic.Uint64
	errors atomic.Uint64
}

func (s *messageStats) snapshot() MessageStats {
	return MessageStats{
		TotalMessages:  s.total.Load(),
		FailedMessages: s.failed.Load(),
		WorkerErrors:   s.errors.Load(),
	}
}
