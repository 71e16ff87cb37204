package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/simbridge/internal/controller"
	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/wire"
)

var _ controller.Recorder = (*Journal)(nil)

// BeginSession inserts a session row. Re-recording a session id is a no-op.
func (j *Journal) BeginSession(ctx context.Context, s controller.SessionRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO sessions (id, worker_mode, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, s.ID, boolToInt(s.WorkerMode), s.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

// RecordCall inserts one call outcome. Duplicate (session, request id)
// pairs are ignored.
func (j *Journal) RecordCall(ctx context.Context, c controller.CallRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO calls (session_id, request_id, type, started_at, duration_ns, code, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		c.Session,
		c.RequestID,
		string(c.Type),
		c.Started.UnixNano(),
		c.Duration.Nanoseconds(),
		string(c.Code),
		c.Error,
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

func (j *Journal) RecordFault(ctx context.Context, f controller.FaultRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO faults (session_id, code, message, frame, at)
		VALUES (?, ?, ?, ?, ?)
	`, f.Session, f.Code, f.Message, int64(f.Frame), f.At.UnixNano())
	if err != nil {
		return fmt.Errorf("record fault: %w", err)
	}
	return nil
}

func (j *Journal) RecordPerf(ctx context.Context, session string, stats host.Stats, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO perf_samples (session_id, steps, avg_step_ms, steps_per_second, entity_count, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, session, int64(stats.Steps), stats.AvgStepMillis, stats.StepsPerSecond, stats.EntityCount, at.UnixNano())
	if err != nil {
		return fmt.Errorf("record perf: %w", err)
	}
	return nil
}

// RecordSnapshot stores snap if its frame falls on the sampling grid.
func (j *Journal) RecordSnapshot(ctx context.Context, session string, snap wire.Snapshot) error {
	if !j.keeps(snap.FrameCount) {
		return nil
	}

	raw, err := wire.Marshal(snap)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	payload, err := j.codec.Compress(raw)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, frame, tick, entity_count, codec, raw_size, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, frame) DO NOTHING
	`,
		session,
		int64(snap.FrameCount),
		int64(snap.State.Tick),
		len(snap.Entities),
		j.codec.Name(),
		len(raw),
		payload,
	)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

func (j *Journal) keeps(frame uint64) bool {
	if frame == 0 {
		return false
	}
	return (frame-1)%j.every == 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
