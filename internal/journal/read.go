package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/simbridge/internal/controller"
	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/wire"
)

// PerfSample is one stored performance sample.
type PerfSample struct {
	Stats host.Stats
	At    time.Time
}

// StoredSnapshot is one stored snapshot with its storage metadata.
type StoredSnapshot struct {
	Snapshot   wire.Snapshot
	Codec      string
	RawSize    int
	StoredSize int
}

// Sessions returns every session ordered by start time, then id.
// Returns an empty slice (not nil) for an empty journal.
func (j *Journal) Sessions(ctx context.Context) ([]controller.SessionRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, worker_mode, started_at
		FROM sessions
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []controller.SessionRecord{}
	for rows.Next() {
		var (
			s       controller.SessionRecord
			worker  int
			started int64
		)
		if err := rows.Scan(&s.ID, &worker, &started); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.WorkerMode = worker != 0
		s.StartedAt = time.Unix(0, started)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Calls returns the session's calls in recording order.
func (j *Journal) Calls(ctx context.Context, session string) ([]controller.CallRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT request_id, type, started_at, duration_ns, code, error
		FROM calls
		WHERE session_id = ?
		ORDER BY seq ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	calls := []controller.CallRecord{}
	for rows.Next() {
		var (
			c             controller.CallRecord
			typ, code     string
			started, nano int64
		)
		if err := rows.Scan(&c.RequestID, &typ, &started, &nano, &code, &c.Error); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		c.Session = session
		c.Type = wire.Type(typ)
		c.Code = controller.ErrorCode(code)
		c.Started = time.Unix(0, started)
		c.Duration = time.Duration(nano)
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return calls, nil
}

// Faults returns the session's faults in recording order.
func (j *Journal) Faults(ctx context.Context, session string) ([]controller.FaultRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT code, message, frame, at
		FROM faults
		WHERE session_id = ?
		ORDER BY seq ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query faults: %w", err)
	}
	defer rows.Close()

	faults := []controller.FaultRecord{}
	for rows.Next() {
		var (
			f     controller.FaultRecord
			frame int64
			at    int64
		)
		if err := rows.Scan(&f.Code, &f.Message, &frame, &at); err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		f.Session = session
		f.Frame = uint64(frame)
		f.At = time.Unix(0, at)
		faults = append(faults, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faults: %w", err)
	}
	return faults, nil
}

// Perf returns the session's performance samples in recording order.
func (j *Journal) Perf(ctx context.Context, session string) ([]PerfSample, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT steps, avg_step_ms, steps_per_second, entity_count, at
		FROM perf_samples
		WHERE session_id = ?
		ORDER BY seq ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query perf samples: %w", err)
	}
	defer rows.Close()

	samples := []PerfSample{}
	for rows.Next() {
		var (
			p     PerfSample
			steps int64
			at    int64
		)
		if err := rows.Scan(&steps, &p.Stats.AvgStepMillis, &p.Stats.StepsPerSecond, &p.Stats.EntityCount, &at); err != nil {
			return nil, fmt.Errorf("scan perf sample: %w", err)
		}
		p.Stats.Steps = uint64(steps)
		p.At = time.Unix(0, at)
		samples = append(samples, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate perf samples: %w", err)
	}
	return samples, nil
}

// Snapshots returns the session's stored snapshots ordered by frame,
// decompressed with whichever codec wrote each row.
func (j *Journal) Snapshots(ctx context.Context, session string) ([]StoredSnapshot, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT codec, raw_size, payload
		FROM snapshots
		WHERE session_id = ?
		ORDER BY frame ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	codecs := map[string]Codec{j.codec.Name(): j.codec}
	snaps := []StoredSnapshot{}
	for rows.Next() {
		s, err := scanSnapshot(rows, codecs)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

func scanSnapshot(rows *sql.Rows, codecs map[string]Codec) (StoredSnapshot, error) {
	var (
		s       StoredSnapshot
		payload []byte
	)
	if err := rows.Scan(&s.Codec, &s.RawSize, &payload); err != nil {
		return s, fmt.Errorf("scan snapshot: %w", err)
	}
	s.StoredSize = len(payload)

	codec, ok := codecs[s.Codec]
	if !ok {
		var err error
		if codec, err = CodecByName(s.Codec); err != nil {
			return s, err
		}
		codecs[s.Codec] = codec
	}
	raw, err := codec.Decompress(payload)
	if err != nil {
		return s, err
	}
	if err := wire.Unmarshal(raw, &s.Snapshot); err != nil {
		return s, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
