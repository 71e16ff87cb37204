package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simbridge/internal/controller"
	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/wire"
)

func openTest(t *testing.T, opts Options) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func beginTest(t *testing.T, j *Journal, id string) {
	t.Helper()
	err := j.BeginSession(context.Background(), controller.SessionRecord{
		ID:         id,
		WorkerMode: true,
		StartedAt:  time.Unix(1700000000, 0),
	})
	require.NoError(t, err)
}

func snapshotAt(frame uint64, entities int) wire.Snapshot {
	snap := wire.Snapshot{
		FrameCount: frame,
		State:      host.State{Initialized: true, Running: true, Tick: frame, EntityCount: entities, Speed: 1},
		Fields: []host.Field{{
			Name: "nutrient", Width: 2, Height: 2, Values: []float64{0.25, 0.5, 0.75, 1},
		}},
		Environment: host.Environment{Width: 100, Height: 100, Temperature: 20},
	}
	for i := 0; i < entities; i++ {
		snap.Entities = append(snap.Entities, host.Entity{
			ID:       uint64(i + 1),
			Position: host.Position{X: float64(i), Y: float64(i) * 2},
			Energy:   1,
		})
	}
	return snap
}

func TestOpen_CreatesFileAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path, Options{})
	require.NoError(t, err)
	defer j.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)

	version, err := j.schemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
	assert.Equal(t, "zstd", j.Codec().Name())
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	for i := 0; i < 3; i++ {
		j, err := Open(path, Options{Codec: "snappy"})
		require.NoError(t, err, "open iteration %d", i)
		require.NoError(t, j.Close())
	}
}

func TestOpen_UnknownCodec(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "journal.db"), Options{Codec: "lz4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lz4")
}

func TestBeginSession_Idempotent(t *testing.T) {
	j := openTest(t, Options{})
	beginTest(t, j, "s1")
	beginTest(t, j, "s1")
	beginTest(t, j, "s0")

	sessions, err := j.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s0", sessions[0].ID, "equal start times order by id")
	assert.Equal(t, "s1", sessions[1].ID)
	assert.True(t, sessions[1].WorkerMode)
	assert.Equal(t, int64(1700000000), sessions[1].StartedAt.Unix())
}

func TestReads_EmptyNotNil(t *testing.T) {
	j := openTest(t, Options{})
	ctx := context.Background()

	sessions, err := j.Sessions(ctx)
	require.NoError(t, err)
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)

	calls, err := j.Calls(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, calls)

	faults, err := j.Faults(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, faults)

	perf, err := j.Perf(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, perf)

	snaps, err := j.Snapshots(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, snaps)
}

func TestRecordCall_OrderAndDuplicates(t *testing.T) {
	j := openTest(t, Options{})
	ctx := context.Background()
	beginTest(t, j, "s1")

	started := time.Unix(1700000001, 0)
	records := []controller.CallRecord{
		{Session: "s1", RequestID: "2", Type: wire.TypeInit, Started: started, Duration: 3 * time.Millisecond},
		{Session: "s1", RequestID: "3", Type: wire.TypeStart, Started: started, Duration: time.Millisecond},
		{Session: "s1", RequestID: "4", Type: wire.TypeSetSpeed, Started: started, Duration: 100 * time.Millisecond,
			Code: controller.CodeTimeout, Error: "TIMEOUT SET_SPEED#4: no reply"},
		{Session: "s1", RequestID: "3", Type: wire.TypeStart, Started: started},
	}
	for _, r := range records {
		require.NoError(t, j.RecordCall(ctx, r))
	}

	calls, err := j.Calls(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, calls, 3, "duplicate request id is ignored")

	assert.Equal(t, []string{"2", "3", "4"}, []string{calls[0].RequestID, calls[1].RequestID, calls[2].RequestID})
	assert.Equal(t, wire.TypeInit, calls[0].Type)
	assert.Equal(t, 3*time.Millisecond, calls[0].Duration)
	assert.Empty(t, calls[1].Code)
	assert.Equal(t, controller.CodeTimeout, calls[2].Code)
	assert.Contains(t, calls[2].Error, "SET_SPEED#4")
	assert.Equal(t, "s1", calls[2].Session)
}

func TestRecordFaultAndPerf(t *testing.T) {
	j := openTest(t, Options{})
	ctx := context.Background()
	beginTest(t, j, "s1")
	at := time.Unix(1700000002, 0)

	require.NoError(t, j.RecordFault(ctx, controller.FaultRecord{
		Session: "s1", Code: wire.FaultStep, Message: "boom", Frame: 12, At: at,
	}))
	require.NoError(t, j.RecordFault(ctx, controller.FaultRecord{
		Session: "s1", Code: wire.FaultHalted, Message: "halted", Frame: 12, At: at,
	}))
	require.NoError(t, j.RecordPerf(ctx, "s1", host.Stats{
		Steps: 60, AvgStepMillis: 0.5, StepsPerSecond: 59.5, EntityCount: 8,
	}, at))

	faults, err := j.Faults(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, faults, 2)
	assert.Equal(t, wire.FaultStep, faults[0].Code)
	assert.Equal(t, wire.FaultHalted, faults[1].Code)
	assert.Equal(t, uint64(12), faults[0].Frame)
	assert.True(t, faults[0].At.Equal(at))

	perf, err := j.Perf(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, perf, 1)
	assert.Equal(t, uint64(60), perf[0].Stats.Steps)
	assert.InDelta(t, 59.5, perf[0].Stats.StepsPerSecond, 1e-9)
	assert.Equal(t, 8, perf[0].Stats.EntityCount)
}

func TestRecordFault_UnknownSessionRejected(t *testing.T) {
	j := openTest(t, Options{})

	err := j.RecordFault(context.Background(), controller.FaultRecord{Session: "ghost", Code: wire.FaultStep})
	assert.Error(t, err, "foreign keys are enforced")
}

func TestRecordSnapshot_SamplesAndRoundTrips(t *testing.T) {
	for _, codec := range []string{"zstd", "snappy"} {
		t.Run(codec, func(t *testing.T) {
			j := openTest(t, Options{Codec: codec, SnapshotEvery: 3})
			ctx := context.Background()
			beginTest(t, j, "s1")

			for frame := uint64(1); frame <= 7; frame++ {
				require.NoError(t, j.RecordSnapshot(ctx, "s1", snapshotAt(frame, 5)))
			}
			// Same frame again is ignored.
			require.NoError(t, j.RecordSnapshot(ctx, "s1", snapshotAt(4, 9)))

			snaps, err := j.Snapshots(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, snaps, 3)

			var frames []uint64
			for _, s := range snaps {
				frames = append(frames, s.Snapshot.FrameCount)
				assert.Equal(t, codec, s.Codec)
				assert.Positive(t, s.RawSize)
				assert.Positive(t, s.StoredSize)
			}
			assert.Equal(t, []uint64{1, 4, 7}, frames)

			got := snaps[1].Snapshot
			require.Len(t, got.Entities, 5)
			assert.Equal(t, uint64(3), got.Entities[2].ID)
			assert.InDelta(t, 4.0, got.Entities[2].Position.Y, 1e-9)
			assert.Equal(t, uint64(4), got.State.Tick)
			require.Len(t, got.Fields, 1)
			assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, got.Fields[0].Values)
			assert.InDelta(t, 20.0, got.Environment.Temperature, 1e-9)
		})
	}
}

func TestSnapshots_ReadWithWriterCodec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	w, err := Open(path, Options{Codec: "snappy", SnapshotEvery: 1})
	require.NoError(t, err)
	beginTest(t, w, "s1")
	require.NoError(t, w.RecordSnapshot(ctx, "s1", snapshotAt(1, 2)))
	require.NoError(t, w.Close())

	r, err := Open(path, Options{Codec: "zstd"})
	require.NoError(t, err)
	defer r.Close()

	snaps, err := r.Snapshots(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "snappy", snaps[0].Codec)
	assert.Len(t, snaps[0].Snapshot.Entities, 2)
}

func TestRecordSnapshot_FrameZeroSkipped(t *testing.T) {
	j := openTest(t, Options{SnapshotEvery: 1})
	ctx := context.Background()
	beginTest(t, j, "s1")

	require.NoError(t, j.RecordSnapshot(ctx, "s1", snapshotAt(0, 1)))

	snaps, err := j.Snapshots(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestCodec_RoundTrip(t *testing.T) {
	src := []byte("the quick brown fox jumps over the lazy dog, again and again and again")
	for _, name := range []string{"", "zstd", "snappy"} {
		c, err := CodecByName(name)
		require.NoError(t, err)

		packed, err := c.Compress(src)
		require.NoError(t, err)
		out, err := c.Decompress(packed)
		require.NoError(t, err)
		assert.Equal(t, src, out, "codec %q", name)
	}

	c, err := CodecByName("snappy")
	require.NoError(t, err)
	_, err = c.Decompress([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
