package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/simbridge/internal/controller"
	"github.com/roach88/simbridge/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Session  string
	Type     string // optional - filter calls to one request type
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ID         string `json:"id"`
	WorkerMode bool   `json:"worker_mode"`
	StartedAt  string `json:"started_at"`
}

// CallEvent is one routed request in the trace.
type CallEvent struct {
	Seq        int    `json:"seq"`
	RequestID  string `json:"request_id"`
	Type       string `json:"type"`
	DurationMS int64  `json:"duration_ms"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FaultEvent is one runtime fault in the trace.
type FaultEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Frame   uint64 `json:"frame"`
	At      string `json:"at"`
}

// SnapshotEvent summarizes one stored snapshot.
type SnapshotEvent struct {
	Frame      uint64 `json:"frame"`
	Tick       uint64 `json:"tick"`
	Entities   int    `json:"entities"`
	Codec      string `json:"codec"`
	RawSize    int    `json:"raw_size"`
	StoredSize int    `json:"stored_size"`
}

// TraceResult holds the complete trace output for one session.
type TraceResult struct {
	Session    string          `json:"session"`
	WorkerMode bool            `json:"worker_mode"`
	StartedAt  string          `json:"started_at"`
	Calls      []CallEvent     `json:"calls"`
	Faults     []FaultEvent    `json:"faults"`
	Snapshots  []SnapshotEvent `json:"snapshots"`
	Stats      TraceStats      `json:"stats"`
}

// TraceStats holds summary statistics for the session.
type TraceStats struct {
	Calls       int     `json:"calls"`
	FailedCalls int     `json:"failed_calls"`
	Faults      int     `json:"faults"`
	PerfSamples int     `json:"perf_samples"`
	Snapshots   int     `json:"snapshots"`
	AvgStepMS   float64 `json:"avg_step_ms"`
	StoredRatio float64 `json:"stored_ratio"`
	LastFrame   uint64  `json:"last_frame"`
	MaxEntities int     `json:"max_entities"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect a recorded journal",
		Long: `Read a SQLite journal written by run or serve.

Without --session, lists the recorded sessions. With --session, shows that
session's routed calls in order, its runtime faults, the sampled snapshots
and summary statistics.

Examples:
  simbridge trace --db ./run.db
  simbridge trace --db ./run.db --session 0190f3c2-...
  simbridge trace --db ./run.db --session 0190f3c2-... --type SET_SPEED --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session to trace (omit to list sessions)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter calls to one request type")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	// Opening would create an empty journal.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "journal not found", err)
	}
	j, err := journal.Open(opts.Database, journal.Options{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	sessions, err := j.Sessions(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read sessions", err)
	}

	if opts.Session == "" {
		list := make([]SessionSummary, len(sessions))
		for i, s := range sessions {
			list[i] = summarizeSession(s)
		}
		if opts.Format == "json" {
			return formatter.Success(list)
		}
		outputSessionsText(cmd.OutOrStdout(), list)
		return nil
	}

	var found *controller.SessionRecord
	for i := range sessions {
		if sessions[i].ID == opts.Session {
			found = &sessions[i]
			break
		}
	}
	if found == nil {
		if opts.Format == "json" {
			return formatter.Success(TraceResult{
				Session:   opts.Session,
				Calls:     []CallEvent{},
				Faults:    []FaultEvent{},
				Snapshots: []SnapshotEvent{},
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "No session found: %s\n", opts.Session)
		return nil
	}

	result, err := buildTrace(ctx, j, *found, opts.Type)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	if opts.Format == "json" {
		return formatter.Respond(CLIResponse{Status: "ok", Data: result, Session: result.Session})
	}
	return outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
}

func summarizeSession(s controller.SessionRecord) SessionSummary {
	return SessionSummary{
		ID:         s.ID,
		WorkerMode: s.WorkerMode,
		StartedAt:  s.StartedAt.UTC().Format(time.RFC3339Nano),
	}
}

// buildTrace reads everything recorded for one session. typeFilter limits
// the calls listed; the stats always count every call.
func buildTrace(ctx context.Context, j *journal.Journal, s controller.SessionRecord, typeFilter string) (TraceResult, error) {
	calls, err := j.Calls(ctx, s.ID)
	if err != nil {
		return TraceResult{}, err
	}
	faults, err := j.Faults(ctx, s.ID)
	if err != nil {
		return TraceResult{}, err
	}
	perf, err := j.Perf(ctx, s.ID)
	if err != nil {
		return TraceResult{}, err
	}
	snaps, err := j.Snapshots(ctx, s.ID)
	if err != nil {
		return TraceResult{}, err
	}

	summary := summarizeSession(s)
	result := TraceResult{
		Session:    summary.ID,
		WorkerMode: summary.WorkerMode,
		StartedAt:  summary.StartedAt,
		Calls:      []CallEvent{},
		Faults:     make([]FaultEvent, 0, len(faults)),
		Snapshots:  make([]SnapshotEvent, 0, len(snaps)),
	}

	for i, c := range calls {
		result.Stats.Calls++
		if c.Code != "" {
			result.Stats.FailedCalls++
		}
		if typeFilter != "" && string(c.Type) != typeFilter {
			continue
		}
		result.Calls = append(result.Calls, CallEvent{
			Seq:        i + 1,
			RequestID:  c.RequestID,
			Type:       string(c.Type),
			DurationMS: c.Duration.Milliseconds(),
			Code:       string(c.Code),
			Error:      c.Error,
		})
	}

	for _, f := range faults {
		result.Faults = append(result.Faults, FaultEvent{
			Code:    f.Code,
			Message: f.Message,
			Frame:   f.Frame,
			At:      f.At.UTC().Format(time.RFC3339Nano),
		})
	}
	result.Stats.Faults = len(faults)

	result.Stats.PerfSamples = len(perf)
	if n := len(perf); n > 0 {
		result.Stats.AvgStepMS = perf[n-1].Stats.AvgStepMillis
	}

	var raw, stored int
	for _, sn := range snaps {
		result.Snapshots = append(result.Snapshots, SnapshotEvent{
			Frame:      sn.Snapshot.FrameCount,
			Tick:       sn.Snapshot.State.Tick,
			Entities:   len(sn.Snapshot.Entities),
			Codec:      sn.Codec,
			RawSize:    sn.RawSize,
			StoredSize: sn.StoredSize,
		})
		raw += sn.RawSize
		stored += sn.StoredSize
		result.Stats.LastFrame = sn.Snapshot.FrameCount
		result.Stats.MaxEntities = max(result.Stats.MaxEntities, len(sn.Snapshot.Entities))
	}
	result.Stats.Snapshots = len(snaps)
	if raw > 0 {
		result.Stats.StoredRatio = float64(stored) / float64(raw)
	}

	return result, nil
}

func outputSessionsText(w io.Writer, sessions []SessionSummary) {
	fmt.Fprintln(w, "=== Sessions ===")
	if len(sessions) == 0 {
		fmt.Fprintln(w, "  (no sessions)")
		return
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "  %s  %-8s  %s\n", s.ID, backendName(s.WorkerMode), s.StartedAt)
	}
}

func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	fmt.Fprintf(w, "Trace for Session: %s\n", result.Session)
	fmt.Fprintf(w, "Backend: %s\n", backendName(result.WorkerMode))
	fmt.Fprintf(w, "Started: %s\n", result.StartedAt)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Calls ===")
	if len(result.Calls) == 0 {
		fmt.Fprintln(w, "  (no calls)")
	}
	for _, c := range result.Calls {
		outcome := "ok"
		if c.Code != "" {
			outcome = c.Code
		}
		fmt.Fprintf(w, "  [%d] %s -> %s (%dms)\n", c.Seq, c.Type, outcome, c.DurationMS)
		if verbose {
			fmt.Fprintf(w, "       ID: %s\n", c.RequestID)
			if c.Error != "" {
				fmt.Fprintf(w, "       Error: %s\n", c.Error)
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Faults ===")
	if len(result.Faults) == 0 {
		fmt.Fprintln(w, "  (no faults)")
	}
	for _, f := range result.Faults {
		fmt.Fprintf(w, "  [frame %d] %s: %s\n", f.Frame, f.Code, f.Message)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Snapshots ===")
	if len(result.Snapshots) == 0 {
		fmt.Fprintln(w, "  (no snapshots)")
	}
	for _, s := range result.Snapshots {
		fmt.Fprintf(w, "  [frame %s] tick=%s entities=%d %s %s/%s bytes\n",
			formatCount(s.Frame), formatCount(s.Tick), s.Entities, s.Codec,
			formatCount(s.StoredSize), formatCount(s.RawSize))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Calls:        %d (%d failed)\n", result.Stats.Calls, result.Stats.FailedCalls)
	fmt.Fprintf(w, "  Faults:       %d\n", result.Stats.Faults)
	fmt.Fprintf(w, "  Perf Samples: %d\n", result.Stats.PerfSamples)
	fmt.Fprintf(w, "  Snapshots:    %d\n", result.Stats.Snapshots)
	if result.Stats.Snapshots > 0 {
		fmt.Fprintf(w, "  Stored Ratio: %.2f\n", result.Stats.StoredRatio)
	}
	return nil
}

func backendName(worker bool) string {
	if worker {
		return "worker"
	}
	return "fallback"
}
