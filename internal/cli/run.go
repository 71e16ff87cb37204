package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/simbridge/internal/controller"
	"github.com/roach88/simbridge/internal/host"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Duration time.Duration
	Mode     string
	Journal  string
	Entities int
	Speed    float64

	// Host overrides the simulation (for testing). Defaults to the sandbox.
	Host host.Factory
}

// RunSummary is the result of one run.
type RunSummary struct {
	Session     string                  `json:"session"`
	Backend     string                  `json:"backend"`
	Duration    string                  `json:"duration"`
	Frames      uint64                  `json:"frames"`
	Tick        uint64                  `json:"tick"`
	EntityCount int                     `json:"entity_count"`
	SimSeconds  float64                 `json:"sim_seconds"`
	Perf        []host.Stats            `json:"perf"`
	Faults      []string                `json:"faults"`
	Messages    controller.MessageStats `json:"messages"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation for a fixed duration",
		Long: `Initialize a backend, configure and start the simulation, and let it run
for --duration (or until interrupted). Performance samples are printed as
they arrive; a summary follows once the simulation is stopped.

The worker backend is tried first unless --mode says otherwise. When a
journal path is configured, every call, fault, performance sample and a
sampled subset of snapshots is recorded to it.

Examples:
  simbridge run --duration 10s
  simbridge run --mode fallback --entities 50 --speed 2
  simbridge run --config sim.yaml --journal ./run.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(opts, cmd)
		},
	}

	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 5*time.Second, "how long to run")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "backend mode override (auto|worker|fallback)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal (overrides config)")
	cmd.Flags().IntVar(&opts.Entities, "entities", 0, "extra entities to add before starting")
	cmd.Flags().Float64Var(&opts.Speed, "speed", 0, "speed multiplier (0 keeps the default)")

	return cmd
}

// lockedWriter serializes writes from stream callbacks and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func runSimulation(opts *RunOptions, cmd *cobra.Command) error {
	if opts.Duration <= 0 {
		return NewExitError(ExitCommandError, "--duration must be positive")
	}
	if opts.Entities < 0 {
		return NewExitError(ExitCommandError, "--entities must be non-negative")
	}

	log := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	s, err := openSession(cfg, sessionOptions{Mode: opts.Mode, Journal: opts.Journal, Host: opts.Host}, log)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := signalContext(cmd, log)
	defer cancel()

	out := &lockedWriter{w: cmd.OutOrStdout()}
	text := opts.Format != "json"

	var (
		mu     sync.Mutex
		perf   = []host.Stats{}
		faults = []string{}
	)
	s.ctrl.OnPerformanceUpdate(func(st host.Stats) {
		mu.Lock()
		perf = append(perf, st)
		mu.Unlock()
		if text {
			out.Printf("  [perf] steps=%s avg=%.3fms sps=%.1f entities=%d\n",
				formatCount(st.Steps), st.AvgStepMillis, st.StepsPerSecond, st.EntityCount)
		}
	})
	s.ctrl.OnError(func(err error) {
		mu.Lock()
		faults = append(faults, err.Error())
		mu.Unlock()
		log.Warn("backend fault", "event", "backend_fault", "error", err)
		if text {
			out.Printf("  [fault] %v\n", err)
		}
	})

	if _, err := s.start(ctx, cfg.Simulation); err != nil {
		return err
	}
	if text {
		out.Printf("Backend: %s (session %s)\n", s.backend(), s.ctrl.Session())
	}

	if opts.Entities > 0 {
		if _, err := s.ctrl.AddEntities(ctx, opts.Entities, nil); err != nil {
			return WrapExitError(ExitFailure, "failed to add entities", err)
		}
	}
	if opts.Speed > 0 {
		if _, err := s.ctrl.SetSimulationSpeed(ctx, opts.Speed); err != nil {
			return WrapExitError(ExitFailure, "failed to set speed", err)
		}
	}
	if _, err := s.ctrl.StartSimulation(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start simulation", err)
	}
	log.Info("simulation started", "backend", s.backend(), "duration", opts.Duration)

	started := time.Now()
	timer := time.NewTimer(opts.Duration)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
	elapsed := time.Since(started).Round(time.Millisecond)

	// Stop even when interrupted.
	stopCtx := context.WithoutCancel(ctx)
	state, err := s.ctrl.StopSimulation(stopCtx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to stop simulation", err)
	}
	log.Info("simulation stopped", "tick", state.Tick, "elapsed", elapsed)

	summary := RunSummary{
		Session:     s.ctrl.Session(),
		Backend:     s.backend(),
		Duration:    elapsed.String(),
		Tick:        state.Tick,
		EntityCount: state.EntityCount,
		SimSeconds:  state.SimSeconds,
		Messages:    s.ctrl.Stats(),
	}
	if snap, ok := s.ctrl.LatestSnapshot(); ok {
		summary.Frames = snap.FrameCount
	}
	mu.Lock()
	summary.Perf = append([]host.Stats{}, perf...)
	summary.Faults = append([]string{}, faults...)
	mu.Unlock()

	if !text {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Respond(CLIResponse{Status: "ok", Data: summary, Session: summary.Session})
	}
	printRunSummary(out, summary)
	return nil
}

func printRunSummary(out *lockedWriter, s RunSummary) {
	out.Printf("\n=== Summary ===\n")
	out.Printf("  Backend:      %s\n", s.Backend)
	out.Printf("  Duration:     %s\n", s.Duration)
	out.Printf("  Frames:       %s\n", formatCount(s.Frames))
	out.Printf("  Ticks:        %s\n", formatCount(s.Tick))
	out.Printf("  Entities:     %d\n", s.EntityCount)
	out.Printf("  Sim seconds:  %.2f\n", s.SimSeconds)
	out.Printf("  Perf samples: %d\n", len(s.Perf))
	out.Printf("  Faults:       %d\n", len(s.Faults))
	out.Printf("  Messages:     %s total, %s failed, %s worker errors\n",
		formatCount(s.Messages.TotalMessages),
		formatCount(s.Messages.FailedMessages),
		formatCount(s.Messages.WorkerErrors))
}

