package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/simbridge/internal/host"
)

// ProbeOptions holds flags for the probe command.
type ProbeOptions struct {
	*RootOptions
	Mode string

	// Host overrides the simulation (for testing). Defaults to the sandbox.
	Host host.Factory
}

// ProbeResult reports which backend Initialize selected.
type ProbeResult struct {
	Session  string     `json:"session"`
	Mode     string     `json:"mode"`
	Backend  string     `json:"backend"`
	Elapsed  string     `json:"elapsed"`
	State    host.State `json:"state"`
	Requests uint64     `json:"requests"`
}

// NewProbeCommand creates the probe command.
func NewProbeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProbeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report which backend would be selected",
		Long: `Initialize a controller, report whether the worker backend or the
in-process fallback was selected, then dispose it. The simulation is never
started.

In auto mode a failed worker handshake is not an error: the controller falls
back and probe reports "fallback". In worker mode it exits with code 2.

Examples:
  simbridge probe
  simbridge probe --mode worker --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", "", "backend mode override (auto|worker|fallback)")

	return cmd
}

func runProbe(opts *ProbeOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	log := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	// The probe never records anything.
	cfg.Journal.Path = ""
	mode := cfg.Backend.Mode
	if opts.Mode != "" {
		mode = opts.Mode
	}

	s, err := openSession(cfg, sessionOptions{Mode: opts.Mode, Host: opts.Host}, log)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer s.close()

	started := time.Now()
	if err := s.ctrl.Initialize(cmd.Context()); err != nil {
		_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to initialize backend", err)
	}
	elapsed := time.Since(started)
	formatter.VerboseLog("Initialized %s backend in %s", s.backend(), elapsed)

	state, err := s.ctrl.SimulationState(cmd.Context())
	if err != nil {
		_ = formatter.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to read backend state", err)
	}

	result := ProbeResult{
		Session:  s.ctrl.Session(),
		Mode:     mode,
		Backend:  s.backend(),
		Elapsed:  elapsed.Round(time.Microsecond).String(),
		State:    state,
		Requests: s.ctrl.Stats().TotalMessages,
	}

	if opts.Format == "json" {
		return formatter.Respond(CLIResponse{Status: "ok", Data: result, Session: result.Session})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Backend: %s\n", result.Backend)
	fmt.Fprintf(w, "Mode:    %s\n", result.Mode)
	fmt.Fprintf(w, "Session: %s\n", result.Session)
	fmt.Fprintf(w, "Elapsed: %s\n", result.Elapsed)
	return nil
}
