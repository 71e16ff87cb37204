package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/relay"
	"github.com/roach88/simbridge/internal/wire"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Mode     string
	Journal  string
	Queue    int
	Duration time.Duration

	// Host overrides the simulation (for testing). Defaults to the sandbox.
	Host host.Factory
	// OnListen is called with the bound address once the relay accepts
	// connections (for testing).
	OnListen func(addr net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation and relay snapshots over websocket",
		Long: `Start the simulation and serve its snapshot stream to websocket clients.

Endpoints:
  /ws     binary websocket messages, one msgpack-encoded snapshot each
  /state  JSON backend state and message counters

New subscribers receive the latest frame first. A subscriber that falls
behind is disconnected rather than slowing the stream.

Examples:
  simbridge serve
  simbridge serve --addr 0.0.0.0:9000 --journal ./serve.db
  simbridge serve --mode fallback --duration 30s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "backend mode override (auto|worker|fallback)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal (overrides config)")
	cmd.Flags().IntVar(&opts.Queue, "queue", relay.DefaultQueue, "per-subscriber frame backlog")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	log := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	addr := cfg.Relay.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	s, err := openSession(cfg, sessionOptions{Mode: opts.Mode, Journal: opts.Journal, Host: opts.Host}, log)
	if err != nil {
		return err
	}
	defer s.close()

	hub := relay.NewHub(relay.Options{Queue: opts.Queue, Logger: log})
	defer hub.Close()
	s.ctrl.OnSnapshot(func(snap wire.Snapshot) {
		if err := hub.Publish(snap); err != nil && !errors.Is(err, relay.ErrClosed) {
			log.Warn("failed to publish snapshot", "frame", snap.FrameCount, "error", err)
		}
	})

	ctx, cancel := signalContext(cmd, log)
	defer cancel()

	if _, err := s.start(ctx, cfg.Simulation); err != nil {
		return err
	}
	if _, err := s.ctrl.StartSimulation(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start simulation", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session":     s.ctrl.Session(),
			"backend":     s.backend(),
			"phase":       s.ctrl.Phase().String(),
			"state":       s.ctrl.BackendState(),
			"messages":    s.ctrl.Stats(),
			"subscribers": hub.Subscribers(),
			"dropped":     hub.Dropped(),
		})
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	log.Info("relay listening", "addr", ln.Addr().String(), "backend", s.backend(), "session", s.ctrl.Session())
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on ws://%s/ws (backend %s)\n", ln.Addr(), s.backend())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr())
	}

	var deadline <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case <-deadline:
	case serveErr = <-errCh:
	}

	// Websocket connections are hijacked, so Shutdown does not wait on them.
	hub.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down relay", "error", err)
	}
	if _, err := s.ctrl.StopSimulation(shutdownCtx); err != nil {
		log.Warn("failed to stop simulation", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "relay error", serveErr)
	}
	log.Info("relay stopped gracefully", "dropped", hub.Dropped())
	return nil
}
