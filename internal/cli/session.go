package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/simbridge/internal/config"
	"github.com/roach88/simbridge/internal/controller"
	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/journal"
	"github.com/roach88/simbridge/internal/worker"
)

// newLogger builds the stderr logger shared by long-running commands.
// Verbose switches to debug level.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// session is one controller plus the journal recording it.
type session struct {
	ctrl    *controller.Controller
	journal *journal.Journal
	log     *slog.Logger
}

// sessionOptions overrides pieces of the loaded config for one command.
type sessionOptions struct {
	Mode    string // empty keeps the config's mode
	Journal string // empty keeps the config's journal path
	Host    host.Factory
}

// openSession opens the configured journal, if any, and builds an
// uninitialized controller wired to it.
func openSession(cfg config.Config, so sessionOptions, log *slog.Logger) (*session, error) {
	if so.Mode != "" {
		if _, err := controller.ParseMode(so.Mode); err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid --mode", err)
		}
		cfg.Backend.Mode = so.Mode
	}
	if so.Journal != "" {
		cfg.Journal.Path = so.Journal
	}
	if so.Host == nil {
		so.Host = host.NewSandboxFactory()
	}

	s := &session{log: log}
	opts := cfg.ControllerOptions()
	opts.Host = so.Host
	opts.Logger = log
	opts.Worker = worker.NewFactory(so.Host, worker.Config{
		TickRate:             opts.TickRate,
		PerfInterval:         opts.PerfInterval,
		MaxConsecutiveFaults: opts.MaxConsecutiveFaults,
		Logger:               log,
	})

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, journal.Options{
			Codec:         cfg.Journal.Codec,
			SnapshotEvery: cfg.Journal.SnapshotEvery,
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		log.Info("journal opened", "path", cfg.Journal.Path, "codec", cfg.Journal.Codec)
		s.journal = j
		opts.Recorder = j
	}

	s.ctrl = controller.New(opts)
	return s, nil
}

// start initializes the controller and configures the simulation.
func (s *session) start(ctx context.Context, sim host.Options) (host.State, error) {
	if err := s.ctrl.Initialize(ctx); err != nil {
		return host.State{}, WrapExitError(ExitCommandError, "failed to initialize backend", err)
	}
	state, err := s.ctrl.ConfigureSimulation(ctx, sim)
	if err != nil {
		return host.State{}, WrapExitError(ExitFailure, "failed to configure simulation", err)
	}
	return state, nil
}

func (s *session) backend() string {
	return backendName(s.ctrl.IsUsingWorkerBackend())
}

// close disposes the controller, then closes the journal.
func (s *session) close() {
	s.ctrl.Dispose()
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.log.Error("error closing journal", "error", err)
		}
	}
}

// signalContext derives a context from the command's that is canceled on
// SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command, log *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
