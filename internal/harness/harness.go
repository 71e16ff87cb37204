package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"

	"github.com/roach88/simbridge/internal/controller"
	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/testutil"
	"github.com/roach88/simbridge/internal/worker"
)

// Options tunes a run. The zero value runs quietly on the sandbox host.
type Options struct {
	// Host builds the simulation on both backends. Defaults to the sandbox.
	Host host.Factory

	// Worker overrides the in-process worker used by auto and worker modes.
	Worker controller.WorkerFactory

	// Recorder journals the run.
	Recorder controller.Recorder

	Logger *slog.Logger
}

// Harness executes one scenario against a fresh controller.
type Harness struct {
	ctrl     *controller.Controller
	scenario *Scenario
	seq      int64
}

// Run executes a scenario with default options.
func Run(scenario *Scenario) (*Result, error) {
	return RunWith(context.Background(), scenario, Options{})
}

// RunWith executes a scenario.
//
// Each run gets its own controller with a fixed session id and request
// clock. The controller is initialized before the first step and disposed
// after the last. Expect and assertion failures are reported in the Result;
// an error means the run itself could not happen.
func RunWith(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Host == nil {
		opts.Host = host.NewSandboxFactory()
	}
	mode, err := controller.ParseMode(scenario.Mode)
	if err != nil {
		return nil, err
	}
	if opts.Worker == nil && mode != controller.ModeFallback {
		opts.Worker = worker.NewFactory(opts.Host, worker.Config{Logger: opts.Logger})
	}

	ctrl := controller.New(controller.Options{
		Mode:     mode,
		Worker:   opts.Worker,
		Host:     opts.Host,
		Recorder: opts.Recorder,
		Sessions: testutil.NewFixedSessionGenerator(scenario.Session),
		Clock:    controller.NewClock(),
		Logger:   opts.Logger,
	})
	defer ctrl.Dispose()

	if err := ctrl.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize controller: %w", err)
	}

	h := &Harness{ctrl: ctrl, scenario: scenario}
	result := NewResult()
	result.Backend = "fallback"
	if ctrl.IsUsingWorkerBackend() {
		result.Backend = "worker"
	}

	for i, step := range scenario.Steps {
		ev := h.execute(ctx, step)
		result.AddTrace(ev)
		for _, msg := range checkExpect(step.Expect, ev) {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, step.Op, msg))
		}
	}

	result.Final = ctrl.BackendState()
	result.Phase = ctrl.Phase()
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, step Step) TraceEvent {
	h.seq++
	ev := TraceEvent{Seq: h.seq, Op: step.Op}

	var (
		st  host.State
		err error
	)
	switch step.Op {
	case OpConfigure:
		o := h.scenario.Simulation
		if step.Options != nil {
			o = *step.Options
		}
		ev.Args = optionArgs(o)
		st, err = h.ctrl.ConfigureSimulation(ctx, o)
	case OpStart:
		st, err = h.ctrl.StartSimulation(ctx)
	case OpPause:
		st, err = h.ctrl.PauseSimulation(ctx)
	case OpResume:
		st, err = h.ctrl.ResumeSimulation(ctx)
	case OpStop:
		st, err = h.ctrl.StopSimulation(ctx)
	case OpReset:
		st, err = h.ctrl.ResetSimulation(ctx)
	case OpSetSpeed:
		ev.Args = map[string]any{"speed": formatFloat(step.Speed)}
		st, err = h.ctrl.SetSimulationSpeed(ctx, step.Speed)
	case OpAddEntities:
		ev.Args = map[string]any{"count": step.Count}
		if step.Position != nil {
			ev.Args["x"] = formatFloat(step.Position.X)
			ev.Args["y"] = formatFloat(step.Position.Y)
		}
		st, err = h.ctrl.AddEntities(ctx, step.Count, step.Position)
	case OpState:
		st, err = h.ctrl.SimulationState(ctx)
	case OpPerf:
		var stats host.Stats
		stats, err = h.ctrl.PerformanceStats(ctx)
		ev.Outcome = Outcome(err)
		if err == nil {
			ev.State = map[string]any{"entity_count": stats.EntityCount}
		}
		return ev
	case OpDispose:
		h.ctrl.Dispose()
		ev.Outcome = OutcomeOK
		return ev
	default:
		err = fmt.Errorf("unknown op %q", step.Op)
	}

	ev.Outcome = Outcome(err)
	if err == nil {
		ev.State = stateFields(st)
	}
	return ev
}

// Outcome names the result of a controller call for traces and expects:
// "ok", "INVALID_ARGUMENT", "NOT_INITIALIZED", "DISPOSED", or the request
// error code with the backend fault code appended, e.g. "FAULT:HOST_ERROR".
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	var re *controller.RequestError
	if errors.As(err, &re) {
		if re.FaultCode != "" {
			return string(re.Code) + ":" + re.FaultCode
		}
		return string(re.Code)
	}
	switch {
	case errors.Is(err, controller.ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, controller.ErrNotInitialized):
		return "NOT_INITIALIZED"
	case errors.Is(err, controller.ErrDisposed):
		return "DISPOSED"
	}
	return "ERROR"
}

// optionArgs lists the options a configure step sets explicitly.
func optionArgs(o host.Options) map[string]any {
	args := map[string]any{}
	if o.Width != 0 {
		args["width"] = formatFloat(o.Width)
	}
	if o.Height != 0 {
		args["height"] = formatFloat(o.Height)
	}
	if o.InitialEntities != 0 {
		args["initial_entities"] = o.InitialEntities
	}
	if o.FieldResolution != 0 {
		args["field_resolution"] = o.FieldResolution
	}
	if o.Diffusion != 0 {
		args["diffusion"] = formatFloat(o.Diffusion)
	}
	if o.Decay != 0 {
		args["decay"] = formatFloat(o.Decay)
	}
	if o.Seed != 0 {
		args["seed"] = strconv.FormatInt(o.Seed, 10)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

func checkExpect(expect *Expect, ev TraceEvent) []string {
	if expect == nil {
		return nil
	}
	var errs []string
	if expect.Outcome != "" && expect.Outcome != ev.Outcome {
		errs = append(errs, fmt.Sprintf("expected outcome %s, got %s", expect.Outcome, ev.Outcome))
	}
	errs = append(errs, matchFields("state", expect.State, ev.State)...)
	return errs
}

// matchFields is a subset match: every expected key must be present in
// actual with an equal rendered value.
func matchFields(label string, expected, actual map[string]any) []string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []string
	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s.%s: missing", label, k))
			continue
		}
		if render(expected[k]) != render(got) {
			errs = append(errs, fmt.Sprintf("%s.%s: expected %s, got %s", label, k, render(expected[k]), render(got)))
		}
	}
	return errs
}

// render gives YAML-decoded and trace values one comparable spelling.
func render(v any) string {
	switch val := v.(type) {
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case string:
		return val
	case nil:
		return "null"
	}
	return fmt.Sprint(v)
}
