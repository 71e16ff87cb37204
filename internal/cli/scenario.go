package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/simbridge/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
	Golden string // golden directory; defaults to <scenario dir>/golden
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name    string   `json:"name"`
	Backend string   `json:"backend,omitempty"`
	Pass    bool     `json:"pass"`
	Errors  []string `json:"errors,omitempty"`
}

// ScenarioReport holds the overall result.
type ScenarioReport struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>",
		Short: "Run controller scenarios",
		Long: `Run YAML scenarios against a fresh controller each and check their
step expectations, assertions and golden traces.

A scenario's golden file is <golden>/<name>.golden. When it is missing only
expectations and assertions are checked; --update rewrites it.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  simbridge scenario ./scenarios
  simbridge scenario ./scenarios --filter "reset*"
  simbridge scenario ./scenarios/lifecycle.yaml --golden ./golden --update
  simbridge scenario ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.Golden, "golden", "", "golden file directory (default <scenario dir>/golden)")

	return cmd
}

func runScenarios(opts *ScenarioOptions, path string, cmd *cobra.Command) error {
	files, err := harness.DiscoverScenarios(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	files, err = filterScenarios(files, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	if len(files) == 0 {
		if opts.Format == "json" {
			return outputScenarioJSON(cmd, ScenarioReport{Scenarios: []ScenarioResult{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runOpts := harness.Options{}
	if opts.Verbose {
		runOpts.Logger = newLogger(cmd.ErrOrStderr(), true)
	}

	report := ScenarioReport{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		res := runScenario(ctx, file, opts, runOpts)
		if opts.Format != "json" {
			printScenarioResult(cmd, res, opts.Update)
		}
		report.Scenarios = append(report.Scenarios, res)
		if res.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
	}

	if opts.Format == "json" {
		return outputScenarioJSON(cmd, report)
	}
	return outputScenarioText(cmd, report)
}

// filterScenarios keeps files whose base name (without extension) matches
// the glob pattern.
func filterScenarios(files []string, pattern string) ([]string, error) {
	if pattern == "" {
		return files, nil
	}
	var kept []string
	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		matched, err := filepath.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if matched {
			kept = append(kept, f)
		}
	}
	return kept, nil
}

// runScenario executes a single scenario file and checks its golden trace.
func runScenario(ctx context.Context, file string, opts *ScenarioOptions, runOpts harness.Options) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	result, err := harness.RunWith(ctx, scenario, runOpts)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}
	res := ScenarioResult{Name: scenario.Name, Backend: result.Backend, Pass: result.Pass, Errors: result.Errors}

	trace, err := harness.CanonicalTrace(scenario, result)
	if err != nil {
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to render trace: %v", err))
		return res
	}

	goldenPath := goldenFilePath(opts.Golden, file, scenario.Name)
	if opts.Update {
		if err := writeGolden(goldenPath, trace); err != nil {
			res.Pass = false
			res.Errors = append(res.Errors, err.Error())
		}
		return res
	}

	want, err := os.ReadFile(goldenPath)
	if os.IsNotExist(err) {
		// No golden file - expectations and assertions only.
		return res
	}
	if err != nil {
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to read golden file: %v", err))
		return res
	}
	if !bytes.Equal(want, trace) {
		res.Pass = false
		res.Errors = append(res.Errors, "trace does not match golden file (run with --update to regenerate)")
	}
	return res
}

// goldenFilePath returns <dir>/<name>.golden, where dir defaults to a
// golden directory next to the scenario file.
func goldenFilePath(dir, scenarioFile, name string) string {
	if dir == "" {
		dir = filepath.Join(filepath.Dir(scenarioFile), "golden")
	}
	return filepath.Join(dir, name+".golden")
}

func writeGolden(path string, trace []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, trace, 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

func printScenarioResult(cmd *cobra.Command, res ScenarioResult, updated bool) {
	w := cmd.OutOrStdout()
	if res.Pass {
		if updated {
			fmt.Fprintf(w, "✓ %s (golden updated)\n", res.Name)
			return
		}
		fmt.Fprintf(w, "✓ %s\n", res.Name)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", res.Name)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// outputScenarioJSON outputs the report as JSON.
func outputScenarioJSON(cmd *cobra.Command, report ScenarioReport) error {
	response := CLIResponse{Status: "ok", Data: report}
	if report.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    ErrCodeScenario,
			Message: fmt.Sprintf("%d scenario(s) failed", report.Failed),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", report.Failed))
	}
	return nil
}

// outputScenarioText prints the summary line.
func outputScenarioText(cmd *cobra.Command, report ScenarioReport) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", report.Passed, report.Failed, report.Total)

	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", report.Failed))
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
