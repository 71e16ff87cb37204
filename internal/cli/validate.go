package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/simbridge/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool             `json:"valid"`
	File     string           `json:"file"`
	Errors   []config.Problem `json:"errors,omitempty"`
	Backend  string           `json:"backend,omitempty"`
	Journal  string           `json:"journal,omitempty"`
	RelayURL string           `json:"relay_url,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a config file",
		Long: `Validate a simbridge YAML config file against its schema without
starting anything.

Every violation is reported with its line. The file may be given as an
argument or through --config.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	if path == "" {
		return outputValidateError(formatter, ErrCodeConfig, "no config file given (pass a path or --config)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return outputValidateError(formatter, ErrCodeConfig, fmt.Sprintf("cannot read %s: %v", path, err))
	}
	formatter.VerboseLog("Checking %s (%d bytes)", path, len(data))

	if problems := config.Check(path, data); len(problems) > 0 {
		return outputValidationErrors(formatter, path, problems)
	}

	// The schema passed; decoding still rejects values it cannot express.
	cfg, err := config.Parse(path, data)
	if err != nil {
		return outputValidationErrors(formatter, path, []config.Problem{{
			Field:   "config",
			Message: err.Error(),
			Code:    config.ErrCodeSchema,
		}})
	}

	result := ValidationResult{
		Valid:    true,
		File:     path,
		Backend:  cfg.Backend.Mode,
		Journal:  cfg.Journal.Path,
		RelayURL: "ws://" + cfg.Relay.Addr + "/ws",
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ %s valid\n", path)
	formatter.VerboseLog("  backend: %s", result.Backend)
	formatter.VerboseLog("  relay:   %s", result.RelayURL)
	if result.Journal != "" {
		formatter.VerboseLog("  journal: %s (%s)", result.Journal, cfg.Journal.Codec)
	}
	return nil
}

// outputValidateError outputs a single command-level error (exit code 2).
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs every problem found (exit code 1).
func outputValidationErrors(formatter *OutputFormatter, path string, problems []config.Problem) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: ValidationResult{
				Valid:  false,
				File:   path,
				Errors: problems,
			},
			Error: &CLIError{
				Code:    problems[0].Code,
				Message: problems[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, p := range problems {
		if p.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", p.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", p.Code, p.Field, p.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))
}
