package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a scenario, validation or simulation run failed
	ExitCommandError = 2 // the command could not run: bad flags, config or journal path
)

// Error codes reported in JSON responses.
const (
	ErrCodeConfig   = "E_CONFIG"
	ErrCodeBackend  = "E_BACKEND"
	ErrCodeScenario = "E_SCENARIO_FAILED"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError caused by err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors that carry no code
// exit with ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or as a JSON envelope.
type OutputFormatter struct {
	Format  string
	Writer  io.Writer
	Verbose bool

	// ErrWriter receives verbose diagnostics so JSON on Writer stays
	// parseable. Nil means Writer.
	ErrWriter io.Writer
}

// CLIResponse is the JSON envelope every command emits with --format json.
type CLIResponse struct {
	Status  string    `json:"status"` // ok | error
	Data    any       `json:"data,omitempty"`
	Error   *CLIError `json:"error,omitempty"`
	Session string    `json:"session,omitempty"`
}

// CLIError describes a failed command. Code is an E_* code or a config
// problem code such as C101.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (f *OutputFormatter) isJSON() bool { return f.Format == "json" }

// Success writes data as an ok response, or prints it in text mode.
func (f *OutputFormatter) Success(data any) error {
	if f.isJSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes an error response. details are shown in text mode only
// when verbose.
func (f *OutputFormatter) Error(code, msg string, details any) error {
	if f.isJSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: msg, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, msg)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Respond writes resp as JSON. Callers print their own text output.
func (f *OutputFormatter) Respond(resp CLIResponse) error {
	return f.encode(resp)
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// VerboseLog prints a diagnostic line when verbose is on.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if f.Verbose {
		fmt.Fprintf(f.Diagnostics(), format+"\n", args...)
	}
}

// Diagnostics returns the writer for verbose output.
func (f *OutputFormatter) Diagnostics() io.Writer {
	if f.ErrWriter == nil {
		return f.Writer
	}
	return f.ErrWriter
}

var printer = message.NewPrinter(language.English)

// formatCount renders n with digit grouping, e.g. 12,345.
func formatCount[T ~int | ~int64 | ~uint64](n T) string {
	return printer.Sprintf("%d", n)
}
