package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/roach88/nebula/internal/fault"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (scenario failed, rotation rolled back, action failed)
	ExitCommandError = 2 // Command error (bad flags, invalid input, missing master key)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported is set when the command already wrote its outcome, so
	// Execute only sets the exit code.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// reported marks e as already written to the output.
func reported(e *ExitError) *ExitError {
	e.Reported = true
	return e
}

// WrapFault wraps err with an exit code chosen by its fault kind: caller
// mistakes (Validation) are command errors, anything else is a failure.
func WrapFault(message string, err error) *ExitError {
	code := ExitFailure
	if fault.Is(err, fault.Validation) {
		code = ExitCommandError
	}
	return WrapExitError(code, message, err)
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ErrorCode is the stable code reported for err in JSON output, derived
// from its fault kind ("E_VALIDATION", "E_RATE_LIMIT"). Errors without a
// fault report E_COMMAND or E_FAILED by exit code.
func ErrorCode(err error) string {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		if GetExitCode(err) == ExitCommandError {
			return "E_COMMAND"
		}
		return "E_FAILED"
	}
	var b strings.Builder
	for i, r := range string(fe.Kind) {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return "E_" + b.String()
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON reports whether the formatter emits JSON.
func (f *OutputFormatter) JSON() bool { return f.Format == "json" }

// Success outputs a successful result in the configured format. In text
// mode data is printed with fmt.Println, so callers usually pass a
// preformatted string or a value with a String method.
func (f *OutputFormatter) Success(data any) error {
	if f.JSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.JSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Report writes a command's final error. JSON goes to Writer as an error
// response; text goes to the diagnostic writer. A fault's context map is
// passed as the error details.
func (f *OutputFormatter) Report(err error) {
	var details any
	var fe *fault.Error
	if errors.As(err, &fe) && len(fe.Context) > 0 {
		details = fe.Context
	}
	if f.JSON() {
		_ = f.Error(ErrorCode(err), err.Error(), details)
		return
	}
	text := &OutputFormatter{Format: f.Format, Writer: f.GetErrWriter(), Verbose: f.Verbose}
	_ = text.Error(ErrorCode(err), err.Error(), details)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
