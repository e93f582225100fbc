package cli

import (
	"errors"
	"fmt"

	"github.com/katasec/dstream-probe/internal/app"
	"github.com/katasec/dstream-probe/internal/probeerr"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // clean shutdown
	ExitFailure      = 1 // runtime failure
	ExitStartupError = 2 // source database or buffer unusable at startup
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Startup failures map to ExitStartupError, anything else to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var (
		startup *app.StartupError
		conn    *probeerr.ConnectionError
		corrupt *probeerr.BufferCorruptionError
	)
	if errors.As(err, &startup) || errors.As(err, &conn) || errors.As(err, &corrupt) {
		return ExitStartupError
	}
	return ExitFailure
}
