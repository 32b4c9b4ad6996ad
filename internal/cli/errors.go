package cli

import (
	"context"
	"errors"
	"fmt"
)

// Exit codes returned by ralph.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// ExitError carries a specific process exit code out of a Cobra RunE
// function.
//
// Commands return it instead of calling os.Exit so that [RunWithApp] can
// report the code in [ExecuteResult] and tests can assert on it. [Execute]
// performs the actual exit.
type ExitError struct {
	// Code is the exit code to return to the shell.
	Code int

	// Err is the underlying cause, if any.
	Err error
}

// Error returns "exit status N", followed by the cause when there is one.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an [ExitError] with the given exit code.
//
//	if !summary.OK() {
//	    return NewExitError(ExitFailure)
//	}
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// IsExitError reports whether err is or wraps an [ExitError] and extracts
// its exit code. It returns (0, false) for nil and other errors.
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}

// exitCodeFor maps a command error to the process exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	if code, ok := IsExitError(err); ok {
		return code
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	return ExitFailure
}
