package fleet

import (
	"errors"
	"fmt"
)

// ErrAborted reports that intake stopped because the fleet aborted.
var ErrAborted = errors.New("fleet aborted")

// LaunchError wraps a failure to bring up one workload's container.
type LaunchError struct {
	Identity string
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Identity, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError carries the process exit code a run should end with.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("%s (exit status %d)", e.Reason, e.Code)
}

// ExitCode extracts the exit code from err, defaulting to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}
