package supervisor

import (
	"fmt"
	"time"
)

// startupTimeoutError signals that an engine did not pass health within its
// startup deadline (503).
type startupTimeoutError struct{ timeout time.Duration }

func (e startupTimeoutError) Error() string {
	return fmt.Sprintf("engine failed to become ready within %s", e.timeout)
}

// ErrStartupTimeout constructs a startupTimeoutError.
func ErrStartupTimeout(timeout time.Duration) error {
	return startupTimeoutError{timeout: timeout}
}

// startupFailedError covers spawn failures and early exits during bring-up
// (503, like the timeout case).
type startupFailedError struct{ msg string }

func (e startupFailedError) Error() string { return "engine startup failed: " + e.msg }

// ErrStartupFailed constructs a startupFailedError.
func ErrStartupFailed(msg string) error { return startupFailedError{msg: msg} }

// IsStartupFailure reports whether err came from a failed or timed-out
// engine bring-up.
func IsStartupFailure(err error) bool {
	switch err.(type) {
	case startupTimeoutError, startupFailedError:
		return true
	}
	return false
}

// shuttingDownError signals Ensure during gateway shutdown (503).
type shuttingDownError struct{}

func (shuttingDownError) Error() string { return "gateway is shutting down" }

// ErrShuttingDown constructs a shuttingDownError.
func ErrShuttingDown() error { return shuttingDownError{} }

// IsShuttingDown reports whether err indicates shutdown is in progress.
func IsShuttingDown(err error) bool {
	_, ok := err.(shuttingDownError)
	return ok
}
