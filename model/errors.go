package model

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by every node. Callers wrap them with context using
// fmt.Errorf("%w: ...") and match with errors.Is.
var (
	// ErrCommandNotAllowed is returned when a command arrives in a state that
	// does not accept it. The node's state is left untouched.
	ErrCommandNotAllowed = errors.New("command not allowed")
	// ErrInvalidArgument covers malformed JSON, missing keys and out-of-range values.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDeviceUnresponsive is returned when a downstream device did not answer
	// within the transport timeout.
	ErrDeviceUnresponsive = errors.New("device unresponsive")
	// ErrCommandFailed reports a downstream command that completed with an error.
	ErrCommandFailed = errors.New("command failed")
	// ErrTimeout is returned when children did not converge before a deadline.
	ErrTimeout = errors.New("timeout")
	// ErrResourceConflict reports a receptor already owned by another subarray.
	ErrResourceConflict = errors.New("resource conflict")
	// ErrElevationLimit reports a pointing sample outside the dish elevation limits.
	ErrElevationLimit = errors.New("elevation limit")
	// ErrAborted is reported to waiters cancelled by an Abort.
	ErrAborted = errors.New("aborted")
)

// NotAllowed builds an ErrCommandNotAllowed naming the command and the state it hit.
func NotAllowed(command string, state fmt.Stringer) error {
	return fmt.Errorf("%w: %s is not allowed in %s", ErrCommandNotAllowed, command, state)
}

// InvalidArgument wraps a decoding or validation error as ErrInvalidArgument.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// ResultFromError converts a synchronous command error into the result returned
// to the caller.
func ResultFromError(err error, commandID string) CommandResult {
	if err == nil {
		return CommandResult{Code: ResultOK, CommandID: commandID}
	}
	code := ResultFailed
	switch {
	case errors.Is(err, ErrCommandNotAllowed), errors.Is(err, ErrInvalidArgument):
		code = ResultRejected
	case errors.Is(err, ErrAborted):
		code = ResultAborted
	}
	return CommandResult{Code: code, Message: err.Error(), CommandID: commandID}
}
