package pgserver

import (
	"errors"
	"fmt"
)

// Sentinel errors for the fixture lifecycle. Errors from Provision, Start,
// Stop, Close and Run wrap exactly one of these so callers can branch with
// errors.Is. CreateDatabase reports a bad name as ErrValidation and returns
// driver errors as is. The status checks on Control wrap the os/exec error
// when the executable cannot be run at all.
var (
	// ErrValidation indicates a bad username, database name, port or path.
	// It is returned before any directory or process has been created.
	ErrValidation = errors.New("invalid fixture configuration")

	// ErrNotFound indicates the control executable could not be located.
	ErrNotFound = errors.New("executable not found")

	// ErrInit indicates the data directory could not be created, initialized
	// or copied, or failed the instance directory check afterwards.
	ErrInit = errors.New("data directory initialization failed")

	// ErrStartTimeout indicates the server did not accept connections within
	// the configured start timeout.
	ErrStartTimeout = errors.New("server failed to start before timeout")

	// ErrStartup indicates a start failure other than a timeout, such as the
	// control executable failing to spawn or the database not being created.
	ErrStartup = errors.New("server startup failed")

	// ErrShutdown indicates the stop subcommand reported diagnostics.
	ErrShutdown = errors.New("server shutdown failed")
)

func validationError(field string, value any, reason string) error {
	return fmt.Errorf("%w: %s %v: %s", ErrValidation, field, value, reason)
}

// wrapInitError wraps an initialization failure with operation context.
func wrapInitError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrInit, err)
}

// wrapStartupError wraps a non-timeout start failure with operation context.
func wrapStartupError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStartup, err)
}
