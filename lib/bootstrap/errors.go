package bootstrap

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCommand     = errors.New("unknown message")
	ErrAlreadyInitialised = errors.New("already initialised")
	ErrNotCallable        = errors.New("runOnStartup called without a function")
	ErrInvalidCommand     = errors.New("invalid command")

	ErrEventScriptsMissing = errors.New("event scripts missing")
)

// UsageError is a contract violation by the controller or by a loaded script.
// It is never reported over the message port; the worker is expected to stop.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

// IsUsageError reports whether err is or wraps a *UsageError.
func IsUsageError(err error) bool {
	var usage *UsageError
	return errors.As(err, &usage)
}

func asUsageError(err error) (*UsageError, bool) {
	var usage *UsageError
	if errors.As(err, &usage) {
		return usage, true
	}
	return nil, false
}
