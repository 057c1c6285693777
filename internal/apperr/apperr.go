// Package apperr classifies errors by how the runtime reacts to them.
package apperr

import (
	"errors"
	"fmt"
)

// Configuration marks err as a configuration error: it aborts startup.
//
// Example:
//
//	return apperr.Configuration(fmt.Errorf("plugin %q: %w", name, err))
func Configuration(err error) error {
	if err == nil {
		return nil
	}
	return configError{err: err}
}

// Configf formats a new configuration error.
func Configf(format string, args ...any) error {
	return configError{err: fmt.Errorf(format, args...)}
}

// IsConfiguration reports whether err is marked with Configuration.
func IsConfiguration(err error) bool {
	var e configError
	return errors.As(err, &e)
}

type configError struct{ err error }

func (e configError) Error() string { return fmt.Sprintf("configuration: %v", e.err) }
func (e configError) Unwrap() error { return e.err }

// External marks a failure of a call to something outside the process
// (HTTP API, subprocess). Callers log it and answer with a generic apology.
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	return externalError{op: op, err: err}
}

// IsExternal reports whether err is marked with External.
func IsExternal(err error) bool {
	var e externalError
	return errors.As(err, &e)
}

type externalError struct {
	op  string
	err error
}

func (e externalError) Error() string { return fmt.Sprintf("external call %s: %v", e.op, e.err) }
func (e externalError) Unwrap() error { return e.err }
