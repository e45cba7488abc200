package main

import (
	"errors"

	"github.com/srg/candela/internal/lamp"
)

// ErrCommandFailed indicates the lamp rejected or dropped a command after
// the dispatcher exhausted its bounded retry.
var ErrCommandFailed = errors.New("command failed")

// FormatUserError renders an error for terminal output, unwrapping the
// transport error types into actionable messages.
func FormatUserError(err error) string {
	var connErr *lamp.ConnectError
	if errors.As(err, &connErr) {
		return connErr.Error() + " (is the lamp powered and in range?)"
	}

	var writeErr *lamp.WriteError
	if errors.As(err, &writeErr) {
		return writeErr.Error() + " (the link may have dropped; try again)"
	}

	if errors.Is(err, ErrCommandFailed) {
		return "the lamp did not accept the command; check pairing and try again"
	}

	return err.Error()
}
