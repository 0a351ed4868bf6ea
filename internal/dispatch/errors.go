package dispatch

import "errors"

var (
	// ErrMalformedContext marks a managed call context missing the fields
	// every gate depends on. This is a configuration bug in the run's
	// environment, fatal for the run rather than a recoverable block.
	ErrMalformedContext = errors.New("malformed call context")

	// ErrReentrancyViolation marks a dispatch that was asked to delegate
	// while already serving a delegated call. Delegation is bounded to one
	// hop; exceeding it means two dispatchers are wired at each other.
	ErrReentrancyViolation = errors.New("dispatch delegation exceeded one hop")
)
