package interop

import "errors"

var (
	// ErrMalformedRequest marks a request missing required fields or
	// carrying an unsupported schema version.
	ErrMalformedRequest = errors.New("malformed interop request")

	// ErrAlreadyClaimed is returned when another consumer holds the claim.
	ErrAlreadyClaimed = errors.New("request already claimed")

	// ErrAlreadyCompleted is returned when a response already exists.
	ErrAlreadyCompleted = errors.New("request already completed")

	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("request not found")
)
