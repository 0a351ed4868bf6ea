package manifest

import "errors"

var (
	// ErrInvalid marks a manifest that violates a structural invariant.
	ErrInvalid = errors.New("invalid manifest")

	// ErrVerify marks a manifest whose listed artifacts no longer match
	// the files on disk.
	ErrVerify = errors.New("manifest verification failed")
)
