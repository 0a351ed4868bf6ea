package capsule

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCapsule is returned when a transcript contains no capsule block.
	ErrNoCapsule = errors.New("no capsule block found")

	// ErrCapsuleExists is returned when writing over an existing capsule
	// file. Capsules are write-once.
	ErrCapsuleExists = errors.New("capsule already written")
)

// FormatError reports every structural problem found in a capsule block so
// the author can fix them in one pass.
type FormatError struct {
	Problems []string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid capsule: %s", strings.Join(e.Problems, "; "))
}

// IsFormatError reports whether err is a capsule format error.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}
