package budget

import "errors"

// Sentinel errors for budget enforcement. Callers match with errors.Is.
var (
	// ErrBudgetExceeded is returned by Tracker.Charge when counting a new
	// file would push the run past its unique-file or total-byte cap.
	ErrBudgetExceeded = errors.New("read budget exceeded")

	// ErrStateCorrupt is returned when a persisted budget state file cannot
	// be decoded. The run should be treated as misconfigured, not retried.
	ErrStateCorrupt = errors.New("budget state file corrupt")
)
