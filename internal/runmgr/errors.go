package runmgr

import "errors"

var (
	// ErrUnknownPipeline is returned when starting a run for a pipeline
	// the configuration does not define.
	ErrUnknownPipeline = errors.New("unknown pipeline")

	// ErrUnknownPhase is returned when the pipeline exists but does not
	// declare the requested phase.
	ErrUnknownPhase = errors.New("unknown phase")

	// ErrRunNotFound is returned for run ids with no registry directory.
	ErrRunNotFound = errors.New("run not found")

	// ErrIDCollision is returned when run id generation keeps hitting
	// existing directories.
	ErrIDCollision = errors.New("run id collision")
)
