package backup

import "errors"

var (
	// ErrStopTimeout indicates a container did not stop within its graceful
	// window and had to be killed, or could not be stopped at all. Recorded
	// per unit; never aborts the run.
	ErrStopTimeout = errors.New("container stop timed out")

	// ErrStartTimeout indicates a restarted container did not report healthy
	// before the start timeout. The unit still completes, with a warning.
	ErrStartTimeout = errors.New("container did not become healthy in time")
)
