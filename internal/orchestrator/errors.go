package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned when a job stops because cancellation was
	// requested.
	ErrCancelled = errors.New("job cancelled")

	// ErrTerminal is returned when asked to run a completed or cancelled job.
	ErrTerminal = errors.New("job is in a terminal state")

	// ErrJobExists is returned by Produce without resume for a known job ID.
	ErrJobExists = errors.New("job already exists")

	// ErrJobActive is returned when the job is already being driven, by this
	// process or by another holder of its lease.
	ErrJobActive = errors.New("job is already running")

	// ErrInterrupted is returned when the caller's context ends mid-run. The
	// job is left running so a later resume or runner recovers it.
	ErrInterrupted = errors.New("job interrupted")

	// ErrLeaseLost is the cancellation cause when the job's lease could not
	// be renewed and another owner may have taken it over.
	ErrLeaseLost = errors.New("job lease lost")
)

// JobFailedError is what a caller sees when a job fails. The job stays
// resumable and every completed checkpoint is kept.
type JobFailedError struct {
	JobID         string
	Stage         string  // stage that failed
	LastCompleted string  // last checkpointed stage, "" if none
	CostUSD       float64 // spent so far
	Err           error
}

func (e *JobFailedError) Error() string {
	last := e.LastCompleted
	if last == "" {
		last = "none"
	}
	return fmt.Sprintf("job %s failed at stage %s (last completed: %s, spent $%.4f): %v",
		e.JobID, e.Stage, last, e.CostUSD, e.Err)
}

func (e *JobFailedError) Unwrap() error {
	return e.Err
}
