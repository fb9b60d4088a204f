package jobs

import (
	"errors"
	"fmt"
)

// Status represents the lifecycle state of a production job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid job status transition")

// allowedTransitions lists every legal from -> to edge.
// Failed is resumable, so it can go back to running.
var allowedTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusRunning: true,
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// IsKnown reports whether s is a recognised status.
func (s Status) IsKnown() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible.
// Failed is not terminal: it can be resumed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsResumable reports whether a job in this status may be driven again.
// A job left running by a crashed process is recovered in place.
func (s Status) IsResumable() bool {
	return s == StatusQueued || s == StatusFailed || s == StatusRunning
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Transition validates from -> to and returns to, or an error wrapping
// ErrInvalidTransition.
func Transition(jobID string, from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %q -> %q (job_id=%s)", ErrInvalidTransition, from, to, jobID)
	}
	return to, nil
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsKnown() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}
