package pipeline

import (
	"errors"
	"fmt"

	"github.com/jackzampolin/scribe/internal/checkpoint"
)

// Sentinel errors for the pipeline package.
var (
	// ErrStageAlreadyRegistered is returned when registering a duplicate stage.
	ErrStageAlreadyRegistered = errors.New("stage already registered")

	// ErrStageNotFound is returned when a stage or dependency is not registered.
	ErrStageNotFound = errors.New("stage not found")

	// ErrDependencyCycle is returned when stage dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle detected")

	// ErrUnknownStage is returned when saving a result for a stage the job
	// does not declare.
	ErrUnknownStage = errors.New("stage not declared for job")

	// ErrOutOfOrder is returned when saving a stage before its declared
	// predecessors are complete.
	ErrOutOfOrder = errors.New("stage saved out of order")

	// ErrConflictingResave is returned when a completed stage is saved again
	// with a different cost or token count.
	ErrConflictingResave = errors.New("completed stage re-saved with different cost")

	// ErrBriefMismatch is returned when a job is initialized with a brief that
	// differs from the one it was created with.
	ErrBriefMismatch = errors.New("brief differs from stored job brief")

	// ErrInvalidJob is returned for malformed job specs.
	ErrInvalidJob = errors.New("invalid job spec")
)

// TransientStageError marks a stage failure as retryable.
type TransientStageError struct {
	Err error
}

func (e *TransientStageError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientStageError) Unwrap() error {
	return e.Err
}

// Transient wraps err so the orchestrator retries the stage.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientStageError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientStageError
	return errors.As(err, &te)
}

// BudgetExceededError is raised before a stage runs when its estimate would
// push the job past its budget.
type BudgetExceededError struct {
	Stage       string
	SpentUSD    float64
	EstimateUSD float64
	LimitUSD    float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded before stage %s: spent $%.4f + estimate $%.4f > limit $%.4f",
		e.Stage, e.SpentUSD, e.EstimateUSD, e.LimitUSD)
}

// IsCorruption reports whether err is a checkpoint corruption error.
func IsCorruption(err error) bool {
	return errors.Is(err, checkpoint.ErrCorrupt)
}
