package metrics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/scribe/internal/pipeline"
)

// Recorder writes stage attempt metrics. Recording failures are logged and
// never fail the job.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a new metrics recorder. A nil store discards metrics.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// RecordOpts provides context for a metric recording.
type RecordOpts struct {
	JobID        string
	UserID       string
	Stage        string
	Attempt      int
	EstimatedUSD float64
	Duration     time.Duration
}

// RecordAttempt records the outcome of one stage attempt. result is nil when
// the attempt failed.
func (r *Recorder) RecordAttempt(ctx context.Context, opts RecordOpts, result *pipeline.Result, err error) {
	if r == nil || r.store == nil {
		return
	}

	m := &Metric{
		ID:               uuid.NewString(),
		JobID:            opts.JobID,
		UserID:           opts.UserID,
		Stage:            opts.Stage,
		Attempt:          opts.Attempt,
		EstimatedUSD:     opts.EstimatedUSD,
		ExecutionSeconds: opts.Duration.Seconds(),
		Success:          err == nil,
		ErrorType:        ErrorType(err),
		CreatedAt:        time.Now().UTC(),
	}
	if result != nil {
		m.CostUSD = result.CostUSD
		m.TokensUsed = result.TokensUsed
	}

	if err := r.store.Add(ctx, m); err != nil {
		r.logger.Warn("failed to record metric", "job_id", opts.JobID, "stage", opts.Stage, "error", err)
	}
}

// JobSummary summarizes every attempt recorded for a job.
func (r *Recorder) JobSummary(ctx context.Context, jobID string) (*Summary, error) {
	if r == nil || r.store == nil {
		return Summarize(nil), nil
	}
	ms, err := r.store.List(ctx, Filter{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return Summarize(ms), nil
}

// ErrorType classifies an attempt error for aggregation.
func ErrorType(err error) string {
	var budget *pipeline.BudgetExceededError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &budget):
		return "budget_exceeded"
	case pipeline.IsTransient(err):
		return "transient"
	case pipeline.IsCorruption(err):
		return "checkpoint_corrupt"
	default:
		return "fatal"
	}
}
