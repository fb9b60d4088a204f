package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/scribe/internal/checkpoint"
	"github.com/jackzampolin/scribe/internal/jobs"
)

// CorruptionPolicy decides what Resume does with a checkpoint that fails
// verification.
type CorruptionPolicy string

const (
	// CorruptionRestart treats the corrupt checkpoint as missing; the stage
	// runs again and its new checkpoint replaces the bad one.
	CorruptionRestart CorruptionPolicy = "restart"

	// CorruptionAbort fails the resume with the *checkpoint.CorruptionError.
	CorruptionAbort CorruptionPolicy = "abort"
)

// ParseCorruptionPolicy converts a config value. Empty means restart.
func ParseCorruptionPolicy(s string) (CorruptionPolicy, error) {
	switch CorruptionPolicy(s) {
	case "", CorruptionRestart:
		return CorruptionRestart, nil
	case CorruptionAbort:
		return CorruptionAbort, nil
	}
	return "", fmt.Errorf("unknown corruption policy %q (want restart or abort)", s)
}

// JobSpec describes a job to create or resume.
type JobSpec struct {
	ID                string
	UserID            string
	Stages            []string
	Brief             []byte
	BudgetLimitUSD    float64
	MaxRepairAttempts int
}

// Validate checks the spec is usable.
func (s JobSpec) Validate() error {
	if err := checkpoint.ValidateName(s.ID); err != nil {
		return fmt.Errorf("%w: job id: %v", ErrInvalidJob, err)
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("%w: no stages declared", ErrInvalidJob)
	}
	seen := make(map[string]bool, len(s.Stages))
	for _, name := range s.Stages {
		if err := validateStageName(name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		if seen[name] {
			return fmt.Errorf("%w: stage %q declared twice", ErrInvalidJob, name)
		}
		seen[name] = true
	}
	if s.BudgetLimitUSD <= 0 {
		return fmt.Errorf("%w: budget must be positive", ErrInvalidJob)
	}
	if s.MaxRepairAttempts < 0 {
		return fmt.Errorf("%w: max repair attempts must not be negative", ErrInvalidJob)
	}
	return nil
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store            checkpoint.Store
	Logger           *slog.Logger
	CorruptionPolicy CorruptionPolicy // default restart
	Now              func() time.Time // default time.Now
}

// Manager rebuilds and maintains pipeline state from a checkpoint store. It
// is the only component that mutates job progress.
type Manager struct {
	store  checkpoint.Store
	logger *slog.Logger
	policy CorruptionPolicy
	now    func() time.Time
}

// NewManager creates a state manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := ParseCorruptionPolicy(string(cfg.CorruptionPolicy))
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{store: cfg.Store, logger: logger, policy: policy, now: now}, nil
}

// Store returns the underlying checkpoint store.
func (m *Manager) Store() checkpoint.Store {
	return m.store
}

// Initialize returns the state for spec. If the job already has checkpoints
// this is a Resume; otherwise it starts from empty state, creating the job
// record in queued status when none exists.
func (m *Manager) Initialize(ctx context.Context, spec JobSpec) (*State, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	rec, err := m.store.LoadJob(ctx, spec.ID)
	switch {
	case errors.Is(err, checkpoint.ErrJobNotFound):
		rec = &checkpoint.JobRecord{
			ID:        spec.ID,
			UserID:    spec.UserID,
			Brief:     append([]byte(nil), spec.Brief...),
			Status:    jobs.StatusQueued.String(),
			CreatedAt: m.now().UTC(),
		}
		m.logger.Info("job created", "job_id", spec.ID, "stages", len(spec.Stages))
	case err != nil:
		return nil, fmt.Errorf("load job %s: %w", spec.ID, err)
	case !bytes.Equal(rec.Brief, spec.Brief):
		return nil, fmt.Errorf("%w: job %s", ErrBriefMismatch, spec.ID)
	}

	// Stages, budget and repair limit follow the current spec so an operator
	// can raise a budget or ship a new pipeline version and resume.
	rec.Stages = append([]string(nil), spec.Stages...)
	rec.BudgetLimitUSD = spec.BudgetLimitUSD
	rec.MaxRepairAttempts = spec.MaxRepairAttempts
	if err := m.store.SaveJob(ctx, rec); err != nil {
		return nil, fmt.Errorf("save job %s: %w", spec.ID, err)
	}

	present, err := m.store.List(ctx, spec.ID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", spec.ID, err)
	}
	if len(present) > 0 {
		return m.Resume(ctx, spec.ID)
	}

	st, err := newState(rec)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Resume rebuilds state from the job's checkpoints. Checkpoints are loaded in
// declared order up to the first missing stage; totals are recomputed from
// the loaded records and never taken from the cached job record.
func (m *Manager) Resume(ctx context.Context, jobID string) (*State, error) {
	rec, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	st, err := newState(rec)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With("job_id", jobID)

	present, err := m.store.List(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", jobID, err)
	}
	have := make(map[string]bool, len(present))
	for _, name := range present {
		have[name] = true
	}

	for _, stage := range st.Job.Stages {
		if !have[stage] {
			break
		}
		cp, err := m.store.Load(ctx, jobID, stage)
		if err != nil {
			if IsCorruption(err) && m.policy == CorruptionRestart {
				logger.Warn("corrupt checkpoint, stage will re-run", "stage", stage, "error", err)
				break
			}
			if errors.Is(err, checkpoint.ErrNotFound) {
				break
			}
			return nil, err
		}
		st.CompletedStages = append(st.CompletedStages, stage)
		st.StageOutputs[stage] = StageOutput{
			Output:     cp.Payload,
			CostUSD:    cp.CostUSD,
			TokensUsed: cp.TokensUsed,
		}
	}
	st.recompute()

	if ignored := len(present) - len(st.CompletedStages); ignored > 0 {
		logger.Info("ignoring checkpoints past the resume point", "count", ignored)
	}

	now := m.now().UTC()
	st.Job.ResumedAt = &now
	if err := m.store.SaveJob(ctx, st.record()); err != nil {
		return nil, fmt.Errorf("save job %s: %w", jobID, err)
	}

	logger.Info("job state rebuilt",
		"completed", len(st.CompletedStages),
		"declared", len(st.Job.Stages),
		"cost_usd", st.Job.CumulativeCostUSD)
	return st, nil
}

// SaveStageResult durably checkpoints a stage result and returns the new
// state. Re-saving a completed stage with the same cost and tokens replaces
// its checkpoint without double counting; a re-save that changes either is
// rejected with ErrConflictingResave so cumulative cost never decreases.
// Returns when the checkpoint write has completed.
func (m *Manager) SaveStageResult(ctx context.Context, st *State, stage string, output []byte, costUSD float64, tokensUsed int) (*State, error) {
	if st == nil {
		return nil, fmt.Errorf("state is required")
	}
	if !st.IsDeclared(stage) {
		return nil, fmt.Errorf("%w: %s (job %s)", ErrUnknownStage, stage, st.Job.ID)
	}
	if costUSD < 0 || tokensUsed < 0 {
		return nil, fmt.Errorf("stage %s: negative cost or tokens", stage)
	}
	already := st.IsCompleted(stage)
	if already {
		prev := st.StageOutputs[stage]
		if prev.CostUSD != costUSD || prev.TokensUsed != tokensUsed {
			return nil, fmt.Errorf("%w: %s (job %s) recorded $%.4f/%d tokens, got $%.4f/%d",
				ErrConflictingResave, stage, st.Job.ID, prev.CostUSD, prev.TokensUsed, costUSD, tokensUsed)
		}
	} else {
		if next, _ := st.NextStage(); next != stage {
			return nil, fmt.Errorf("%w: %s before %s (job %s)", ErrOutOfOrder, stage, next, st.Job.ID)
		}
	}

	if err := m.store.Save(ctx, st.Job.ID, stage, output, costUSD, tokensUsed); err != nil {
		return nil, fmt.Errorf("checkpoint %s/%s: %w", st.Job.ID, stage, err)
	}

	next := st.Clone()
	if !already {
		next.CompletedStages = append(next.CompletedStages, stage)
	}
	next.StageOutputs[stage] = StageOutput{
		Output:     append([]byte(nil), output...),
		CostUSD:    costUSD,
		TokensUsed: tokensUsed,
	}
	next.recompute()

	// The job record totals are a reporting cache; the checkpoint above is
	// what resume trusts.
	if err := m.store.SaveJob(ctx, next.record()); err != nil {
		m.logger.Warn("job record not updated after checkpoint",
			"job_id", st.Job.ID, "stage", stage, "error", err)
	}

	m.logger.Debug("stage checkpointed",
		"job_id", st.Job.ID, "stage", stage,
		"cost_usd", costUSD, "cumulative_usd", next.Job.CumulativeCostUSD)
	return next, nil
}

// NextStage returns the first declared stage not yet completed.
func (m *Manager) NextStage(st *State) (string, bool) {
	return st.NextStage()
}

// Transition moves the job through the status machine and persists it.
func (m *Manager) Transition(ctx context.Context, st *State, to jobs.Status) (*State, error) {
	status, err := jobs.Transition(st.Job.ID, st.Job.Status, to)
	if err != nil {
		return nil, err
	}

	next := st.Clone()
	next.Job.Status = status
	now := m.now().UTC()
	switch status {
	case jobs.StatusRunning:
		if next.Job.StartedAt == nil {
			next.Job.StartedAt = &now
		}
		next.Job.FailedStage = ""
		next.Job.Error = ""
	case jobs.StatusCompleted, jobs.StatusCancelled:
		next.Job.CompletedAt = &now
	}

	if err := m.store.SaveJob(ctx, next.record()); err != nil {
		return nil, fmt.Errorf("save job %s: %w", st.Job.ID, err)
	}
	m.logger.Info("job status changed", "job_id", st.Job.ID, "from", st.Job.Status, "to", status)
	return next, nil
}

// MarkFailed records a hard failure at stage. Checkpoints are never touched
// so the job stays resumable.
func (m *Manager) MarkFailed(ctx context.Context, jobID, stage string, cause error) error {
	rec, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	from, err := jobs.ParseStatus(rec.Status)
	if err != nil {
		return err
	}
	if from != jobs.StatusFailed {
		if _, err := jobs.Transition(jobID, from, jobs.StatusFailed); err != nil {
			return err
		}
	}

	rec.Status = jobs.StatusFailed.String()
	rec.FailedStage = stage
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := m.store.SaveJob(ctx, rec); err != nil {
		return fmt.Errorf("save job %s: %w", jobID, err)
	}
	m.logger.Warn("job failed", "job_id", jobID, "stage", stage, "error", cause)
	return nil
}

// CleanupOnSuccess removes every checkpoint of a finished job. The job
// record stays for reporting.
func (m *Manager) CleanupOnSuccess(ctx context.Context, jobID string) error {
	if err := m.store.DeleteAll(ctx, jobID); err != nil {
		return fmt.Errorf("cleanup %s: %w", jobID, err)
	}
	m.logger.Debug("checkpoints purged", "job_id", jobID)
	return nil
}

// RequestCancel flags the job for cancellation at the next stage boundary.
// A job still queued is cancelled immediately.
func (m *Manager) RequestCancel(ctx context.Context, jobID string) error {
	rec, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	status, err := jobs.ParseStatus(rec.Status)
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", jobs.ErrInvalidTransition, jobID, status)
	}

	if err := m.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	if status == jobs.StatusQueued {
		now := m.now().UTC()
		rec.Status = jobs.StatusCancelled.String()
		rec.CompletedAt = &now
		if err := m.store.SaveJob(ctx, rec); err != nil {
			return fmt.Errorf("save job %s: %w", jobID, err)
		}
	}
	m.logger.Info("cancel requested", "job_id", jobID, "status", status)
	return nil
}

// CancelRequested reports whether the job has been flagged for cancellation.
func (m *Manager) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	return m.store.CancelRequested(ctx, jobID)
}
