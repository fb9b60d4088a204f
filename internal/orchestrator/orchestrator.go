// Package orchestrator drives a job's stages to completion: one stage at a
// time, checkpoint before advancing, budget checked before every stage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/scribe/internal/checkpoint"
	"github.com/jackzampolin/scribe/internal/jobs"
	"github.com/jackzampolin/scribe/internal/metrics"
	"github.com/jackzampolin/scribe/internal/pipeline"
	"github.com/jackzampolin/scribe/internal/usage"
)

// PipelineFunc builds the stage registry for a brief. It must be
// deterministic: the same brief always yields the same declared stages.
type PipelineFunc func(brief []byte) (*pipeline.Registry, error)

// Config configures an Orchestrator.
type Config struct {
	Manager   *pipeline.Manager  // required
	Pipeline  PipelineFunc       // required
	Estimator pipeline.Estimator // nil estimates every stage at zero
	Usage     usage.Tracker      // optional per-user ceiling
	Metrics   *metrics.Recorder  // optional
	Retry     RetryConfig
	Logger    *slog.Logger

	// Owner identifies this process in job leases (default host-pid-random).
	Owner string
	// LeaseTTL is how long a job lease lives without renewal (default 2m).
	// A job whose holder died is recovered once its lease expires.
	LeaseTTL time.Duration
}

// DefaultLeaseTTL is the job lease lifetime when Config.LeaseTTL is unset.
const DefaultLeaseTTL = 2 * time.Minute

// Request asks for a job to be produced.
type Request struct {
	JobID             string
	UserID            string
	Brief             []byte
	BudgetLimitUSD    float64
	MaxRepairAttempts int
	Resume            bool // continue from checkpoints if the job exists
}

// Artifact is the result of a completed job.
type Artifact struct {
	JobID   string   `json:"job_id" yaml:"job_id"`
	Output  []byte   `json:"-" yaml:"-"`
	CostUSD float64  `json:"cost_usd" yaml:"cost_usd"`
	Tokens  int      `json:"tokens" yaml:"tokens"`
	Stages  []string `json:"stages" yaml:"stages"`
}

// Orchestrator runs jobs. It is safe for concurrent use by independent jobs.
// A job is only driven while its lease in the store is held, so two
// orchestrators sharing a store never run the same job at once.
type Orchestrator struct {
	manager   *pipeline.Manager
	pipeline  PipelineFunc
	estimator pipeline.Estimator
	usage     usage.Tracker
	recorder  *metrics.Recorder
	retry     RetryConfig
	logger    *slog.Logger
	owner     string
	leaseTTL  time.Duration

	mu     sync.Mutex
	active map[string]bool
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("state manager is required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline builder is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	estimator := cfg.Estimator
	if estimator == nil {
		estimator = pipeline.EstimatorFunc(func(context.Context, string, *pipeline.State) (float64, error) {
			return 0, nil
		})
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.NewRecorder(nil, logger)
	}
	owner := cfg.Owner
	if owner == "" {
		owner = defaultOwner()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Orchestrator{
		manager:   cfg.Manager,
		pipeline:  cfg.Pipeline,
		estimator: estimator,
		usage:     cfg.Usage,
		recorder:  recorder,
		retry:     cfg.Retry.withDefaults(),
		logger:    logger,
		owner:     owner,
		leaseTTL:  ttl,
		active:    make(map[string]bool),
	}, nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Produce runs the job described by req to completion and returns its final
// artifact. Without Resume an existing job ID is rejected. Returns
// ErrJobActive when another process holds the job's lease, and
// ErrInterrupted when ctx ends before the job finishes.
func (o *Orchestrator) Produce(ctx context.Context, req Request) (*Artifact, error) {
	if !o.acquire(req.JobID) {
		return nil, fmt.Errorf("%w: %s", ErrJobActive, req.JobID)
	}
	defer o.release(req.JobID)

	logger := o.logger.With("job_id", req.JobID)
	if err := o.manager.Store().AcquireLease(ctx, req.JobID, o.owner, o.leaseTTL); err != nil {
		if errors.Is(err, checkpoint.ErrLeaseHeld) {
			return nil, fmt.Errorf("%w: %v", ErrJobActive, err)
		}
		return nil, fmt.Errorf("lease job %s: %w", req.JobID, err)
	}
	ctx, stop := o.holdLease(ctx, req.JobID, logger)
	defer stop()

	st, reg, err := o.initialize(ctx, req)
	if err != nil {
		return nil, err
	}

	switch st.Job.Status {
	case jobs.StatusCompleted, jobs.StatusCancelled:
		return nil, fmt.Errorf("%w: job %s is %s", ErrTerminal, req.JobID, st.Job.Status)
	case jobs.StatusRunning:
		// The lease is ours, so whoever left it running is gone.
		logger.Info("recovering job left running by a previous process")
	default:
		if st, err = o.manager.Transition(ctx, st, jobs.StatusRunning); err != nil {
			return nil, err
		}
	}

	return o.run(ctx, st, reg, logger)
}

// Submit records a new job in queued status without running it; a Runner
// picks it up later.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*pipeline.Progress, error) {
	req.Resume = false
	if _, _, err := o.initialize(ctx, req); err != nil {
		return nil, err
	}
	o.logger.Info("job queued", "job_id", req.JobID, "user_id", req.UserID)
	return o.manager.Progress(ctx, req.JobID)
}

// initialize builds the job's pipeline and loads or creates its state.
func (o *Orchestrator) initialize(ctx context.Context, req Request) (*pipeline.State, *pipeline.Registry, error) {
	if !req.Resume {
		_, err := o.manager.Store().LoadJob(ctx, req.JobID)
		if err == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrJobExists, req.JobID)
		}
		if !errors.Is(err, checkpoint.ErrJobNotFound) {
			return nil, nil, err
		}
	}

	reg, err := o.pipeline(req.Brief)
	if err != nil {
		return nil, nil, fmt.Errorf("build pipeline for job %s: %w", req.JobID, err)
	}
	declared, err := reg.Declared()
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline for job %s: %w", req.JobID, err)
	}

	st, err := o.manager.Initialize(ctx, pipeline.JobSpec{
		ID:                req.JobID,
		UserID:            req.UserID,
		Stages:            declared,
		Brief:             req.Brief,
		BudgetLimitUSD:    req.BudgetLimitUSD,
		MaxRepairAttempts: req.MaxRepairAttempts,
	})
	if err != nil {
		return nil, nil, err
	}
	return st, reg, nil
}

// Resume continues a stored job from its checkpoints.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (*Artifact, error) {
	rec, err := o.manager.Store().LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return o.Produce(ctx, Request{
		JobID:             rec.ID,
		UserID:            rec.UserID,
		Brief:             rec.Brief,
		BudgetLimitUSD:    rec.BudgetLimitUSD,
		MaxRepairAttempts: rec.MaxRepairAttempts,
		Resume:            true,
	})
}

// Cancel requests cooperative cancellation. A running job stops at its next
// stage boundary; the stage in flight is allowed to finish.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	return o.manager.RequestCancel(ctx, jobID)
}

// Progress reports a job's progress.
func (o *Orchestrator) Progress(ctx context.Context, jobID string) (*pipeline.Progress, error) {
	return o.manager.Progress(ctx, jobID)
}

// run is the stage loop: while a stage remains, check cancellation, check the
// budget, execute, checkpoint.
func (o *Orchestrator) run(ctx context.Context, st *pipeline.State, reg *pipeline.Registry, logger *slog.Logger) (*Artifact, error) {
	ledger, err := pipeline.NewLedger(st.Job.BudgetLimitUSD)
	if err != nil {
		return nil, o.fail(ctx, st, "", err)
	}

	for {
		name, ok := st.NextStage()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			return nil, o.interrupted(ctx, st, name, logger)
		}

		cancelled, err := o.manager.CancelRequested(ctx, st.Job.ID)
		if err != nil {
			return nil, o.fail(ctx, st, name, err)
		}
		if cancelled {
			if _, err := o.manager.Transition(ctx, st, jobs.StatusCancelled); err != nil {
				return nil, err
			}
			logger.Info("job cancelled", "next_stage", name, "completed", len(st.CompletedStages))
			return nil, fmt.Errorf("%w: %s before stage %s", ErrCancelled, st.Job.ID, name)
		}

		stage, ok := reg.Get(name)
		if !ok {
			return nil, o.fail(ctx, st, name, fmt.Errorf("%w: %s", pipeline.ErrStageNotFound, name))
		}

		estimate, err := o.estimator.Estimate(ctx, name, st)
		if err != nil {
			return nil, o.fail(ctx, st, name, fmt.Errorf("estimate %s: %w", name, err))
		}
		if err := ledger.Check(name, st.Job.CumulativeCostUSD, estimate); err != nil {
			return nil, o.fail(ctx, st, name, err)
		}

		reservation, err := o.reserve(ctx, st, estimate)
		if err != nil {
			return nil, o.fail(ctx, st, name, err)
		}

		logger.Info("stage starting", "stage", name,
			"estimate_usd", estimate, "spent_usd", st.Job.CumulativeCostUSD)

		result, err := o.execute(ctx, stage, st, estimate, logger)
		if err != nil {
			o.releaseReservation(ctx, reservation, logger)
			return nil, o.fail(ctx, st, name, err)
		}

		// A paid-for result is checkpointed even if shutdown began meanwhile.
		next, err := o.manager.SaveStageResult(context.WithoutCancel(ctx), st, name, result.Output, result.CostUSD, result.TokensUsed)
		// The stage ran and was paid for whether or not the checkpoint landed.
		o.settle(ctx, reservation, result.CostUSD, logger)
		if err != nil {
			return nil, o.fail(ctx, st, name, err)
		}
		st = next

		logger.Info("stage completed", "stage", name,
			"cost_usd", result.CostUSD, "cumulative_usd", st.Job.CumulativeCostUSD,
			"progress", fmt.Sprintf("%d/%d", len(st.CompletedStages), len(st.Job.Stages)))
	}

	artifact := &Artifact{
		JobID:   st.Job.ID,
		CostUSD: st.Job.CumulativeCostUSD,
		Tokens:  st.Job.CumulativeTokens,
		Stages:  append([]string(nil), st.CompletedStages...),
	}
	if last := st.LastCompleted(); last != "" {
		artifact.Output, _ = st.Output(last)
	}

	// Every stage is checkpointed; finish even if shutdown began.
	if _, err := o.manager.Transition(context.WithoutCancel(ctx), st, jobs.StatusCompleted); err != nil {
		return nil, err
	}
	if err := o.manager.CleanupOnSuccess(ctx, st.Job.ID); err != nil {
		logger.Warn("checkpoint cleanup failed", "error", err)
	}

	logger.Info("job completed", "cost_usd", artifact.CostUSD, "tokens", artifact.Tokens)
	return artifact, nil
}

// fail marks the job failed, keeping its checkpoints, and builds the error
// the caller sees. A stage that failed because ctx ended is an interruption,
// not a failure.
func (o *Orchestrator) fail(ctx context.Context, st *pipeline.State, stage string, cause error) error {
	if ctx.Err() != nil {
		return o.interrupted(ctx, st, stage, o.logger.With("job_id", st.Job.ID))
	}
	if err := o.manager.MarkFailed(context.WithoutCancel(ctx), st.Job.ID, stage, cause); err != nil {
		o.logger.Error("failed to mark job failed", "job_id", st.Job.ID, "stage", stage, "error", err)
	}
	return &JobFailedError{
		JobID:         st.Job.ID,
		Stage:         stage,
		LastCompleted: st.LastCompleted(),
		CostUSD:       st.Job.CumulativeCostUSD,
		Err:           cause,
	}
}

// interrupted leaves the job running so it is recovered by the next resume,
// or by a runner once this process's lease expires.
func (o *Orchestrator) interrupted(ctx context.Context, st *pipeline.State, stage string, logger *slog.Logger) error {
	cause := context.Cause(ctx)
	logger.Info("job interrupted, left running for recovery",
		"stage", stage, "last_completed", st.LastCompleted(), "reason", cause)
	return fmt.Errorf("%w: %s at stage %s: %w", ErrInterrupted, st.Job.ID, stage, cause)
}

// holdLease renews the job lease every third of its ttl until the returned
// stop func is called. If renewal is refused, or keeps failing until the
// lease would have expired, the returned context is cancelled with
// ErrLeaseLost. stop releases the lease.
func (o *Orchestrator) holdLease(ctx context.Context, jobID string, logger *slog.Logger) (context.Context, func()) {
	store := o.manager.Store()
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.leaseTTL / 3)
		defer ticker.Stop()
		renewed := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := store.AcquireLease(ctx, jobID, o.owner, o.leaseTTL)
			switch {
			case err == nil:
				renewed = time.Now()
				continue
			case ctx.Err() != nil:
				return
			case errors.Is(err, checkpoint.ErrLeaseHeld), time.Since(renewed) >= o.leaseTTL:
				logger.Error("job lease lost, stopping", "owner", o.owner, "error", err)
				cancel(fmt.Errorf("%w: %v", ErrLeaseLost, err))
				return
			default:
				logger.Warn("job lease renewal failed", "owner", o.owner, "error", err)
			}
		}
	}()

	return ctx, func() {
		cancel(nil)
		<-done
		if err := store.ReleaseLease(context.WithoutCancel(ctx), jobID, o.owner); err != nil {
			logger.Warn("job lease not released", "owner", o.owner, "error", err)
		}
	}
}

func (o *Orchestrator) reserve(ctx context.Context, st *pipeline.State, estimate float64) (*usage.Reservation, error) {
	if o.usage == nil || st.Job.UserID == "" {
		return nil, nil
	}
	return o.usage.Reserve(ctx, st.Job.UserID, estimate)
}

func (o *Orchestrator) settle(ctx context.Context, r *usage.Reservation, actual float64, logger *slog.Logger) {
	if o.usage == nil || r == nil {
		return
	}
	if err := o.usage.Settle(context.WithoutCancel(ctx), r, actual); err != nil {
		logger.Error("failed to settle user usage", "user_id", r.UserID, "error", err)
	}
}

func (o *Orchestrator) releaseReservation(ctx context.Context, r *usage.Reservation, logger *slog.Logger) {
	if o.usage == nil || r == nil {
		return
	}
	if err := o.usage.Release(context.WithoutCancel(ctx), r); err != nil {
		logger.Error("failed to release user usage", "user_id", r.UserID, "error", err)
	}
}

func (o *Orchestrator) acquire(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[jobID] {
		return false
	}
	o.active[jobID] = true
	return true
}

func (o *Orchestrator) release(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, jobID)
}
