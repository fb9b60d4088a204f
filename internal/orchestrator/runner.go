package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/scribe/internal/checkpoint"
	"github.com/jackzampolin/scribe/internal/jobs"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Orchestrator *Orchestrator
	Store        checkpoint.Store
	Logger       *slog.Logger
	Concurrency  int           // jobs driven at once (default 4)
	PollInterval time.Duration // how often to look for queued jobs (default 5s)

	// OnComplete receives each finished artifact. Checkpoints are purged on
	// success, so this is the runner's only hand-off of the output.
	OnComplete func(ctx context.Context, a *Artifact) error
}

// Runner claims queued jobs from the store and drives each on its own
// goroutine. Jobs share nothing but the store and the usage tracker.
type Runner struct {
	orch         *Orchestrator
	store        checkpoint.Store
	logger       *slog.Logger
	concurrency  int
	pollInterval time.Duration
	onComplete   func(ctx context.Context, a *Artifact) error

	mu        sync.Mutex
	inflight  map[string]bool
	attempted map[string]bool // jobs this runner has already picked up
	busy      map[string]bool // attempted jobs whose lease another owner held
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Runner{
		orch:         cfg.Orchestrator,
		store:        cfg.Store,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: poll,
		onComplete:   cfg.OnComplete,
		inflight:     make(map[string]bool),
		attempted:    make(map[string]bool),
		busy:         make(map[string]bool),
	}
}

// Run polls for work until ctx is done, then waits for in-flight jobs to
// reach a stage boundary. Running jobs are polled too: one whose lease has
// expired was abandoned by a dead process and is resumed. One whose lease is
// live belongs to another process and is retried on a later poll.
func (r *Runner) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		r.retryBusy()
		r.claim(ctx, g, jobs.StatusRunning)
		r.claim(ctx, g, jobs.StatusQueued)
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping, waiting for in-flight jobs")
			return g.Wait()
		case <-ticker.C:
		}
	}
}

// Drain runs every queued job (and every job left running whose lease has
// expired) and returns once none remain. Jobs another process is driving are
// skipped, not waited for.
func (r *Runner) Drain(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	r.claim(ctx, g, jobs.StatusRunning)
	for {
		if r.claim(ctx, g, jobs.StatusQueued) == 0 && r.inflightCount() == 0 {
			return g.Wait()
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// claim starts jobs in the given status until the concurrency limit is hit.
// A job is picked up at most once per runner, so a job that cannot leave
// its status (an unparseable brief, say) is not retried every poll.
// Returns how many were started.
func (r *Runner) claim(ctx context.Context, g *errgroup.Group, status jobs.Status) int {
	if ctx.Err() != nil {
		return 0
	}
	recs, err := r.store.ListJobs(ctx, checkpoint.ListFilter{Status: status.String()})
	if err != nil {
		r.logger.Error("failed to list jobs", "status", status, "error", err)
		return 0
	}

	// Oldest first.
	started := 0
	for i := len(recs) - 1; i >= 0; i-- {
		id := recs[i].ID
		if !r.markInflight(id) {
			continue
		}
		ok := g.TryGo(func() error {
			defer r.clearInflight(id)
			r.runJob(ctx, id)
			return nil
		})
		if !ok {
			r.mu.Lock()
			delete(r.inflight, id)
			delete(r.attempted, id)
			r.mu.Unlock()
			break
		}
		started++
	}
	return started
}

func (r *Runner) runJob(ctx context.Context, jobID string) {
	logger := r.logger.With("job_id", jobID)
	artifact, err := r.orch.Resume(ctx, jobID)
	if errors.Is(err, ErrJobActive) {
		r.markBusy(jobID)
	}

	var failed *JobFailedError
	switch {
	case err == nil:
		logger.Info("job finished", "cost_usd", artifact.CostUSD, "stages", len(artifact.Stages))
		if r.onComplete != nil {
			if err := r.onComplete(ctx, artifact); err != nil {
				logger.Error("failed to hand off artifact", "error", err)
			}
		}
	case errors.Is(err, ErrCancelled):
		logger.Info("job cancelled")
	case errors.Is(err, ErrInterrupted):
		logger.Info("job interrupted, left running", "reason", err)
	case errors.Is(err, ErrJobActive), errors.Is(err, ErrTerminal):
		logger.Debug("job skipped", "reason", err)
	case errors.As(err, &failed):
		logger.Warn("job failed", "stage", failed.Stage, "last_completed", failed.LastCompleted,
			"cost_usd", failed.CostUSD, "error", failed.Err)
	default:
		logger.Error("job stopped", "error", err)
	}
}

func (r *Runner) markInflight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] || r.attempted[id] {
		return false
	}
	r.inflight[id] = true
	r.attempted[id] = true
	return true
}

func (r *Runner) markBusy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy[id] = true
}

// retryBusy makes jobs skipped for a held lease eligible again.
func (r *Runner) retryBusy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.busy {
		delete(r.attempted, id)
		delete(r.busy, id)
	}
}

func (r *Runner) clearInflight(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

func (r *Runner) inflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
