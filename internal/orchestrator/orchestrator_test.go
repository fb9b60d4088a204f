package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/scribe/internal/checkpoint"
	"github.com/jackzampolin/scribe/internal/jobs"
	"github.com/jackzampolin/scribe/internal/metrics"
	"github.com/jackzampolin/scribe/internal/pipeline"
	"github.com/jackzampolin/scribe/internal/usage"
)

// harness builds a linear pipeline whose stages append their name to the
// previous output. Hooks let tests inject failures per stage and call.
type harness struct {
	mu       sync.Mutex
	calls    map[string]int
	hook     func(stage string, call int) error
	costs    float64
	stages   int
	store    *checkpoint.MemoryStore
	manager  *pipeline.Manager
	recorder *metrics.Recorder
	metrics  *metrics.MemoryStore
}

func newHarness(t *testing.T, stages int) *harness {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	m, err := pipeline.NewManager(pipeline.ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	ms := metrics.NewMemoryStore()
	return &harness{
		calls:    make(map[string]int),
		costs:    1,
		stages:   stages,
		store:    store,
		manager:  m,
		metrics:  ms,
		recorder: metrics.NewRecorder(ms, nil),
	}
}

func (h *harness) callCount(stage string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[stage]
}

func (h *harness) pipelineFunc(brief []byte) (*pipeline.Registry, error) {
	reg := pipeline.NewRegistry()
	prev := ""
	for i := 1; i <= h.stages; i++ {
		name := fmt.Sprintf("stage-%02d", i)
		var deps []string
		if prev != "" {
			deps = []string{prev}
		}
		dep := prev
		stage := &pipeline.FuncStage{
			StageName: name,
			DependsOn: deps,
			Fn: func(ctx context.Context, st *pipeline.State) (*pipeline.Result, error) {
				h.mu.Lock()
				h.calls[name]++
				call := h.calls[name]
				hook := h.hook
				h.mu.Unlock()

				if hook != nil {
					if err := hook(name, call); err != nil {
						return nil, err
					}
				}
				in := string(st.Brief)
				if dep != "" {
					out, _ := st.Output(dep)
					in = string(out)
				}
				return &pipeline.Result{Output: []byte(in + "|" + name), CostUSD: h.costs, TokensUsed: 10}, nil
			},
		}
		if err := reg.Register(stage); err != nil {
			return nil, err
		}
		prev = name
	}
	return reg, nil
}

func (h *harness) orchestrator(t *testing.T, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Manager:  h.manager,
		Pipeline: h.pipelineFunc,
		Metrics:  h.recorder,
		Retry:    RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func request(id string) Request {
	return Request{
		JobID:             id,
		UserID:            "user-1",
		Brief:             []byte("brief"),
		BudgetLimitUSD:    100,
		MaxRepairAttempts: 3,
	}
}

func TestProduce_Completes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	o := h.orchestrator(t, nil)

	art, err := o.Produce(ctx, request("job-1"))
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if string(art.Output) != "brief|stage-01|stage-02|stage-03" {
		t.Errorf("Output = %q", art.Output)
	}
	if art.CostUSD != 3 || art.Tokens != 30 || len(art.Stages) != 3 {
		t.Errorf("unexpected artifact: %+v", art)
	}

	names, _ := h.store.List(ctx, "job-1")
	if len(names) != 0 {
		t.Errorf("checkpoints not purged: %v", names)
	}
	rec, _ := h.store.LoadJob(ctx, "job-1")
	if rec.Status != jobs.StatusCompleted.String() || rec.CompletedAt == nil {
		t.Errorf("unexpected job record: %+v", rec)
	}

	p, err := o.Progress(ctx, "job-1")
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if p.PercentageComplete != 100 || p.LatestStage != "stage-03" {
		t.Errorf("unexpected progress: %+v", p)
	}
}

func TestProduce_ResumeEquivalence(t *testing.T) {
	ctx := context.Background()

	clean := newHarness(t, 5)
	want, err := clean.orchestrator(t, nil).Produce(ctx, request("job-clean"))
	if err != nil {
		t.Fatalf("uninterrupted Produce() error = %v", err)
	}

	for crashAfter := 0; crashAfter < 5; crashAfter++ {
		t.Run(fmt.Sprintf("crash after %d", crashAfter), func(t *testing.T) {
			h := newHarness(t, 5)
			failing := fmt.Sprintf("stage-%02d", crashAfter+1)
			h.hook = func(stage string, call int) error {
				if stage == failing && call == 1 {
					return errors.New("worker lost")
				}
				return nil
			}
			o := h.orchestrator(t, nil)

			_, err := o.Produce(ctx, request("job-r"))
			var failed *JobFailedError
			if !errors.As(err, &failed) {
				t.Fatalf("expected JobFailedError, got %v", err)
			}
			if failed.Stage != failing || failed.CostUSD != float64(crashAfter) {
				t.Errorf("unexpected failure: %+v", failed)
			}
			names, _ := h.store.List(ctx, "job-r")
			if len(names) != crashAfter {
				t.Errorf("checkpoints after failure = %v, want %d", names, crashAfter)
			}

			// Fresh orchestrator, as after a restart.
			got, err := h.orchestrator(t, nil).Resume(ctx, "job-r")
			if err != nil {
				t.Fatalf("Resume() error = %v", err)
			}
			if string(got.Output) != string(want.Output) || got.CostUSD != want.CostUSD {
				t.Errorf("resumed artifact %q ($%v) != uninterrupted %q ($%v)",
					got.Output, got.CostUSD, want.Output, want.CostUSD)
			}
			for i := 1; i <= crashAfter; i++ {
				name := fmt.Sprintf("stage-%02d", i)
				if n := h.callCount(name); n != 1 {
					t.Errorf("%s executed %d times, want 1", name, n)
				}
			}
		})
	}
}

func TestProduce_RecoversJobLeftRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, 3)
	h.hook = func(stage string, call int) error {
		if stage == "stage-02" {
			cancel() // process shutting down mid-run
		}
		return nil
	}

	_, err := h.orchestrator(t, nil).Produce(ctx, request("job-1"))
	if !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interruption by context.Canceled, got %v", err)
	}
	rec, _ := h.store.LoadJob(context.Background(), "job-1")
	if rec.Status != jobs.StatusRunning.String() {
		t.Fatalf("status = %s, want running", rec.Status)
	}

	h.hook = nil
	art, err := h.orchestrator(t, nil).Resume(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if string(art.Output) != "brief|stage-01|stage-02|stage-03" {
		t.Errorf("Output = %q", art.Output)
	}
	// stage-02 finished before shutdown was noticed, so it was checkpointed.
	for _, name := range []string{"stage-01", "stage-02"} {
		if n := h.callCount(name); n != 1 {
			t.Errorf("%s executed %d times, want 1", name, n)
		}
	}
}

func TestProduce_InterruptedStageLeavesJobRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, 3)
	h.hook = func(stage string, call int) error {
		if stage == "stage-02" && call == 1 {
			cancel() // SIGINT while the stage is in flight
			return ctx.Err()
		}
		return nil
	}

	_, err := h.orchestrator(t, nil).Produce(ctx, request("job-i"))
	if !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interruption by context.Canceled, got %v", err)
	}
	var failed *JobFailedError
	if errors.As(err, &failed) {
		t.Errorf("interruption reported as a job failure: %v", err)
	}

	bg := context.Background()
	rec, _ := h.store.LoadJob(bg, "job-i")
	if rec.Status != jobs.StatusRunning.String() || rec.FailedStage != "" {
		t.Fatalf("status = %s (failed stage %q), want running", rec.Status, rec.FailedStage)
	}

	h.hook = nil
	var finished []string
	r := NewRunner(RunnerConfig{
		Orchestrator: h.orchestrator(t, nil),
		Store:        h.store,
		OnComplete: func(_ context.Context, a *Artifact) error {
			finished = append(finished, a.JobID)
			return nil
		},
	})
	if err := r.Drain(bg); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(finished) != 1 || finished[0] != "job-i" {
		t.Fatalf("runner finished %v, want [job-i]", finished)
	}
	if n := h.callCount("stage-01"); n != 1 {
		t.Errorf("stage-01 executed %d times, want 1", n)
	}
	if n := h.callCount("stage-02"); n != 2 {
		t.Errorf("stage-02 executed %d times, want 2", n)
	}
}

func TestProduce_BudgetCeiling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 4)
	h.costs = 4
	o := h.orchestrator(t, func(c *Config) {
		c.Estimator = pipeline.EstimatorFunc(func(context.Context, string, *pipeline.State) (float64, error) {
			return 4, nil
		})
	})

	req := request("job-b")
	req.BudgetLimitUSD = 10
	_, err := o.Produce(ctx, req)

	var budget *pipeline.BudgetExceededError
	if !errors.As(err, &budget) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if budget.Stage != "stage-03" || budget.SpentUSD != 8 {
		t.Errorf("unexpected budget error: %+v", budget)
	}
	if n := h.callCount("stage-03"); n != 0 {
		t.Errorf("stage-03 executed %d times past the ceiling", n)
	}

	var failed *JobFailedError
	if !errors.As(err, &failed) || failed.LastCompleted != "stage-02" || failed.CostUSD != 8 {
		t.Errorf("unexpected failure: %+v", failed)
	}
	rec, _ := h.store.LoadJob(ctx, "job-b")
	if rec.Status != jobs.StatusFailed.String() || rec.FailedStage != "stage-03" {
		t.Errorf("unexpected record: %+v", rec)
	}
	names, _ := h.store.List(ctx, "job-b")
	if len(names) != 2 {
		t.Errorf("checkpoints = %v, want 2 retained", names)
	}

	// Raising the budget makes the job resumable.
	req.BudgetLimitUSD = 20
	req.Resume = true
	if _, err := o.Produce(ctx, req); err != nil {
		t.Fatalf("Produce() after raising budget error = %v", err)
	}
}

func TestProduce_TransientRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers", func(t *testing.T) {
		h := newHarness(t, 2)
		h.hook = func(stage string, call int) error {
			if stage == "stage-02" && call < 3 {
				return pipeline.Transient(errors.New("503 from provider"))
			}
			return nil
		}
		if _, err := h.orchestrator(t, nil).Produce(ctx, request("job-t")); err != nil {
			t.Fatalf("Produce() error = %v", err)
		}
		if n := h.callCount("stage-02"); n != 3 {
			t.Errorf("stage-02 executed %d times, want 3", n)
		}
		summary, _ := h.recorder.JobSummary(ctx, "job-t")
		if summary.ErrorCount != 2 || summary.Retries != 2 {
			t.Errorf("unexpected metrics: %+v", summary)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		h := newHarness(t, 2)
		h.hook = func(stage string, call int) error {
			if stage == "stage-02" {
				return pipeline.Transient(errors.New("503 from provider"))
			}
			return nil
		}
		_, err := h.orchestrator(t, nil).Produce(ctx, request("job-t"))
		if !pipeline.IsTransient(err) {
			t.Fatalf("expected transient cause, got %v", err)
		}
		if n := h.callCount("stage-02"); n != 3 {
			t.Errorf("stage-02 executed %d times, want 3", n)
		}
		rec, _ := h.store.LoadJob(ctx, "job-t")
		if rec.Status != jobs.StatusFailed.String() {
			t.Errorf("status = %s, want failed", rec.Status)
		}
	})

	t.Run("fatal is not retried", func(t *testing.T) {
		h := newHarness(t, 1)
		h.hook = func(stage string, call int) error { return errors.New("bad prompt") }
		if _, err := h.orchestrator(t, nil).Produce(ctx, request("job-t")); err == nil {
			t.Fatal("expected error")
		}
		if n := h.callCount("stage-01"); n != 1 {
			t.Errorf("stage-01 executed %d times, want 1", n)
		}
	})
}

func TestProduce_Cancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	var o *Orchestrator
	h.hook = func(stage string, call int) error {
		if stage == "stage-01" {
			if err := o.Cancel(ctx, "job-c"); err != nil {
				t.Errorf("Cancel() error = %v", err)
			}
		}
		return nil
	}
	o = h.orchestrator(t, nil)

	_, err := o.Produce(ctx, request("job-c"))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	// The in-flight stage finished and was checkpointed.
	names, _ := h.store.List(ctx, "job-c")
	if len(names) != 1 || names[0] != "stage-01" {
		t.Errorf("checkpoints = %v", names)
	}
	if n := h.callCount("stage-02"); n != 0 {
		t.Errorf("stage-02 executed after cancel")
	}
	rec, _ := h.store.LoadJob(ctx, "job-c")
	if rec.Status != jobs.StatusCancelled.String() {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}

	if _, err := o.Resume(ctx, "job-c"); !errors.Is(err, ErrTerminal) {
		t.Errorf("Resume() of cancelled job: expected ErrTerminal, got %v", err)
	}
}

func TestProduce_ExistingJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	o := h.orchestrator(t, nil)

	if _, err := o.Produce(ctx, request("job-1")); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if _, err := o.Produce(ctx, request("job-1")); !errors.Is(err, ErrJobExists) {
		t.Errorf("expected ErrJobExists, got %v", err)
	}
	if _, err := o.Resume(ctx, "job-1"); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
	if _, err := o.Resume(ctx, "missing"); !errors.Is(err, checkpoint.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestProduce_UserCeiling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	h.costs = 3
	tracker := usage.NewMemoryTracker(5)
	o := h.orchestrator(t, func(c *Config) {
		c.Usage = tracker
		c.Estimator = pipeline.EstimatorFunc(func(context.Context, string, *pipeline.State) (float64, error) {
			return 3, nil
		})
	})

	_, err := o.Produce(ctx, request("job-u"))
	if !errors.Is(err, usage.ErrUserBudgetExceeded) {
		t.Fatalf("expected ErrUserBudgetExceeded, got %v", err)
	}
	if n := h.callCount("stage-02"); n != 0 {
		t.Errorf("stage-02 executed past the user ceiling")
	}
	u, _ := tracker.Get(ctx, "user-1")
	if u.SpentUSD != 3 || u.ReservedUSD != 0 {
		t.Errorf("usage = %+v, want spent 3 reserved 0", u)
	}
}

func TestProduce_SaveFailureKeepsJobResumable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	h.store.ErrOnStage = map[string]error{"stage-02": errors.New("disk full")}

	_, err := h.orchestrator(t, nil).Produce(ctx, request("job-s"))
	var failed *JobFailedError
	if !errors.As(err, &failed) || failed.Stage != "stage-02" {
		t.Fatalf("expected failure at stage-02, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error should carry the cause: %v", err)
	}

	h.store.ErrOnStage = nil
	art, err := h.orchestrator(t, nil).Resume(ctx, "job-s")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if art.CostUSD != 3 {
		t.Errorf("CostUSD = %v, want 3", art.CostUSD)
	}
}

func TestRunner_Drain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	o := h.orchestrator(t, nil)

	reg, _ := h.pipelineFunc([]byte("brief"))
	declared, _ := reg.Declared()
	for i := 0; i < 5; i++ {
		_, err := h.manager.Initialize(ctx, pipeline.JobSpec{
			ID:             fmt.Sprintf("job-%d", i),
			Stages:         declared,
			Brief:          []byte("brief"),
			BudgetLimitUSD: 10,
		})
		if err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
	}

	var mu sync.Mutex
	finished := map[string]bool{}
	r := NewRunner(RunnerConfig{
		Orchestrator: o,
		Store:        h.store,
		Concurrency:  2,
		OnComplete: func(_ context.Context, a *Artifact) error {
			mu.Lock()
			defer mu.Unlock()
			finished[a.JobID] = true
			return nil
		},
	})
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(finished) != 5 {
		t.Errorf("OnComplete saw %d jobs, want 5", len(finished))
	}

	recs, _ := h.store.ListJobs(ctx, checkpoint.ListFilter{})
	if len(recs) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.Status != jobs.StatusCompleted.String() {
			t.Errorf("%s status = %s", rec.ID, rec.Status)
		}
	}
}

func TestRunner_SkipsJobLeasedByAnotherOrchestrator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.hook = func(stage string, call int) error {
		if stage == "stage-01" && call == 1 {
			close(entered)
			<-unblock
		}
		return nil
	}

	// Two orchestrators over one store, as two scribe processes would be.
	a := h.orchestrator(t, nil)
	b := h.orchestrator(t, nil)

	type outcome struct {
		art *Artifact
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		art, err := a.Produce(ctx, request("job-x"))
		done <- outcome{art, err}
	}()
	<-entered

	drainErr := NewRunner(RunnerConfig{Orchestrator: b, Store: h.store}).Drain(ctx)
	_, resumeErr := b.Resume(ctx, "job-x")
	close(unblock)

	if drainErr != nil {
		t.Fatalf("Drain() error = %v", drainErr)
	}
	if !errors.Is(resumeErr, ErrJobActive) {
		t.Errorf("Resume() while leased elsewhere: expected ErrJobActive, got %v", resumeErr)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Produce() error = %v", res.err)
	}
	if string(res.art.Output) != "brief|stage-01|stage-02" {
		t.Errorf("Output = %q", res.art.Output)
	}
	for _, name := range []string{"stage-01", "stage-02"} {
		if n := h.callCount(name); n != 1 {
			t.Errorf("%s executed %d times, want 1", name, n)
		}
	}
	// The lease is released once the job finishes.
	if err := h.store.AcquireLease(ctx, "job-x", "someone-else", time.Minute); err != nil {
		t.Errorf("lease not released after completion: %v", err)
	}
}

func TestRunner_RecoversExpiredLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	now := time.Now()
	h.store.SetClock(func() time.Time { return now })

	// A job left running by a process that died while holding its lease.
	reg, _ := h.pipelineFunc([]byte("brief"))
	declared, _ := reg.Declared()
	st, err := h.manager.Initialize(ctx, pipeline.JobSpec{
		ID:             "job-x",
		Stages:         declared,
		Brief:          []byte("brief"),
		BudgetLimitUSD: 10,
	})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := h.manager.Transition(ctx, st, jobs.StatusRunning); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if err := h.store.AcquireLease(ctx, "job-x", "dead-worker", time.Minute); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	if err := NewRunner(RunnerConfig{Orchestrator: h.orchestrator(t, nil), Store: h.store}).Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n := h.callCount("stage-01"); n != 0 {
		t.Fatalf("stage-01 executed %d times under a live lease", n)
	}

	h.store.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	if err := NewRunner(RunnerConfig{Orchestrator: h.orchestrator(t, nil), Store: h.store}).Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	rec, _ := h.store.LoadJob(ctx, "job-x")
	if rec.Status != jobs.StatusCompleted.String() {
		t.Errorf("status = %s, want completed after the lease expired", rec.Status)
	}
	if n := h.callCount("stage-01"); n != 1 {
		t.Errorf("stage-01 executed %d times, want 1", n)
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	o := h.orchestrator(t, nil)

	p, err := o.Submit(ctx, request("job-q"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if p.Status != jobs.StatusQueued.String() || p.TotalStages != 2 {
		t.Errorf("progress = %+v", p)
	}
	if h.callCount("stage-01") != 0 {
		t.Error("Submit should not run stages")
	}
	if _, err := o.Submit(ctx, request("job-q")); !errors.Is(err, ErrJobExists) {
		t.Errorf("second Submit() error = %v, want ErrJobExists", err)
	}

	if err := NewRunner(RunnerConfig{Orchestrator: o, Store: h.store}).Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	rec, _ := h.store.LoadJob(ctx, "job-q")
	if rec.Status != jobs.StatusCompleted.String() {
		t.Errorf("status after drain = %s", rec.Status)
	}
}
