package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/jackzampolin/scribe/internal/checkpoint"
	"github.com/jackzampolin/scribe/internal/jobs"
)

func stageNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("stage-%02d", i+1)
	}
	return names
}

func newTestManager(t *testing.T, store checkpoint.Store, policy CorruptionPolicy) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{Store: store, CorruptionPolicy: policy})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func testSpec(id string, stages []string) JobSpec {
	return JobSpec{
		ID:                id,
		UserID:            "user-1",
		Stages:            stages,
		Brief:             []byte(`{"title":"Test"}`),
		BudgetLimitUSD:    100,
		MaxRepairAttempts: 3,
	}
}

func TestManager_InitializeFresh(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	m := newTestManager(t, store, "")

	st, err := m.Initialize(ctx, testSpec("job-1", stageNames(3)))
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if len(st.CompletedStages) != 0 || st.Job.CumulativeCostUSD != 0 {
		t.Errorf("expected empty state, got %+v", st)
	}
	if st.Job.Status != jobs.StatusQueued {
		t.Errorf("status = %s, want queued", st.Job.Status)
	}
	if next, ok := st.NextStage(); !ok || next != "stage-01" {
		t.Errorf("NextStage() = %q, %v", next, ok)
	}

	rec, err := store.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("job record not created: %v", err)
	}
	if rec.BudgetLimitUSD != 100 || len(rec.Stages) != 3 {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestManager_InitializeRejects(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, checkpoint.NewMemoryStore(), "")

	bad := []JobSpec{
		{ID: "", Stages: []string{"a"}, BudgetLimitUSD: 1},
		{ID: "j", Stages: nil, BudgetLimitUSD: 1},
		{ID: "j", Stages: []string{"a", "a"}, BudgetLimitUSD: 1},
		{ID: "j", Stages: []string{"a"}, BudgetLimitUSD: 0},
	}
	for i, spec := range bad {
		if _, err := m.Initialize(ctx, spec); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("case %d: expected ErrInvalidJob, got %v", i, err)
		}
	}

	if _, err := m.Initialize(ctx, testSpec("job-1", stageNames(2))); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	other := testSpec("job-1", stageNames(2))
	other.Brief = []byte(`{"title":"Different"}`)
	if _, err := m.Initialize(ctx, other); !errors.Is(err, ErrBriefMismatch) {
		t.Errorf("expected ErrBriefMismatch, got %v", err)
	}
}

func TestManager_SaveStageResultIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, checkpoint.NewMemoryStore(), "")

	st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(3)))
	st, err := m.SaveStageResult(ctx, st, "stage-01", []byte("out-1"), 2.5, 100)
	if err != nil {
		t.Fatalf("SaveStageResult() error = %v", err)
	}
	again, err := m.SaveStageResult(ctx, st, "stage-01", []byte("out-1"), 2.5, 100)
	if err != nil {
		t.Fatalf("second SaveStageResult() error = %v", err)
	}

	if again.Job.CumulativeCostUSD != 2.5 || again.Job.CumulativeTokens != 100 {
		t.Errorf("cost double counted: %v / %d", again.Job.CumulativeCostUSD, again.Job.CumulativeTokens)
	}
	if !reflect.DeepEqual(again.CompletedStages, []string{"stage-01"}) {
		t.Errorf("CompletedStages = %v", again.CompletedStages)
	}
}

func TestManager_SaveStageResultConflictingResave(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	m := newTestManager(t, store, "")

	st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(3)))
	st, err := m.SaveStageResult(ctx, st, "stage-01", []byte("out-1"), 2.5, 100)
	if err != nil {
		t.Fatalf("SaveStageResult() error = %v", err)
	}

	tests := []struct {
		name   string
		cost   float64
		tokens int
	}{
		{"lower cost", 1.0, 100},
		{"higher cost", 4.0, 100},
		{"different tokens", 2.5, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.SaveStageResult(ctx, st, "stage-01", []byte("out-2"), tt.cost, tt.tokens)
			if !errors.Is(err, ErrConflictingResave) {
				t.Fatalf("expected ErrConflictingResave, got %v", err)
			}
			if st.Job.CumulativeCostUSD != 2.5 {
				t.Errorf("CumulativeCostUSD = %v, want 2.5", st.Job.CumulativeCostUSD)
			}
			rec, err := store.Load(ctx, "job-1", "stage-01")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if rec.CostUSD != 2.5 || string(rec.Payload) != "out-1" {
				t.Errorf("checkpoint overwritten: $%v %q", rec.CostUSD, rec.Payload)
			}
		})
	}
}

func TestManager_SaveStageResultDoesNotMutateInput(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, checkpoint.NewMemoryStore(), "")

	st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(2)))
	next, err := m.SaveStageResult(ctx, st, "stage-01", []byte("x"), 1, 1)
	if err != nil {
		t.Fatalf("SaveStageResult() error = %v", err)
	}
	if len(st.CompletedStages) != 0 || st.IsCompleted("stage-01") {
		t.Error("input state was mutated")
	}
	if !next.IsCompleted("stage-01") {
		t.Error("returned state missing stage")
	}
}

func TestManager_SaveStageResultOrdering(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, checkpoint.NewMemoryStore(), "")
	st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(3)))

	if _, err := m.SaveStageResult(ctx, st, "stage-02", nil, 1, 1); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder, got %v", err)
	}
	if _, err := m.SaveStageResult(ctx, st, "stage-99", nil, 1, 1); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}
}

func TestManager_SaveStageResultStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	m := newTestManager(t, store, "")
	st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(2)))

	store.SaveErr = errors.New("disk full")
	if _, err := m.SaveStageResult(ctx, st, "stage-01", nil, 1, 1); err == nil {
		t.Fatal("expected error")
	}
	if st.IsCompleted("stage-01") {
		t.Error("failed save must not mark the stage completed")
	}
}

func TestManager_NextStageMonotonic(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	m := newTestManager(t, store, "")
	stages := stageNames(5)
	st, _ := m.Initialize(ctx, testSpec("job-1", stages))

	for i := 0; ; i++ {
		next, ok := m.NextStage(st)
		if !ok {
			if i != len(stages) {
				t.Fatalf("finished after %d stages, want %d", i, len(stages))
			}
			break
		}
		for _, pred := range stages[:i] {
			if !st.IsCompleted(pred) {
				t.Fatalf("NextStage() = %s while predecessor %s incomplete", next, pred)
			}
		}
		var err error
		st, err = m.SaveStageResult(ctx, st, next, []byte(next), 1, 1)
		if err != nil {
			t.Fatalf("SaveStageResult(%s) error = %v", next, err)
		}
	}
}

func TestManager_ResumeCrashAfterSix(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	stages := stageNames(10)

	m := newTestManager(t, store, "")
	st, _ := m.Initialize(ctx, testSpec("job-10", stages))
	for _, stage := range stages[:6] {
		var err error
		st, err = m.SaveStageResult(ctx, st, stage, []byte(stage), 5.00, 1000)
		if err != nil {
			t.Fatalf("SaveStageResult(%s) error = %v", stage, err)
		}
	}

	// Simulate a stale cache: the job record claims a different total.
	rec, _ := store.LoadJob(ctx, "job-10")
	rec.CumulativeCostUSD = 999
	_ = store.SaveJob(ctx, rec)

	// New process.
	m2 := newTestManager(t, store, "")
	resumed, err := m2.Resume(ctx, "job-10")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !reflect.DeepEqual(resumed.CompletedStages, stages[:6]) {
		t.Errorf("CompletedStages = %v", resumed.CompletedStages)
	}
	if math.Abs(resumed.Job.CumulativeCostUSD-30.00) > 1e-9 {
		t.Errorf("CumulativeCostUSD = %v, want 30.00", resumed.Job.CumulativeCostUSD)
	}
	if resumed.Job.CumulativeTokens != 6000 {
		t.Errorf("CumulativeTokens = %d, want 6000", resumed.Job.CumulativeTokens)
	}
	if next, _ := resumed.NextStage(); next != "stage-07" {
		t.Errorf("NextStage() = %s, want stage-07", next)
	}
	if resumed.Job.ResumedAt == nil {
		t.Error("ResumedAt not set")
	}
	if out, _ := resumed.Output("stage-03"); string(out) != "stage-03" {
		t.Errorf("Output(stage-03) = %q", out)
	}
}

func TestManager_InitializeResumesExisting(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	m := newTestManager(t, store, "")
	spec := testSpec("job-1", stageNames(3))

	st, _ := m.Initialize(ctx, spec)
	if _, err := m.SaveStageResult(ctx, st, "stage-01", []byte("a"), 4, 40); err != nil {
		t.Fatalf("SaveStageResult() error = %v", err)
	}

	again, err := m.Initialize(ctx, spec)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !again.IsCompleted("stage-01") || again.Job.CumulativeCostUSD != 4 {
		t.Errorf("Initialize did not resume: %+v", again)
	}
}

func TestManager_ResumeIgnoresStaleCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	m := newTestManager(t, store, "")
	st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(4)))
	st, _ = m.SaveStageResult(ctx, st, "stage-01", []byte("a"), 1, 1)

	// Leftovers from an abandoned pipeline version.
	_ = store.Save(ctx, "job-1", "stage-03", []byte("stale"), 7, 7)
	_ = store.Save(ctx, "job-1", "old-stage", []byte("stale"), 7, 7)

	resumed, err := m.Resume(ctx, "job-1")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !reflect.DeepEqual(resumed.CompletedStages, []string{"stage-01"}) {
		t.Errorf("CompletedStages = %v", resumed.CompletedStages)
	}
	if resumed.Job.CumulativeCostUSD != 1 {
		t.Errorf("stale checkpoints counted: %v", resumed.Job.CumulativeCostUSD)
	}
	if next, _ := resumed.NextStage(); next != "stage-02" {
		t.Errorf("NextStage() = %s, want stage-02", next)
	}
}

func TestManager_ResumeCorruption(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, policy CorruptionPolicy) (*Manager, *checkpoint.MemoryStore) {
		store := checkpoint.NewMemoryStore()
		m := newTestManager(t, store, policy)
		st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(3)))
		st, _ = m.SaveStageResult(ctx, st, "stage-01", []byte("a"), 1, 1)
		_, _ = m.SaveStageResult(ctx, st, "stage-02", []byte("b"), 2, 2)
		store.Corrupt("job-1", "stage-02")
		return m, store
	}

	t.Run("restart", func(t *testing.T) {
		m, _ := setup(t, CorruptionRestart)
		st, err := m.Resume(ctx, "job-1")
		if err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
		if next, _ := st.NextStage(); next != "stage-02" {
			t.Errorf("NextStage() = %s, want stage-02", next)
		}
		if st.Job.CumulativeCostUSD != 1 {
			t.Errorf("corrupt checkpoint counted: %v", st.Job.CumulativeCostUSD)
		}
		// Re-running the stage replaces the corrupt record.
		if _, err := m.SaveStageResult(ctx, st, "stage-02", []byte("b2"), 2, 2); err != nil {
			t.Fatalf("SaveStageResult() error = %v", err)
		}
		if _, err := m.Resume(ctx, "job-1"); err != nil {
			t.Errorf("Resume() after repair error = %v", err)
		}
	})

	t.Run("abort", func(t *testing.T) {
		m, _ := setup(t, CorruptionAbort)
		_, err := m.Resume(ctx, "job-1")
		var cerr *checkpoint.CorruptionError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected CorruptionError, got %v", err)
		}
		if cerr.Stage != "stage-02" {
			t.Errorf("corrupt stage = %s", cerr.Stage)
		}
	})
}

func TestManager_CleanupCompleteness(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	m := newTestManager(t, store, "")
	st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(2)))
	st, _ = m.SaveStageResult(ctx, st, "stage-01", []byte("a"), 1, 1)
	_, _ = m.SaveStageResult(ctx, st, "stage-02", []byte("b"), 1, 1)

	if err := m.CleanupOnSuccess(ctx, "job-1"); err != nil {
		t.Fatalf("CleanupOnSuccess() error = %v", err)
	}
	resumed, err := m.Resume(ctx, "job-1")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if len(resumed.CompletedStages) != 0 {
		t.Errorf("CompletedStages = %v, want empty", resumed.CompletedStages)
	}
}

func TestManager_MarkFailedKeepsCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	m := newTestManager(t, store, "")
	st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(3)))
	st, _ = m.Transition(ctx, st, jobs.StatusRunning)
	st, _ = m.SaveStageResult(ctx, st, "stage-01", []byte("a"), 1, 1)
	_, _ = m.SaveStageResult(ctx, st, "stage-02", []byte("b"), 1, 1)

	before, _ := store.List(ctx, "job-1")
	if err := m.MarkFailed(ctx, "job-1", "stage-03", errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	after, _ := store.List(ctx, "job-1")
	if !reflect.DeepEqual(before, after) {
		t.Errorf("checkpoints changed: %v -> %v", before, after)
	}

	rec, _ := store.LoadJob(ctx, "job-1")
	if rec.Status != "failed" || rec.FailedStage != "stage-03" || rec.Error != "boom" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestManager_Transition(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, checkpoint.NewMemoryStore(), "")
	st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(1)))

	if _, err := m.Transition(ctx, st, jobs.StatusCompleted); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Errorf("queued->completed: expected ErrInvalidTransition, got %v", err)
	}
	running, err := m.Transition(ctx, st, jobs.StatusRunning)
	if err != nil {
		t.Fatalf("Transition(running) error = %v", err)
	}
	if running.Job.StartedAt == nil {
		t.Error("StartedAt not set")
	}
	done, err := m.Transition(ctx, running, jobs.StatusCompleted)
	if err != nil {
		t.Fatalf("Transition(completed) error = %v", err)
	}
	if done.Job.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestManager_RequestCancel(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	m := newTestManager(t, store, "")

	t.Run("queued job cancels immediately", func(t *testing.T) {
		_, _ = m.Initialize(ctx, testSpec("job-q", stageNames(1)))
		if err := m.RequestCancel(ctx, "job-q"); err != nil {
			t.Fatalf("RequestCancel() error = %v", err)
		}
		rec, _ := store.LoadJob(ctx, "job-q")
		if rec.Status != "cancelled" {
			t.Errorf("status = %s, want cancelled", rec.Status)
		}
		if err := m.RequestCancel(ctx, "job-q"); !errors.Is(err, jobs.ErrInvalidTransition) {
			t.Errorf("second cancel: expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("running job is flagged", func(t *testing.T) {
		st, _ := m.Initialize(ctx, testSpec("job-r", stageNames(1)))
		_, _ = m.Transition(ctx, st, jobs.StatusRunning)
		if err := m.RequestCancel(ctx, "job-r"); err != nil {
			t.Fatalf("RequestCancel() error = %v", err)
		}
		ok, _ := m.CancelRequested(ctx, "job-r")
		if !ok {
			t.Error("cancel flag not set")
		}
		rec, _ := store.LoadJob(ctx, "job-r")
		if rec.Status != "running" {
			t.Errorf("status = %s, want running until the next stage boundary", rec.Status)
		}
	})
}

func TestManager_Progress(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, checkpoint.NewMemoryStore(), "")
	st, _ := m.Initialize(ctx, testSpec("job-1", stageNames(4)))
	st, _ = m.SaveStageResult(ctx, st, "stage-01", []byte("a"), 1.5, 10)
	_, _ = m.SaveStageResult(ctx, st, "stage-02", []byte("b"), 2.5, 10)

	p, err := m.Progress(ctx, "job-1")
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if p.PercentageComplete != 50 {
		t.Errorf("PercentageComplete = %v, want 50", p.PercentageComplete)
	}
	if p.LatestStage != "stage-02" || p.CumulativeCostUSD != 4 {
		t.Errorf("unexpected progress: %+v", p)
	}

	if _, err := m.Progress(ctx, "missing"); !errors.Is(err, checkpoint.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}
