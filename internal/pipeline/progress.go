package pipeline

import (
	"context"
	"time"

	"github.com/jackzampolin/scribe/internal/jobs"
)

// Progress is the externally visible view of a job.
type Progress struct {
	JobID              string     `json:"job_id" yaml:"job_id"`
	Status             string     `json:"status" yaml:"status"`
	PercentageComplete float64    `json:"percentage_complete" yaml:"percentage_complete"`
	CompletedStages    []string   `json:"completed_stages" yaml:"completed_stages"`
	LatestStage        string     `json:"latest_stage,omitempty" yaml:"latest_stage,omitempty"`
	TotalStages        int        `json:"total_stages" yaml:"total_stages"`
	CumulativeCostUSD  float64    `json:"cumulative_cost_usd" yaml:"cumulative_cost_usd"`
	CumulativeTokens   int        `json:"cumulative_tokens" yaml:"cumulative_tokens"`
	BudgetLimitUSD     float64    `json:"budget_limit_usd" yaml:"budget_limit_usd"`
	CancelRequested    bool       `json:"cancel_requested,omitempty" yaml:"cancel_requested,omitempty"`
	FailedStage        string     `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	Error              string     `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	ResumedAt          *time.Time `json:"resumed_at,omitempty" yaml:"resumed_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Progress reports a job's progress from persisted data only. Completed
// stages are the checkpointed prefix of the declared order; a completed job
// has no checkpoints left and reports every stage done.
func (m *Manager) Progress(ctx context.Context, jobID string) (*Progress, error) {
	rec, err := m.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	p := &Progress{
		JobID:             rec.ID,
		Status:            rec.Status,
		TotalStages:       len(rec.Stages),
		CumulativeCostUSD: rec.CumulativeCostUSD,
		CumulativeTokens:  rec.CumulativeTokens,
		BudgetLimitUSD:    rec.BudgetLimitUSD,
		CancelRequested:   rec.CancelRequested,
		FailedStage:       rec.FailedStage,
		Error:             rec.Error,
		StartedAt:         rec.StartedAt,
		ResumedAt:         rec.ResumedAt,
		CompletedAt:       rec.CompletedAt,
	}

	if rec.Status == jobs.StatusCompleted.String() {
		p.CompletedStages = append([]string(nil), rec.Stages...)
	} else {
		present, err := m.store.List(ctx, jobID)
		if err != nil {
			return nil, err
		}
		have := make(map[string]bool, len(present))
		for _, name := range present {
			have[name] = true
		}
		for _, name := range rec.Stages {
			if !have[name] {
				break
			}
			p.CompletedStages = append(p.CompletedStages, name)
		}
	}

	if n := len(p.CompletedStages); n > 0 {
		p.LatestStage = p.CompletedStages[n-1]
	}
	if p.TotalStages > 0 {
		p.PercentageComplete = 100 * float64(len(p.CompletedStages)) / float64(p.TotalStages)
	}
	return p, nil
}
