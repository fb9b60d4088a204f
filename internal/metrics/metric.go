// Package metrics records one append-only entry per stage attempt: what was
// estimated, what was spent, how long it took and how it ended.
package metrics

import "time"

// Metric represents a single stage execution attempt.
type Metric struct {
	ID string `json:"id" yaml:"id"`

	// Attribution (for filtering/aggregation)
	JobID   string `json:"job_id" yaml:"job_id"`
	UserID  string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Stage   string `json:"stage" yaml:"stage"`
	Attempt int    `json:"attempt" yaml:"attempt"`

	// Cost and tokens
	EstimatedUSD float64 `json:"estimated_usd,omitempty" yaml:"estimated_usd,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty" yaml:"cost_usd,omitempty"`
	TokensUsed   int     `json:"tokens_used,omitempty" yaml:"tokens_used,omitempty"`

	// Timing
	ExecutionSeconds float64 `json:"execution_seconds,omitempty" yaml:"execution_seconds,omitempty"`

	// Status
	Success   bool   `json:"success" yaml:"success"`
	ErrorType string `json:"error_type,omitempty" yaml:"error_type,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Filter specifies query filters.
type Filter struct {
	JobID   string
	UserID  string
	Stage   string
	Success *bool // nil = any, true = success only, false = errors only
	Limit   int   // 0 = no limit
}

func (f Filter) matches(m *Metric) bool {
	if f.JobID != "" && m.JobID != f.JobID {
		return false
	}
	if f.UserID != "" && m.UserID != f.UserID {
		return false
	}
	if f.Stage != "" && m.Stage != f.Stage {
		return false
	}
	if f.Success != nil && m.Success != *f.Success {
		return false
	}
	return true
}

// Summary provides a summary of metrics for a filter.
type Summary struct {
	Count          int                `json:"count" yaml:"count"`
	TotalCostUSD   float64            `json:"total_cost_usd" yaml:"total_cost_usd"`
	EstimatedUSD   float64            `json:"estimated_usd" yaml:"estimated_usd"`
	TotalTokens    int                `json:"total_tokens" yaml:"total_tokens"`
	TotalSeconds   float64            `json:"total_seconds" yaml:"total_seconds"`
	SuccessCount   int                `json:"success_count" yaml:"success_count"`
	ErrorCount     int                `json:"error_count" yaml:"error_count"`
	Retries        int                `json:"retries" yaml:"retries"`
	AvgCostUSD     float64            `json:"avg_cost_usd" yaml:"avg_cost_usd"`
	AvgTimeSeconds float64            `json:"avg_time_seconds" yaml:"avg_time_seconds"`
	CostByStage    map[string]float64 `json:"cost_by_stage" yaml:"cost_by_stage"`
	ErrorsByType   map[string]int     `json:"errors_by_type,omitempty" yaml:"errors_by_type,omitempty"`
}

// Summarize aggregates a list of metrics.
func Summarize(metrics []*Metric) *Summary {
	s := &Summary{
		Count:        len(metrics),
		CostByStage:  make(map[string]float64),
		ErrorsByType: make(map[string]int),
	}
	for _, m := range metrics {
		s.TotalCostUSD += m.CostUSD
		s.EstimatedUSD += m.EstimatedUSD
		s.TotalTokens += m.TokensUsed
		s.TotalSeconds += m.ExecutionSeconds
		s.CostByStage[m.Stage] += m.CostUSD
		if m.Attempt > 1 {
			s.Retries++
		}
		if m.Success {
			s.SuccessCount++
		} else {
			s.ErrorCount++
			if m.ErrorType != "" {
				s.ErrorsByType[m.ErrorType]++
			}
		}
	}
	if s.Count > 0 {
		s.AvgCostUSD = s.TotalCostUSD / float64(s.Count)
		s.AvgTimeSeconds = s.TotalSeconds / float64(s.Count)
	}
	return s
}
