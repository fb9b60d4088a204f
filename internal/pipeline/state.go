package pipeline

import (
	"fmt"
	"time"

	"github.com/jackzampolin/scribe/internal/checkpoint"
	"github.com/jackzampolin/scribe/internal/jobs"
)

// Job is the job-level metadata carried in pipeline state.
type Job struct {
	ID                string
	UserID            string
	Stages            []string // declared order
	BudgetLimitUSD    float64
	MaxRepairAttempts int
	Status            jobs.Status
	CumulativeCostUSD float64
	CumulativeTokens  int
	FailedStage       string
	Error             string
	CreatedAt         time.Time
	StartedAt         *time.Time
	ResumedAt         *time.Time
	CompletedAt       *time.Time
}

// StageOutput is a completed stage's result as held in state.
type StageOutput struct {
	Output     []byte
	CostUSD    float64
	TokensUsed int
}

// State is the in-memory view of a job's progress. It is derived from
// checkpoints and never persisted directly. Treat it as immutable: the
// manager returns a new State from every mutation.
type State struct {
	Job             Job
	CompletedStages []string
	StageOutputs    map[string]StageOutput
	Brief           []byte
}

func newState(rec *checkpoint.JobRecord) (*State, error) {
	status, err := jobs.ParseStatus(rec.Status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", rec.ID, err)
	}
	return &State{
		Job: Job{
			ID:                rec.ID,
			UserID:            rec.UserID,
			Stages:            append([]string(nil), rec.Stages...),
			BudgetLimitUSD:    rec.BudgetLimitUSD,
			MaxRepairAttempts: rec.MaxRepairAttempts,
			Status:            status,
			FailedStage:       rec.FailedStage,
			Error:             rec.Error,
			CreatedAt:         rec.CreatedAt,
			StartedAt:         rec.StartedAt,
			ResumedAt:         rec.ResumedAt,
			CompletedAt:       rec.CompletedAt,
		},
		StageOutputs: make(map[string]StageOutput),
		Brief:        append([]byte(nil), rec.Brief...),
	}, nil
}

// record converts the state back into the persisted job record.
func (s *State) record() *checkpoint.JobRecord {
	return &checkpoint.JobRecord{
		ID:                s.Job.ID,
		UserID:            s.Job.UserID,
		Stages:            append([]string(nil), s.Job.Stages...),
		Brief:             append([]byte(nil), s.Brief...),
		BudgetLimitUSD:    s.Job.BudgetLimitUSD,
		MaxRepairAttempts: s.Job.MaxRepairAttempts,
		Status:            s.Job.Status.String(),
		CumulativeCostUSD: s.Job.CumulativeCostUSD,
		CumulativeTokens:  s.Job.CumulativeTokens,
		FailedStage:       s.Job.FailedStage,
		Error:             s.Job.Error,
		CreatedAt:         s.Job.CreatedAt,
		StartedAt:         s.Job.StartedAt,
		ResumedAt:         s.Job.ResumedAt,
		CompletedAt:       s.Job.CompletedAt,
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Job.Stages = append([]string(nil), s.Job.Stages...)
	c.CompletedStages = append([]string(nil), s.CompletedStages...)
	c.Brief = append([]byte(nil), s.Brief...)
	c.StageOutputs = make(map[string]StageOutput, len(s.StageOutputs))
	for k, v := range s.StageOutputs {
		v.Output = append([]byte(nil), v.Output...)
		c.StageOutputs[k] = v
	}
	c.Job.StartedAt = cloneTime(s.Job.StartedAt)
	c.Job.ResumedAt = cloneTime(s.Job.ResumedAt)
	c.Job.CompletedAt = cloneTime(s.Job.CompletedAt)
	return &c
}

// IsCompleted reports whether stage has a result in this state.
func (s *State) IsCompleted(stage string) bool {
	_, ok := s.StageOutputs[stage]
	return ok
}

// Output returns a completed stage's output.
func (s *State) Output(stage string) ([]byte, bool) {
	out, ok := s.StageOutputs[stage]
	return out.Output, ok
}

// LastCompleted returns the most recently completed stage, or "".
func (s *State) LastCompleted() string {
	if len(s.CompletedStages) == 0 {
		return ""
	}
	return s.CompletedStages[len(s.CompletedStages)-1]
}

// IsDeclared reports whether the job declares stage.
func (s *State) IsDeclared(stage string) bool {
	for _, name := range s.Job.Stages {
		if name == stage {
			return true
		}
	}
	return false
}

// NextStage returns the first declared stage that is not completed. It never
// skips ahead, whatever checkpoints exist for later stages.
func (s *State) NextStage() (string, bool) {
	for _, name := range s.Job.Stages {
		if !s.IsCompleted(name) {
			return name, true
		}
	}
	return "", false
}

// recompute sets the cumulative totals to the sum over completed stages.
func (s *State) recompute() {
	var cost float64
	var tokens int
	for _, name := range s.CompletedStages {
		out := s.StageOutputs[name]
		cost += out.CostUSD
		tokens += out.TokensUsed
	}
	s.Job.CumulativeCostUSD = cost
	s.Job.CumulativeTokens = tokens
}

func validateStageName(name string) error {
	if err := checkpoint.ValidateName(name); err != nil {
		return fmt.Errorf("stage name: %w", err)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
