package pipeline

import (
	"context"
)

// Stage is one unit of pipeline work. Execute must be a pure function of the
// brief and prior stage outputs held in the state; this is what makes a
// resumed run produce the same artifact as an uninterrupted one.
type Stage interface {
	// Identity
	Name() string           // e.g., "outline", "chapter-03"
	Dependencies() []string // Stages that must complete first

	// Execute runs the stage. Errors wrapped with Transient are retried by the
	// orchestrator; any other error fails the job.
	Execute(ctx context.Context, st *State) (*Result, error)
}

// Result is the cost/output contract of a successful stage execution.
type Result struct {
	Output     []byte
	CostUSD    float64
	TokensUsed int
}

// Estimator predicts the cost of a stage before it runs.
type Estimator interface {
	Estimate(ctx context.Context, stage string, st *State) (float64, error)
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(ctx context.Context, stage string, st *State) (float64, error)

func (f EstimatorFunc) Estimate(ctx context.Context, stage string, st *State) (float64, error) {
	return f(ctx, stage, st)
}

// FuncStage adapts a function to the Stage interface.
type FuncStage struct {
	StageName string
	DependsOn []string
	Fn        func(ctx context.Context, st *State) (*Result, error)
}

func (s *FuncStage) Name() string           { return s.StageName }
func (s *FuncStage) Dependencies() []string { return s.DependsOn }

func (s *FuncStage) Execute(ctx context.Context, st *State) (*Result, error) {
	return s.Fn(ctx, st)
}
