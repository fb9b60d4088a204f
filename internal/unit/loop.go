package unit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/scribe/internal/pipeline"
)

// Step is the costed result of a draft or repair call.
type Step struct {
	Content    []byte
	CostUSD    float64
	TokensUsed int
}

// Verdict is a quality gate's decision.
type Verdict struct {
	Passed     bool
	Issues     []string
	CostUSD    float64
	TokensUsed int
}

// Drafter produces the first version of a unit.
type Drafter interface {
	Draft(ctx context.Context, u *Unit) (*Step, error)
}

// Gate validates a unit's content.
type Gate interface {
	Check(ctx context.Context, u *Unit, content []byte) (*Verdict, error)
}

// Repairer rewrites content to address gate issues.
type Repairer interface {
	Repair(ctx context.Context, u *Unit, content []byte, issues []string) (*Step, error)
}

// SubStage names the costed calls made inside a loop.
type SubStage string

const (
	SubStageDraft    SubStage = "draft"
	SubStageValidate SubStage = "validate"
	SubStageRepair   SubStage = "repair"
)

// SubStageEstimator predicts the cost of one sub-stage call.
type SubStageEstimator func(sub SubStage, u *Unit) float64

// Loop drives a unit through draft, validation and bounded repair. Every
// call is checked against the job's ledger before it is made.
type Loop struct {
	Drafter  Drafter
	Gate     Gate
	Repairer Repairer

	Ledger   *pipeline.Ledger
	SpentUSD float64 // job spend before this unit started
	Estimate SubStageEstimator
	Logger   *slog.Logger
}

// Outcome is a finalized unit with its content and what it cost.
type Outcome struct {
	Unit       *Unit
	Content    []byte
	CostUSD    float64
	TokensUsed int
}

// Run produces u. It returns a finalized outcome, a *RepairLimitExceededError
// once the unit has failed validation MaxRepairAttempts times, or the error of
// the first failed call. The unit is never finalized without passing the gate.
func (l *Loop) Run(ctx context.Context, u *Unit) (*Outcome, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("unit", u.ID)
	out := &Outcome{Unit: u}

	fail := func(err error) (*Outcome, error) {
		u.fail()
		return out, err
	}

	if err := u.Transition(StatusDrafting); err != nil {
		return out, err
	}
	if err := l.check(SubStageDraft, u, out); err != nil {
		return fail(err)
	}
	step, err := l.Drafter.Draft(ctx, u)
	if err != nil {
		return fail(fmt.Errorf("draft %s: %w", u.ID, err))
	}
	out.add(step.CostUSD, step.TokensUsed)
	content := step.Content
	if err := u.Transition(StatusDrafted); err != nil {
		return fail(err)
	}

	for {
		if err := u.Transition(StatusValidating); err != nil {
			return fail(err)
		}
		if err := l.check(SubStageValidate, u, out); err != nil {
			return fail(err)
		}
		verdict, err := l.Gate.Check(ctx, u, content)
		if err != nil {
			return fail(fmt.Errorf("validate %s: %w", u.ID, err))
		}
		out.add(verdict.CostUSD, verdict.TokensUsed)

		if verdict.Passed {
			if err := u.Transition(StatusValidated); err != nil {
				return fail(err)
			}
			if err := u.Transition(StatusFinalized); err != nil {
				return fail(err)
			}
			out.Content = content
			logger.Debug("unit finalized", "failed_validations", u.AttemptCount, "cost_usd", out.CostUSD)
			return out, nil
		}

		if err := u.Transition(StatusRepairNeeded); err != nil {
			return fail(err)
		}
		if u.recordFailedValidation() {
			return fail(&RepairLimitExceededError{
				UnitID:     u.ID,
				Attempts:   u.AttemptCount,
				Max:        u.MaxRepairAttempts,
				LastIssues: verdict.Issues,
				CostUSD:    out.CostUSD,
			})
		}
		logger.Info("unit failed quality gate, repairing",
			"attempt", u.AttemptCount, "max", u.MaxRepairAttempts, "issues", len(verdict.Issues))

		if err := u.Transition(StatusRepairing); err != nil {
			return fail(err)
		}
		if err := l.check(SubStageRepair, u, out); err != nil {
			return fail(err)
		}
		step, err := l.Repairer.Repair(ctx, u, content, verdict.Issues)
		if err != nil {
			return fail(fmt.Errorf("repair %s: %w", u.ID, err))
		}
		out.add(step.CostUSD, step.TokensUsed)
		content = step.Content
	}
}

// check applies the job ledger to the next sub-stage call.
func (l *Loop) check(sub SubStage, u *Unit, out *Outcome) error {
	if l.Ledger == nil {
		return nil
	}
	var estimate float64
	if l.Estimate != nil {
		estimate = l.Estimate(sub, u)
	}
	return l.Ledger.Check(u.ID+"/"+string(sub), l.SpentUSD+out.CostUSD, estimate)
}

func (o *Outcome) add(cost float64, tokens int) {
	o.CostUSD += cost
	o.TokensUsed += tokens
}
