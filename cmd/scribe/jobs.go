package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/scribe/internal/brief"
	"github.com/jackzampolin/scribe/internal/checkpoint"
	"github.com/jackzampolin/scribe/internal/jobs"
	"github.com/jackzampolin/scribe/internal/orchestrator"
	"github.com/jackzampolin/scribe/internal/svcctx"
)

// jobFlags are shared by submit and produce.
type jobFlags struct {
	jobID      string
	userID     string
	budget     float64
	maxRepairs int
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "job ID (default: a new UUID)")
	cmd.Flags().StringVar(&f.userID, "user", "", "owning user (default: $USER)")
	cmd.Flags().Float64Var(&f.budget, "budget", 0, "budget ceiling in USD (default: defaults.budget_usd)")
	cmd.Flags().IntVar(&f.maxRepairs, "max-repairs", 0, "repair attempts per chapter (default: defaults.max_repair_attempts)")
}

// request reads the brief and fills unset flags from config.
func (f *jobFlags) request(cmd *cobra.Command, s *svcctx.Services, path string) (orchestrator.Request, error) {
	b, err := brief.Load(path)
	if err != nil {
		return orchestrator.Request{}, err
	}
	canonical, err := b.Canonical()
	if err != nil {
		return orchestrator.Request{}, err
	}

	req := orchestrator.Request{
		JobID:             f.jobID,
		UserID:            f.userID,
		Brief:             canonical,
		BudgetLimitUSD:    s.Config.Defaults.BudgetUSD,
		MaxRepairAttempts: s.Config.Defaults.MaxRepairAttempts,
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if req.UserID == "" {
		req.UserID = os.Getenv("USER")
	}
	if req.UserID == "" {
		req.UserID = "local"
	}
	if cmd.Flags().Changed("budget") {
		req.BudgetLimitUSD = f.budget
	}
	if cmd.Flags().Changed("max-repairs") {
		req.MaxRepairAttempts = f.maxRepairs
	}
	return req, nil
}

// runResult is what produce and resume print.
type runResult struct {
	JobID      string   `json:"job_id" yaml:"job_id"`
	Status     string   `json:"status" yaml:"status"`
	CostUSD    float64  `json:"cost_usd" yaml:"cost_usd"`
	Tokens     int      `json:"tokens" yaml:"tokens"`
	Stages     []string `json:"stages,omitempty" yaml:"stages,omitempty"`
	Manuscript string   `json:"manuscript,omitempty" yaml:"manuscript,omitempty"`
	FailedAt   string   `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	Error      string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// report saves a finished artifact or describes why the run stopped. A
// failed or cancelled job is reported, then returned as an error so the
// exit status is non-zero.
func report(ctx context.Context, s *svcctx.Services, jobID string, art *orchestrator.Artifact, runErr error) error {
	if runErr == nil {
		path, err := s.SaveManuscript(ctx, art)
		if err != nil {
			return err
		}
		return printer.Print(runResult{
			JobID:      art.JobID,
			Status:     jobs.StatusCompleted.String(),
			CostUSD:    art.CostUSD,
			Tokens:     art.Tokens,
			Stages:     art.Stages,
			Manuscript: path,
		})
	}

	var failed *orchestrator.JobFailedError
	switch {
	case errors.As(runErr, &failed):
		if err := printer.Print(runResult{
			JobID:    jobID,
			Status:   jobs.StatusFailed.String(),
			CostUSD:  failed.CostUSD,
			FailedAt: failed.Stage,
			Error:    failed.Err.Error(),
		}); err != nil {
			return err
		}
	case errors.Is(runErr, orchestrator.ErrCancelled), errors.Is(runErr, orchestrator.ErrInterrupted):
		// An interrupted job is still running; its progress tells the user
		// where `scribe resume` will pick up.
		if p, err := s.Orchestrator.Progress(context.WithoutCancel(ctx), jobID); err == nil {
			if err := printer.Print(p); err != nil {
				return err
			}
		}
	}
	return runErr
}

var (
	submitFlags  jobFlags
	produceFlags jobFlags
)

var submitCmd = &cobra.Command{
	Use:   "submit <brief.yaml>",
	Short: "Queue a job for `scribe worker`",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			req, err := submitFlags.request(cmd, s, args[0])
			if err != nil {
				return err
			}
			p, err := s.Orchestrator.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printer.Print(p)
		})
	},
}

var produceCmd = &cobra.Command{
	Use:   "produce <brief.yaml>",
	Short: "Run a job in the foreground",
	Long: `Run a job to completion in this process and write the manuscript to
~/.scribe/manuscripts/<job-id>.md. Interrupting with Ctrl+C leaves the job
resumable from its last completed stage.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			req, err := produceFlags.request(cmd, s, args[0])
			if err != nil {
				return err
			}
			logger.Info("producing", "job_id", req.JobID, "budget_usd", req.BudgetLimitUSD)
			art, err := s.Orchestrator.Produce(cmd.Context(), req)
			return report(cmd.Context(), s, req.JobID, art, err)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Continue a job from its checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			art, err := s.Orchestrator.Resume(cmd.Context(), args[0])
			return report(cmd.Context(), s, args[0], art, err)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation at the next stage boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			if err := s.Orchestrator.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			p, err := s.Orchestrator.Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printer.Print(p)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			p, err := s.Orchestrator.Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printer.Print(p)
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job management commands",
}

var jobsListFilter checkpoint.ListFilter

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jobsListFilter.Status != "" {
			if _, err := jobs.ParseStatus(jobsListFilter.Status); err != nil {
				return err
			}
		}
		return withServices(cmd, func(s *svcctx.Services) error {
			recs, err := s.Store.ListJobs(cmd.Context(), jobsListFilter)
			if err != nil {
				return err
			}
			return printer.Print(recs)
		})
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job record and all of its checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			rec, err := s.Store.LoadJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec.Status == jobs.StatusRunning.String() {
				return fmt.Errorf("job %s is running; cancel it first", rec.ID)
			}
			return s.Store.DeleteJob(cmd.Context(), args[0])
		})
	},
}

func init() {
	submitFlags.register(submitCmd)
	produceFlags.register(produceCmd)

	jobsListCmd.Flags().StringVar(&jobsListFilter.Status, "status", "", "filter by status")
	jobsListCmd.Flags().StringVar(&jobsListFilter.UserID, "user", "", "filter by owning user")
	jobsListCmd.Flags().IntVar(&jobsListFilter.Limit, "limit", 0, "maximum jobs to list (default 100)")
	jobsCmd.AddCommand(jobsListCmd, jobsDeleteCmd)
}
