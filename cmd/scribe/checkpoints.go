package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/scribe/internal/checkpoint"
	"github.com/jackzampolin/scribe/internal/jobs"
	"github.com/jackzampolin/scribe/internal/svcctx"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and purge stage checkpoints",
}

// checkpointInfo summarizes one stored checkpoint without its payload.
type checkpointInfo struct {
	Stage      string    `json:"stage" yaml:"stage"`
	CostUSD    float64   `json:"cost_usd" yaml:"cost_usd"`
	TokensUsed int       `json:"tokens_used" yaml:"tokens_used"`
	Bytes      int       `json:"bytes" yaml:"bytes"`
	Checksum   string    `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	SavedAt    time.Time `json:"saved_at,omitempty" yaml:"saved_at,omitempty"`
	Corrupt    string    `json:"corrupt,omitempty" yaml:"corrupt,omitempty"`
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list <job-id>",
	Short: "List a job's checkpoints in declared stage order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			ctx := cmd.Context()
			names, err := s.Store.List(ctx, args[0])
			if err != nil {
				return err
			}
			out := make([]checkpointInfo, 0, len(names))
			for _, name := range names {
				rec, err := s.Store.Load(ctx, args[0], name)
				var corrupt *checkpoint.CorruptionError
				switch {
				case errors.As(err, &corrupt):
					out = append(out, checkpointInfo{Stage: name, Corrupt: corrupt.Error()})
					continue
				case err != nil:
					return err
				}
				out = append(out, checkpointInfo{
					Stage:      name,
					CostUSD:    rec.CostUSD,
					TokensUsed: rec.TokensUsed,
					Bytes:      len(rec.Payload),
					Checksum:   rec.Checksum,
					SavedAt:    rec.CreatedAt,
				})
			}
			return printer.Print(out)
		})
	},
}

var checkpointsPurgeCmd = &cobra.Command{
	Use:   "purge <job-id>",
	Short: "Delete a job's checkpoints, keeping the job record",
	Long: `Delete every checkpoint of a job. The job record stays, so a purged job
that is resumed starts again from its first stage.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			rec, err := s.Store.LoadJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec.Status == jobs.StatusRunning.String() {
				return errors.New("job is running; cancel it before purging")
			}
			return s.Store.DeleteAll(cmd.Context(), args[0])
		})
	},
}

func init() {
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsPurgeCmd)
}
