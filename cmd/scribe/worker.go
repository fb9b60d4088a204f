package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/scribe/internal/config"
	"github.com/jackzampolin/scribe/internal/orchestrator"
	"github.com/jackzampolin/scribe/internal/svcctx"
)

var workerDrain bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queued jobs",
	Long: `Claim queued jobs from the checkpoint store and run them concurrently,
up to runner.concurrency at a time. Jobs left running by a crashed process
are resumed first. The config file is watched: model, prompt and gate
changes apply to jobs started afterwards.

With --drain the worker exits once no queued jobs remain.

Examples:
  scribe submit brief.yaml && scribe worker --drain
  scribe worker --log-level debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			cfg := s.Config
			runner := orchestrator.NewRunner(orchestrator.RunnerConfig{
				Orchestrator: s.Orchestrator,
				Store:        s.Store,
				Logger:       s.Logger,
				Concurrency:  cfg.Runner.Concurrency,
				PollInterval: cfg.PollInterval(),
				OnComplete: func(ctx context.Context, a *orchestrator.Artifact) error {
					_, err := s.SaveManuscript(ctx, a)
					return err
				},
			})

			if workerDrain {
				return runner.Drain(cmd.Context())
			}

			if s.ConfigManager.ConfigFile() != "" {
				s.ConfigManager.OnChange(func(c *config.Config) {
					if err := s.Reload(c); err != nil {
						s.Logger.Warn("config change not applied", "error", err)
					}
				})
				s.ConfigManager.WatchConfig()
			}

			s.Logger.Info("worker started",
				"backend", cfg.Storage.Backend,
				"concurrency", cfg.Runner.Concurrency,
				"config", s.ConfigManager.ConfigFile())
			return runner.Run(cmd.Context())
		})
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerDrain, "drain", false, "exit when no queued jobs remain")
}
