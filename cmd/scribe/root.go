package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/scribe/internal/api"
	"github.com/jackzampolin/scribe/internal/config"
	"github.com/jackzampolin/scribe/internal/home"
	"github.com/jackzampolin/scribe/internal/svcctx"
	"github.com/jackzampolin/scribe/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string

	printer *api.Printer
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Checkpointed long-form writing pipeline",
	Long: `Scribe turns a short brief into a full manuscript through a sequence of
LLM stages: an outline, one chapter at a time, then assembly.

Every completed stage is checkpointed, so a job that crashes, runs out of
budget or is cancelled resumes from the last finished stage without paying
for earlier work again. Chapters pass through quality gates and are repaired
until they pass or their repair limit is reached.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.scribe/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "scribe home directory (default: ~/.scribe)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level: debug, info, warn or error",
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		format, err := api.ParseOutputFormat(outputFormat)
		if err != nil {
			return err
		}
		printer = &api.Printer{W: cmd.OutOrStdout(), Format: format}

		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		// Logs go to stderr so structured output on stdout stays parseable.
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	}

	rootCmd.AddCommand(
		versionCmd,
		configCmd,
		promptsCmd,
		briefCmd,
		submitCmd,
		produceCmd,
		resumeCmd,
		cancelCmd,
		statusCmd,
		jobsCmd,
		checkpointsCmd,
		metricsCmd,
		callsCmd,
		exportCmd,
		usageCmd,
		workerCmd,
	)
}

// loadConfig resolves the home directory and reads the config.
func loadConfig() (*config.Manager, *home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := config.NewManager(cfgFile, h.Path(), logger)
	if err != nil {
		return nil, nil, err
	}
	return mgr, h, nil
}

// withServices opens every service, runs fn with them in the command
// context and closes them afterwards.
func withServices(cmd *cobra.Command, fn func(s *svcctx.Services) error) error {
	ctx := cmd.Context()
	mgr, h, err := loadConfig()
	if err != nil {
		return err
	}
	if err := h.EnsureExists(); err != nil {
		return err
	}
	s, err := svcctx.Open(ctx, mgr.Get(), h, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	s.ConfigManager = mgr

	cmd.SetContext(svcctx.WithServices(ctx, s))
	return fn(s)
}
