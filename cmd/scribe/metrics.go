package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/scribe/internal/metrics"
	"github.com/jackzampolin/scribe/internal/svcctx"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Stage attempt metrics and cost tracking",
}

var (
	metricsFilter    metrics.Filter
	metricsErrorOnly bool
)

func registerMetricsFilter(cmd *cobra.Command) {
	cmd.Flags().StringVar(&metricsFilter.JobID, "job", "", "filter by job ID")
	cmd.Flags().StringVar(&metricsFilter.UserID, "user", "", "filter by user")
	cmd.Flags().StringVar(&metricsFilter.Stage, "stage", "", "filter by stage")
	cmd.Flags().BoolVar(&metricsErrorOnly, "errors", false, "only failed attempts")
}

func currentMetricsFilter() metrics.Filter {
	f := metricsFilter
	if metricsErrorOnly {
		failed := false
		f.Success = &failed
	}
	return f
}

var metricsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded stage attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			ms, err := s.MetricStore.List(cmd.Context(), currentMetricsFilter())
			if err != nil {
				return err
			}
			return printer.Print(ms)
		})
	},
}

var metricsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize cost, tokens, retries and errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			ms, err := s.MetricStore.List(cmd.Context(), currentMetricsFilter())
			if err != nil {
				return err
			}
			return printer.Print(metrics.Summarize(ms))
		})
	},
}

func init() {
	registerMetricsFilter(metricsListCmd)
	metricsListCmd.Flags().IntVar(&metricsFilter.Limit, "limit", 0, "maximum attempts to list")
	registerMetricsFilter(metricsSummaryCmd)
	metricsCmd.AddCommand(metricsListCmd, metricsSummaryCmd)
}
