package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/scribe/internal/llmcall"
	"github.com/jackzampolin/scribe/internal/svcctx"
)

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Inspect recorded LLM calls",
}

var (
	callsFilter    llmcall.Filter
	callsErrorOnly bool
)

var callsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded LLM calls, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := callsFilter
		if callsErrorOnly {
			failed := false
			f.Success = &failed
		}
		return withServices(cmd, func(s *svcctx.Services) error {
			calls, err := s.Calls.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			// Responses can be whole chapters; get shows them.
			for _, c := range calls {
				c.Response = ""
			}
			return printer.Print(calls)
		})
	},
}

var callsGetCmd = &cobra.Command{
	Use:   "get <call-id>",
	Short: "Show one LLM call with its response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd, func(s *svcctx.Services) error {
			c, err := s.Calls.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printer.Print(c)
		})
	},
}

func init() {
	callsListCmd.Flags().StringVar(&callsFilter.JobID, "job", "", "filter by job ID")
	callsListCmd.Flags().StringVar(&callsFilter.Stage, "stage", "", "filter by stage")
	callsListCmd.Flags().StringVar(&callsFilter.PromptKey, "prompt", "", "filter by prompt key")
	callsListCmd.Flags().BoolVar(&callsErrorOnly, "errors", false, "only failed calls")
	callsListCmd.Flags().IntVar(&callsFilter.Limit, "limit", 0, "maximum calls to list")
	callsCmd.AddCommand(callsListCmd, callsGetCmd)
}
