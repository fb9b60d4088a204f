package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/scribe/internal/prompts"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Inspect the prompt templates",
	Long: `Prompt templates are embedded in the binary. A file named <key>.tmpl in
stages.prompts_dir overrides the embedded template of that key.`,
}

func promptResolver() (*prompts.Resolver, error) {
	mgr, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return prompts.NewResolver(mgr.Get().Stages.PromptsDir, logger), nil
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompt keys, their variables and whether they are overridden",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := promptResolver()
		if err != nil {
			return err
		}
		all, err := r.All()
		if err != nil {
			return err
		}
		return printer.Print(all)
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print the template text for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := promptResolver()
		if err != nil {
			return err
		}
		p, err := r.Resolve(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p.Text)
		return nil
	},
}

func init() {
	promptsCmd.AddCommand(promptsListCmd, promptsShowCmd)
}
