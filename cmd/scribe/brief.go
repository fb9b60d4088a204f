package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/scribe/internal/brief"
	"github.com/jackzampolin/scribe/internal/stages"
)

var briefCmd = &cobra.Command{
	Use:   "brief",
	Short: "Brief file commands",
}

// briefCheck is what `brief validate` reports.
type briefCheck struct {
	Brief  *brief.Brief `json:"brief" yaml:"brief"`
	Stages []string     `json:"stages" yaml:"stages"`
}

var briefValidateCmd = &cobra.Command{
	Use:   "validate <brief.yaml>",
	Short: "Validate a brief and list the stages it would run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		b, err := brief.Parse(raw)
		if err != nil {
			return err
		}
		canonical, err := b.Canonical()
		if err != nil {
			return err
		}
		// The stage list comes from the real pipeline; no model is called.
		p, err := stages.New(stages.Config{Client: stages.NewDryRunClient(), Logger: logger})
		if err != nil {
			return err
		}
		reg, err := p.Build(canonical)
		if err != nil {
			return err
		}
		declared, err := reg.Declared()
		if err != nil {
			return err
		}
		return printer.Print(briefCheck{Brief: b, Stages: declared})
	},
}

func init() {
	briefCmd.AddCommand(briefValidateCmd)
}
