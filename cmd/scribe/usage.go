package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/scribe/internal/svcctx"
)

var usageCmd = &cobra.Command{
	Use:   "usage [user]",
	Short: "Show a user's spend against their ceiling",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user := os.Getenv("USER")
		if len(args) == 1 {
			user = args[0]
		}
		if user == "" {
			user = "local"
		}
		return withServices(cmd, func(s *svcctx.Services) error {
			u, err := s.Usage.Get(cmd.Context(), user)
			if err != nil {
				return err
			}
			return printer.Print(u)
		})
	},
}
