package cli

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// NewRootCmd creates the root cobra command for replypilot.
// When invoked without a subcommand, it delegates to "run" for backward compat.
func NewRootCmd(v, c string) *cobra.Command {
	version = v
	commit = c

	root := &cobra.Command{
		Use:   "replypilot",
		Short: "ReplyPilot — YouTube comment engagement backend",
		Long:  "ReplyPilot syncs YouTube comments, scores their sentiment, drafts AI replies, and posts approved replies through each creator's OAuth grant.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newTailCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
