package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for taskloop
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskloop",
		Short: "Drive a coding agent through a task queue until each task is verified done",
		Long: `taskloop works through a task document one task at a time.

For each task it prompts a long-lived coding agent session, runs the task's
doneWhen commands, asks the agent to repair failures, and finally has a
judge confirm the acceptance criteria. A task only completes when every
command passes and the judge returns PASS with an exit signal.

State lives in .taskloop/ under the project root.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("root", "", "Project root (default: nearest directory containing .taskloop, or the current directory)")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewUnlockCommand())
	cmd.AddCommand(NewValidateCommand())

	return cmd
}
