package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harrison/taskloop/internal/config"
	"github.com/harrison/taskloop/internal/runlock"
)

// NewUnlockCommand creates the unlock command
func NewUnlockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Remove a stale run lock",
		Long: `Remove the run lock left behind by a run that is no longer alive.

A lock whose owner is still running is refused unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			return unlock(cmd.OutOrStdout(), root, force)
		},
	}
	cmd.Flags().Bool("force", false, "Remove the lock even if its owner appears alive")
	return cmd
}

func unlock(out io.Writer, root string, force bool) error {
	lock := runlock.NewManager(runlock.Config{Path: config.PathsFor(root).Lock}, nil)
	st, err := lock.Inspect()
	if err != nil {
		return fmt.Errorf("inspect run lock: %w", err)
	}
	if !st.Present {
		fmt.Fprintln(out, "No run lock present.")
		return nil
	}
	if !st.Stale && !force {
		return &ExitError{Code: ExitLocked, Err: fmt.Errorf("run lock is held by live pid %d (controller %s); use --force to remove it anyway",
			st.Lock.PID(), st.Lock.ControllerID)}
	}

	removed, err := lock.ForceRemove()
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintf(out, "Removed run lock %s.\n", lock.Path())
	} else {
		fmt.Fprintln(out, "No run lock present.")
	}
	return nil
}
