package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/harrison/taskloop/internal/config"
	"github.com/harrison/taskloop/internal/history"
	"github.com/harrison/taskloop/internal/logger"
	"github.com/harrison/taskloop/internal/models"
	"github.com/harrison/taskloop/internal/runlock"
	"github.com/harrison/taskloop/internal/runstate"
	"github.com/harrison/taskloop/internal/taskstore"
	"github.com/harrison/taskloop/internal/watch"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the run lock, run state and task queue",
		Long: `Show who holds the run lock, the phase of the current or last run,
queue progress, and the outcome of the last recorded run.

With --watch the status is reprinted on every change until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorOutput := false
			if f, ok := out.(*os.File); ok {
				colorOutput = isatty.IsTerminal(f.Fd())
			}
			if watchFlag, _ := cmd.Flags().GetBool("watch"); watchFlag {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return watchStatus(ctx, out, root, cfg, colorOutput)
			}
			return showStatus(cmd.Context(), out, root, cfg, colorOutput)
		},
	}
	cmd.Flags().String("config", "", "Path to config file (default: .taskloop/config.yaml)")
	cmd.Flags().Bool("watch", false, "Keep running and reprint status whenever the lock, run state or task document changes")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, root string, cfg *config.Config, colorOutput bool) error {
	paths := config.PathsFor(root)

	lock := runlock.NewManager(runlock.Config{Path: paths.Lock, StaleAfter: cfg.Lock.StaleAfter}, nil)
	ls, err := lock.Inspect()
	if err != nil {
		return fmt.Errorf("inspect run lock: %w", err)
	}
	switch {
	case !ls.Present:
		fmt.Fprintln(out, "Lock:    free")
	case ls.Legacy:
		fmt.Fprintln(out, "Lock:    legacy lock without owner (will be migrated on next run)")
	case ls.Stale:
		fmt.Fprintf(out, "Lock:    stale (pid %d, controller %s): %s\n", ls.Lock.PID(), ls.Lock.ControllerID, ls.Reason)
	default:
		fmt.Fprintf(out, "Lock:    held by pid %d, controller %s, heartbeat %s ago\n",
			ls.Lock.PID(), ls.Lock.ControllerID, time.Since(ls.Lock.HeartbeatAt).Round(time.Second))
	}

	st, err := runstate.New(paths.State).Load()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Run:     %s", st.Status)
	if st.Status == models.RunDoing {
		fmt.Fprintf(out, " (phase %s, task %s)", st.Phase, st.CurrentTaskID)
		if !ls.Present || ls.Stale {
			fmt.Fprint(out, ", interrupted")
		}
	} else if st.CurrentTaskID != "" {
		fmt.Fprintf(out, " (last task %s)", st.CurrentTaskID)
	}
	fmt.Fprintln(out)

	store := taskstore.New(config.Resolve(root, cfg.TasksFile))
	tasks, err := store.Load()
	if err != nil {
		fmt.Fprintf(out, "Tasks:   %v\n", err)
	} else {
		fmt.Fprintf(out, "Tasks:   %s\n", logger.QueueProgress(tasks, 20, colorOutput).Render())
		for _, t := range tasks {
			if t.Status == models.TaskInProgress || t.Status == models.TaskBlocked {
				line := fmt.Sprintf("  %s %s", t.ID, logger.StatusText(t.Status, colorOutput))
				if t.LastAttempt != nil && t.LastAttempt.Judge.Code != "" {
					line += fmt.Sprintf(" (%s): %s", logger.CodeText(t.LastAttempt.Judge.Code, colorOutput), t.LastAttempt.Judge.TopReason())
				}
				fmt.Fprintln(out, line)
			}
		}
	}

	if cfg.History.Enabled {
		dbPath := config.Resolve(root, cfg.History.DBPath)
		if _, err := os.Stat(dbPath); err == nil {
			h, err := history.Open(dbPath)
			if err != nil {
				return err
			}
			defer h.Close()
			last, err := h.LastRun(ctx)
			if err != nil {
				return err
			}
			if last != nil {
				fmt.Fprintf(out, "Last:    run %s: attempted %d, completed %d, blocked %d, %s\n",
					last.ID, last.Attempted, last.Completed, last.Blocked, logger.CodeText(last.Code, colorOutput))
			}
		}
	}
	return nil
}

// watchStatus prints the status, then reprints it after each change to the
// run lock, run state or task document until ctx is done.
func watchStatus(ctx context.Context, out io.Writer, root string, cfg *config.Config, colorOutput bool) error {
	if _, err := config.EnsureStateDir(root); err != nil {
		return err
	}
	paths := config.PathsFor(root)
	w, err := watch.New(paths.Lock, paths.State, config.Resolve(root, cfg.TasksFile))
	if err != nil {
		return fmt.Errorf("watch run files: %w", err)
	}
	defer w.Close()

	for {
		if err := showStatus(ctx, out, root, cfg, colorOutput); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-w.Errors():
			return fmt.Errorf("watch run files: %w", err)
		case ev := <-w.Events():
			fmt.Fprintf(out, "\n--- %s %s at %s ---\n", ev.Path, ev.Op, ev.Timestamp.Format("15:04:05"))
		}
	}
}
