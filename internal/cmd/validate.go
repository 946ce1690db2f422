package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/taskloop/internal/config"
	"github.com/harrison/taskloop/internal/gate"
	"github.com/harrison/taskloop/internal/models"
	"github.com/harrison/taskloop/internal/taskstore"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [task-file]",
		Short: "Validate the task document",
		Long: `Parse and validate the task document, checking for:
  - Task ids present and unique, statuses known
  - Dependencies that name unknown tasks
  - Circular dependencies
  - doneWhen commands on every task that can still run (at least one,
    each a single line)

The task document defaults to tasks_file from .taskloop/config.yaml.

Exit code: 0 if valid, 2 if doneWhen commands are invalid, 1 for other errors`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(cmd)
			if err != nil {
				return err
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(cmd, root)
				if err != nil {
					return err
				}
				path = config.Resolve(root, cfg.TasksFile)
			}
			return validateTaskFile(path, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	cmd.Flags().String("config", "", "Path to config file (default: .taskloop/config.yaml)")
	return cmd
}

// validateTaskFile validates the document at path, reporting to output.
func validateTaskFile(path string, output io.Writer) error {
	tasks, err := taskstore.New(path).Load()
	if err != nil {
		fmt.Fprintf(output, "✗ Failed to load tasks from %s\n", path)
		fmt.Fprintf(output, "  Error: %v\n", err)
		return fmt.Errorf("invalid task document: %w", err)
	}
	fmt.Fprintf(output, "✓ Loaded %d tasks from %s\n", len(tasks), path)

	var errs []string
	gateErrors := 0

	if missing := taskstore.MissingDependencies(tasks); len(missing) > 0 {
		fmt.Fprintf(output, "✗ Unknown dependencies\n")
		for _, m := range missing {
			errs = append(errs, "unknown dependency "+m)
		}
	} else {
		fmt.Fprintf(output, "✓ All task dependencies valid\n")
	}

	if cycle := taskstore.FindCycle(tasks); cycle != nil {
		fmt.Fprintf(output, "✗ Circular dependency detected\n")
		errs = append(errs, "circular dependency: "+strings.Join(cycle, " -> "))
	} else {
		fmt.Fprintf(output, "✓ No circular dependencies detected\n")
	}

	for _, task := range tasks {
		if task.Status != models.TaskOpen && task.Status != models.TaskInProgress {
			continue
		}
		if err := gate.ValidateCommands(task.DoneWhen); err != nil {
			errs = append(errs, fmt.Sprintf("task %s: invalid doneWhen: %v", task.ID, err))
			gateErrors++
		}
	}
	if gateErrors == 0 {
		fmt.Fprintf(output, "✓ All doneWhen commands valid\n")
	} else {
		fmt.Fprintf(output, "✗ Invalid doneWhen commands\n")
	}

	if len(errs) == 0 {
		fmt.Fprintf(output, "\n✓ Task document is valid!\n")
		return nil
	}

	fmt.Fprintf(output, "\n✗ Validation failed\n")
	for _, msg := range errs {
		fmt.Fprintf(output, "  ✗ %s\n", msg)
	}
	fmt.Fprintf(output, "\nFound %d validation error(s)!\n", len(errs))

	err = fmt.Errorf("found %d validation error(s)", len(errs))
	if gateErrors > 0 {
		return &ExitError{Code: ExitConfig, Err: err}
	}
	return err
}
