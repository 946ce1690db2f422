package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/taskloop/internal/config"
	"github.com/harrison/taskloop/internal/models"
)

// Process exit codes.
const (
	ExitOK = 0
	// ExitHalted means the run stopped on a task that did not pass.
	ExitHalted = 1
	// ExitConfig means invalid configuration or task commands.
	ExitConfig = 2
	// ExitLocked means another run holds the project lock.
	ExitLocked = 3
	// ExitInfrastructure means the run stopped on an infrastructure failure.
	ExitInfrastructure = 4
)

// ExitError carries a process exit code alongside the error.
type ExitError struct {
	Code int
	Err  error
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code for an error returned by a command.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitHalted
}

// exitCodeFor maps a run's reason code to a process exit code.
func exitCodeFor(code models.ReasonCode) int {
	if code == models.ReasonInvalidGates {
		return ExitConfig
	}
	switch code.Category() {
	case models.CategorySuccess:
		return ExitOK
	case models.CategoryInfrastructure:
		return ExitInfrastructure
	default:
		return ExitHalted
	}
}

// resolveRoot returns the --root flag value or the discovered project root.
func resolveRoot(cmd *cobra.Command) (string, error) {
	root, _ := cmd.Flags().GetString("root")
	if root != "" {
		return root, nil
	}
	return config.FindRoot(".")
}

// loadConfig loads --config when given, else .taskloop/config.yaml.
func loadConfig(cmd *cobra.Command, root string) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.PathsFor(root).Config
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, &ExitError{Code: ExitConfig, Err: fmt.Errorf("failed to load config from %s: %w", path, err)}
	}
	return cfg, nil
}
