// Package gate runs a task's deterministic verification commands and drives
// the worker through repairs until they pass or a budget runs out.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/harrison/taskloop/internal/models"
)

// ConfigExitCode is the exit code reserved for invalid gate configuration.
const ConfigExitCode = 2

// DefaultMaxOutputBytes caps the output kept per gate result.
const DefaultMaxOutputBytes = 8 * 1024

// ErrNoGates is returned by ValidateCommands for an empty command list.
var ErrNoGates = errors.New("task has no gate commands (doneWhen is empty)")

// ConfigError reports a gate command that must not be executed.
type ConfigError struct {
	Index    int
	Command  string
	Reason   string
	ExitCode int
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("gate %d %q: %s (exit code %d)", e.Index+1, e.Command, e.Reason, e.ExitCode)
}

// ValidateCommands checks that every gate is a single-line shell command.
// It never executes anything.
func ValidateCommands(commands []string) error {
	if len(commands) == 0 {
		return ErrNoGates
	}
	for i, cmd := range commands {
		switch {
		case strings.TrimSpace(cmd) == "":
			return &ConfigError{Index: i, Command: cmd, Reason: "empty command", ExitCode: ConfigExitCode}
		case strings.ContainsAny(cmd, "\r\n"):
			return &ConfigError{Index: i, Command: cmd, Reason: "multi-line command", ExitCode: ConfigExitCode}
		}
	}
	return nil
}

// CommandRunner abstracts shell command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, command string) (output string, err error)
}

// ShellRunner executes commands via the system shell.
type ShellRunner struct {
	WorkDir string // Working directory for commands (empty = current dir)
}

// NewShellRunner creates a CommandRunner that executes real shell commands.
func NewShellRunner(workDir string) *ShellRunner {
	return &ShellRunner{WorkDir: workDir}
}

// Run executes a command via sh -c and returns combined stdout/stderr.
func (r *ShellRunner) Run(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if r.WorkDir != "" {
		cmd.Dir = r.WorkDir
	}
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// ExitCode extracts a process exit code from a runner error: 0 for nil, the
// process status for *exec.ExitError, and -1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		if code := coder.ExitCode(); code >= 0 {
			return code
		}
	}
	return -1
}

// Run executes commands in order and stops at the first failure. The
// returned attempt's OK is true only when every command succeeded.
func Run(ctx context.Context, runner CommandRunner, commands []string, maxOutput int) models.GatesAttempt {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	attempt := models.GatesAttempt{Results: make([]models.GateResult, 0, len(commands))}

	for _, cmd := range commands {
		if ctx.Err() != nil {
			attempt.Results = append(attempt.Results, models.GateResult{
				Command:  cmd,
				ExitCode: -1,
				Output:   ctx.Err().Error(),
			})
			return attempt
		}

		start := time.Now()
		output, err := runner.Run(ctx, cmd)
		result := models.GateResult{
			Command:    cmd,
			OK:         err == nil,
			ExitCode:   ExitCode(err),
			DurationMs: time.Since(start).Milliseconds(),
			Output:     truncate(output, maxOutput),
		}
		if err != nil && result.Output == "" {
			result.Output = err.Error()
		}
		attempt.Results = append(attempt.Results, result)

		if err != nil {
			return attempt
		}
	}

	attempt.OK = true
	return attempt
}

// Signature identifies a failing gate run as "<command>#<exitCode>", or ""
// when every gate passed.
func Signature(attempt models.GatesAttempt) string {
	failed := attempt.Failed()
	if failed == nil {
		return ""
	}
	return fmt.Sprintf("%s#%d", failed.Command, failed.ExitCode)
}

// Describe summarises a gate attempt for prompts and attempt reasons.
func Describe(attempt models.GatesAttempt) string {
	failed := attempt.Failed()
	if failed == nil {
		return fmt.Sprintf("all %d gate(s) passed", len(attempt.Results))
	}
	return fmt.Sprintf("gate %q failed with exit code %d", failed.Command, failed.ExitCode)
}

// truncate keeps the tail of output, which is where test runners report
// failures.
func truncate(output string, max int) string {
	if len(output) <= max {
		return output
	}
	return "...(truncated)\n" + output[len(output)-max:]
}
