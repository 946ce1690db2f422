// Package uiverify runs an external UI verification command for a task and
// reports an opaque pass/fail result with evidence lines.
package uiverify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/taskloop/internal/gate"
	"github.com/harrison/taskloop/internal/models"
)

// TaskIDPlaceholder in a command is replaced with the task id.
const TaskIDPlaceholder = "{task_id}"

// MaxEvidenceLines caps the evidence kept from verifier output.
const MaxEvidenceLines = 20

// Verifier checks a task's user-facing behaviour.
type Verifier interface {
	Verify(ctx context.Context, task models.Task) models.UIResult
}

// CommandVerifier runs a shell command; exit code zero means pass. The
// last non-empty output lines become the evidence.
type CommandVerifier struct {
	Runner  gate.CommandRunner
	Command string
	Timeout time.Duration
}

// NewCommandVerifier creates a verifier that runs command in workDir.
func NewCommandVerifier(command, workDir string, timeout time.Duration) *CommandVerifier {
	return &CommandVerifier{Runner: gate.NewShellRunner(workDir), Command: command, Timeout: timeout}
}

// Verify implements Verifier.
func (v *CommandVerifier) Verify(ctx context.Context, task models.Task) models.UIResult {
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	command := strings.ReplaceAll(v.Command, TaskIDPlaceholder, task.ID)
	start := time.Now()
	output, err := v.Runner.Run(ctx, command)
	result := models.UIResult{
		OK:         err == nil,
		Evidence:   evidence(output),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		diag := fmt.Sprintf("ui verifier %q failed with exit code %d", command, gate.ExitCode(err))
		if ctx.Err() == context.DeadlineExceeded {
			diag = fmt.Sprintf("ui verifier %q timed out after %s", command, v.Timeout)
		}
		result.Evidence = append([]string{diag}, result.Evidence...)
	}
	return result
}

func evidence(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > MaxEvidenceLines {
		lines = lines[len(lines)-MaxEvidenceLines:]
	}
	return lines
}
