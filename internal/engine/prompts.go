package engine

import (
	"fmt"
	"strings"

	"github.com/harrison/taskloop/internal/gate"
	"github.com/harrison/taskloop/internal/models"
	"github.com/harrison/taskloop/internal/semantic"
)

// BuildPrompt renders the initial implementation request for a task.
func BuildPrompt(task models.Task, resumed bool) string {
	var sb strings.Builder
	if resumed {
		fmt.Fprintf(&sb, "Resume task %s. A previous run was interrupted while working on it; inspect the workspace before continuing.\n\n", task.DisplayName())
	} else {
		fmt.Fprintf(&sb, "Implement task %s.\n\n", task.DisplayName())
	}
	writeTask(&sb, task)

	if task.LastAttempt != nil && !task.LastAttempt.Judge.Passed() && len(task.LastAttempt.Judge.Reason) > 0 {
		sb.WriteString("## Previous attempt\n")
		for _, r := range task.LastAttempt.Judge.Reason {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
		for _, a := range task.LastAttempt.Judge.NextActions {
			fmt.Fprintf(&sb, "- Next: %s\n", a)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Work only on this task. Stop when every command under \"Done when\" exits with status 0.\n")
	return sb.String()
}

// GateRepairPrompt returns the prompt builder for the gate repair loop.
func GateRepairPrompt(task models.Task) gate.PromptBuilder {
	return func(rc gate.RepairContext) string {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Task %s is not done: a verification command is failing (repair attempt %d).\n\n", task.DisplayName(), rc.Attempt)

		if failed := rc.Gates.Failed(); failed != nil {
			fmt.Fprintf(&sb, "## Failing command\n`%s` exited with code %d.\n\n", failed.Command, failed.ExitCode)
			if out := strings.TrimSpace(failed.Output); out != "" {
				fmt.Fprintf(&sb, "## Output\n```\n%s\n```\n\n", out)
			}
		}
		if rc.Streak > 1 {
			fmt.Fprintf(&sb, "This exact failure has now occurred %d times in a row. Your previous changes did not fix it; try a different approach.\n\n", rc.Streak)
		}
		if rc.Unchanged > 0 {
			sb.WriteString("Your previous repair did not change any files. Edit the code to fix the failure.\n\n")
		}

		sb.WriteString("Fix the cause of the failure. Do not weaken, skip or delete the verification command.\n")
		return sb.String()
	}
}

// SemanticRepairPrompt returns the prompt builder for the semantic repair
// loop.
func SemanticRepairPrompt(task models.Task) semantic.PromptBuilder {
	return func(rc semantic.RepairContext) string {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Task %s passes its verification commands but a reviewer found it incomplete (repair attempt %d).\n\n", task.DisplayName(), rc.Attempt)
		writeTask(&sb, task)

		sb.WriteString("## Review findings\n")
		for _, r := range rc.Verdict.Reason {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
		sb.WriteString("\n")
		if len(rc.Verdict.NextActions) > 0 {
			sb.WriteString("## Required actions\n")
			for _, a := range rc.Verdict.NextActions {
				fmt.Fprintf(&sb, "- %s\n", a)
			}
			sb.WriteString("\n")
		}
		if rc.Escalated {
			sb.WriteString("The reviewer reported the same problem after your last repair. Change approach.\n\n")
		}

		sb.WriteString("Address every finding. Keep all verification commands passing.\n")
		return sb.String()
	}
}

func writeTask(sb *strings.Builder, task models.Task) {
	if d := strings.TrimSpace(task.Description); d != "" {
		fmt.Fprintf(sb, "## Description\n%s\n\n", d)
	}
	if len(task.AcceptanceCriteria) > 0 {
		sb.WriteString("## Acceptance criteria\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(sb, "- %s\n", c)
		}
		sb.WriteString("\n")
	}
	if len(task.DoneWhen) > 0 {
		sb.WriteString("## Done when\n")
		for _, c := range task.DoneWhen {
			fmt.Fprintf(sb, "- `%s`\n", c)
		}
		sb.WriteString("\n")
	}
}
