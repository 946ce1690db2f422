package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrison/taskloop/internal/models"
)

// Bundle is the context handed to the verifier.
type Bundle struct {
	Task     models.Task
	Gates    models.GatesAttempt
	UI       *models.UIResult
	Attempt  int
	Previous *models.JudgeVerdict
}

// Judge renders a free-text verdict for a bundle.
type Judge interface {
	Judge(ctx context.Context, bundle Bundle) (string, error)
}

// Normalize enforces the verdict invariants: only PASS or FAIL, a PASS
// needs an exit signal, and a FAIL always carries a reason and a code.
func Normalize(v models.JudgeVerdict) models.JudgeVerdict {
	v.Status = strings.ToUpper(strings.TrimSpace(v.Status))
	v.Reason = compact(v.Reason)
	v.NextActions = compact(v.NextActions)

	switch v.Status {
	case models.VerdictPass:
		if !v.ExitSignal {
			v.Status = models.VerdictFail
			v.Code = models.ReasonJudgeFail
			v.Reason = append([]string{"judge returned PASS without EXIT_SIGNAL=true; treated as FAIL"}, v.Reason...)
			return v
		}
		v.Code = models.ReasonPass
		return v
	case models.VerdictFail:
	default:
		v.Reason = append([]string{fmt.Sprintf("judge returned unrecognised status %q; treated as FAIL", v.Status)}, v.Reason...)
		v.Status = models.VerdictFail
	}

	v.ExitSignal = false
	if v.Code == "" || v.Code == models.ReasonPass {
		v.Code = models.ReasonJudgeFail
	}
	if len(v.Reason) == 0 {
		v.Reason = []string{"judge returned FAIL without a reason"}
	}
	return v
}

// Evaluate asks j for a verdict. Call failures and unparsable output become
// FAIL verdicts coded judge_transport; they are never returned as errors.
func Evaluate(ctx context.Context, j Judge, bundle Bundle) models.JudgeVerdict {
	output, err := j.Judge(ctx, bundle)
	if err != nil {
		return models.FailVerdict(models.ReasonJudgeTransport,
			fmt.Sprintf("judge call failed: %v", err),
			"Check that the judge command is installed and reachable, then re-run.")
	}
	v, err := Parse(output)
	if err != nil {
		return models.FailVerdict(models.ReasonJudgeTransport,
			fmt.Sprintf("judge output could not be parsed: %v", err),
			"Inspect the judge output format; it must contain STATUS and EXIT_SIGNAL markers or a JSON verdict.")
	}
	return Normalize(v)
}

// IsTransport reports whether v records a failure to obtain a verdict
// rather than a verdict itself.
func IsTransport(v models.JudgeVerdict) bool {
	return v.Code == models.ReasonJudgeTransport
}

// ApplyBackpressure compares cur with the previous verdict for the same
// task. When both failed for the same top-level reason, cur gains escalated
// guidance and the second return value is true.
func ApplyBackpressure(prev, cur models.JudgeVerdict) (models.JudgeVerdict, bool) {
	if cur.Passed() || prev.Passed() || IsTransport(cur) || IsTransport(prev) {
		return cur, false
	}
	if prev.Status != models.VerdictFail || cur.Status != models.VerdictFail {
		return cur, false
	}
	top := normalizeReason(cur.TopReason())
	if top == "" || top != normalizeReason(prev.TopReason()) {
		return cur, false
	}

	escalation := []string{
		fmt.Sprintf("The previous repair did not resolve: %q. Do not repeat the same change.", cur.TopReason()),
		"Reproduce the failure directly, identify its root cause and make a targeted fix.",
		"If the requirement cannot be met, state exactly what blocks it instead of making superficial edits.",
	}
	out := cur
	out.NextActions = append(append([]string{}, cur.NextActions...), escalation...)
	return out, true
}

func normalizeReason(reason string) string {
	return strings.Join(strings.Fields(strings.ToLower(reason)), " ")
}

// BuildPrompt renders the review request for a bundle.
func BuildPrompt(b Bundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review whether task %s is complete.\n\n", b.Task.DisplayName())
	if b.Task.Description != "" {
		fmt.Fprintf(&sb, "## Task\n%s\n\n", strings.TrimSpace(b.Task.Description))
	}
	if len(b.Task.AcceptanceCriteria) > 0 {
		sb.WriteString("## Acceptance criteria\n")
		for _, c := range b.Task.AcceptanceCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Deterministic gates (doneWhen)\n")
	for _, r := range b.Gates.Results {
		status := "PASS"
		if !r.OK {
			status = "FAIL"
		}
		fmt.Fprintf(&sb, "- [%s] `%s` (exit %d, %dms)\n", status, r.Command, r.ExitCode, r.DurationMs)
	}
	sb.WriteString("\n")

	if b.UI != nil {
		status := "PASS"
		if !b.UI.OK {
			status = "FAIL"
		}
		fmt.Fprintf(&sb, "## UI verification: %s\n", status)
		for _, e := range b.UI.Evidence {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
		sb.WriteString("\n")
	}

	if b.Previous != nil && len(b.Previous.Reason) > 0 {
		sb.WriteString("## Previous verdict reasons\n")
		for _, r := range b.Previous.Reason {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(`Inspect the workspace and decide whether every acceptance criterion is met.
Respond with a JSON object matching the provided schema:
{"status": "PASS" or "FAIL", "exitSignal": true only when the task is fully complete,
 "reason": [short reasons, most important first], "nextActions": [concrete fixes]}
A PASS without exitSignal=true is treated as FAIL.
`)
	return sb.String()
}
