package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/harrison/taskloop/internal/budget"
	"github.com/harrison/taskloop/internal/worker"
)

// VerdictSchema constrains the CLI's structured output.
const VerdictSchema = `{"type":"object","properties":{"status":{"type":"string","enum":["PASS","FAIL"]},"exitSignal":{"type":"boolean"},"reason":{"type":"array","items":{"type":"string"}},"nextActions":{"type":"array","items":{"type":"string"}}},"required":["status","exitSignal","reason","nextActions"]}`

// DefaultSystemPrompt keeps the verifier's output machine-readable.
const DefaultSystemPrompt = "You are a strict code reviewer. Your ONLY output must be valid JSON matching the provided schema. No markdown, no code fences, no prose."

// CLIJudge invokes an agent CLI as the verifier.
// It follows the http.Client pattern: create once, use many times.
type CLIJudge struct {
	// Command is the CLI binary. Defaults to "claude".
	Command string
	// Model is passed as --model when set.
	Model string
	// Timeout bounds one invocation.
	Timeout time.Duration
	// WorkDir is the directory the CLI runs in.
	WorkDir string
	// Waiter, when set, waits out a reported rate limit and retries once.
	Waiter *budget.RateLimitWaiter
}

// Judge implements Judge.
func (j *CLIJudge) Judge(ctx context.Context, bundle Bundle) (string, error) {
	prompt := BuildPrompt(bundle)
	out, err := j.invoke(ctx, prompt)
	if err == nil || j.Waiter == nil {
		return out, err
	}

	limit, limited := budget.ParseRateLimit(err.Error(), time.Now(), 5*time.Minute)
	if !limited || !j.Waiter.ShouldWait(limit) {
		return "", err
	}
	if waitErr := j.Waiter.Wait(ctx, limit); waitErr != nil {
		return "", waitErr
	}
	return j.invoke(ctx, prompt)
}

func (j *CLIJudge) invoke(ctx context.Context, prompt string) (string, error) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	args := []string{"--system-prompt", DefaultSystemPrompt, "-p", prompt,
		"--json-schema", VerdictSchema, "--output-format", "json"}
	if j.Model != "" {
		args = append(args, "--model", j.Model)
	}
	args = append(args, "--settings", `{"disableAllHooks": true}`)

	command := j.Command
	if command == "" {
		command = "claude"
	}
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = j.WorkDir
	worker.SetCleanEnv(cmd)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("judge invocation failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return extractResult(output), nil
}

// extractResult unwraps the CLI's JSON envelope, preferring structured
// output over the free-text result. Anything else is returned as is.
func extractResult(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	var envelope struct {
		Result           string          `json:"result"`
		StructuredOutput json.RawMessage `json:"structured_output"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return string(trimmed)
	}
	if len(envelope.StructuredOutput) > 0 && string(envelope.StructuredOutput) != "null" {
		return string(envelope.StructuredOutput)
	}
	if envelope.Result != "" {
		return envelope.Result
	}
	return string(trimmed)
}
