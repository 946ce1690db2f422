// Package semantic runs the judge-driven repair loop that follows a passing
// gate run: Judge -> PASS | RequestSemanticRepair -> AwaitIdle ->
// RerunGates -> Judge.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/taskloop/internal/budget"
	"github.com/harrison/taskloop/internal/gate"
	"github.com/harrison/taskloop/internal/judge"
	"github.com/harrison/taskloop/internal/models"
)

// Defaults applied for zero Config fields.
const (
	DefaultMaxRepeatedFailures   = 3
	DefaultJudgeTransportRetries = 2
)

const maxUnchangedRepairs = 2

// Config bounds a Loop.
type Config struct {
	MaxElapsed            time.Duration
	MaxRepeatedFailures   int
	JudgeTransportRetries int
	MaxOutputBytes        int
}

// Input is the state the loop starts from.
type Input struct {
	Task     models.Task
	Commands []string
	Gates    models.GatesAttempt
	UI       *models.UIResult
	// Previous is the task's last recorded verdict, if any.
	Previous *models.JudgeVerdict
}

// RepairContext is handed to the prompt builder for each repair.
type RepairContext struct {
	Attempt   int
	Verdict   models.JudgeVerdict
	Escalated bool
	Gates     models.GatesAttempt
}

// PromptBuilder renders the semantic repair prompt.
type PromptBuilder func(rc RepairContext) string

// Result is the outcome of Loop.Run. Verdict is always set; on failure it
// carries Code and the stop reason first.
type Result struct {
	OK                  bool
	Verdict             models.JudgeVerdict
	Attempts            int
	StoppedForNoChanges bool
	Regression          bool
	Gates               models.GatesAttempt
	Code                models.ReasonCode
	Err                 error
}

// Loop is the semantic repair loop for one task.
type Loop struct {
	Judge       judge.Judge
	Worker      gate.Worker
	Runner      gate.CommandRunner
	Fingerprint gate.Fingerprinter
	Attempts    *budget.Attempts
	Checkpoint  gate.Checkpoint
	Config      Config
	Logger      gate.Logger
	Clock       func() time.Time
}

// Run judges the task and repairs it until the judge passes it or a bound
// is hit. Judge transport failures are retried without consuming a repair
// attempt.
func (l *Loop) Run(ctx context.Context, in Input, build PromptBuilder) Result {
	maxRepeated := l.Config.MaxRepeatedFailures
	if maxRepeated <= 0 {
		maxRepeated = DefaultMaxRepeatedFailures
	}
	retries := l.Config.JudgeTransportRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = DefaultJudgeTransportRetries
	}
	attempts := l.Attempts
	if attempts == nil {
		attempts = budget.NewAttempts(0)
	}
	window := budget.NewWindow(l.Config.MaxElapsed, l.Clock)

	result := Result{Gates: in.Gates}
	var prev models.JudgeVerdict
	if in.Previous != nil {
		prev = *in.Previous
	}
	transportFailures := 0
	repeated := 0
	unchanged := 0

	for {
		if err := l.checkpoint(ctx, models.PhaseJudge); err != nil {
			return l.stop(result, models.CodeOf(err, models.ReasonLockLost), err)
		}

		bundle := judge.Bundle{Task: in.Task, Gates: result.Gates, UI: in.UI, Attempt: result.Attempts + 1}
		if prev.Status != "" {
			p := prev
			bundle.Previous = &p
		}
		verdict := judge.Evaluate(ctx, l.Judge, bundle)

		if judge.IsTransport(verdict) {
			transportFailures++
			result.Verdict = verdict
			if ctx.Err() != nil || transportFailures > retries {
				return l.stop(result, models.ReasonJudgeTransport,
					fmt.Errorf("judge unavailable after %d call(s): %s", transportFailures, verdict.TopReason()))
			}
			l.logWarn(fmt.Sprintf("judge transport failure (%d/%d): %s", transportFailures, retries, verdict.TopReason()))
			continue
		}
		transportFailures = 0

		if verdict.Passed() {
			result.OK = true
			result.Verdict = verdict
			result.Code = models.ReasonPass
			return result
		}

		verdict, escalated := judge.ApplyBackpressure(prev, verdict)
		if escalated {
			repeated++
		} else {
			repeated = 1
		}
		result.Verdict = verdict

		if repeated >= maxRepeated {
			return l.stop(result, models.ReasonRepeatedFailure,
				fmt.Errorf("judge failed %d times in a row for the same reason: %s", repeated, verdict.TopReason()))
		}
		if result.Attempts > 0 && window.Expired() {
			return l.stop(result, models.ReasonSemanticBudget,
				fmt.Errorf("semantic repair time budget of %s exhausted", window.Limit()))
		}
		if !attempts.TryConsume() {
			return l.stop(result, models.ReasonSemanticBudget,
				fmt.Errorf("repair attempt ceiling reached (%s)", attempts))
		}
		result.Attempts++

		if err := l.checkpoint(ctx, models.PhaseSemanticRepair); err != nil {
			return l.stop(result, models.CodeOf(err, models.ReasonLockLost), err)
		}
		before := l.fingerprint()
		prompt := build(RepairContext{Attempt: result.Attempts, Verdict: verdict, Escalated: escalated, Gates: result.Gates})
		dispatch := l.Worker.Dispatch(ctx, models.PhaseSemanticRepair, prompt)
		if !dispatch.OK {
			return l.stop(result, dispatch.Reason, dispatch.Err)
		}
		if wait := l.Worker.AwaitIdle(ctx, dispatch.IdleSequenceBeforePrompt); !wait.OK {
			return l.stop(result, gate.IdleCode(wait),
				fmt.Errorf("worker did not become idle after semantic repair: %s", wait.Reason))
		}

		if err := l.checkpoint(ctx, models.PhaseGates); err != nil {
			return l.stop(result, models.CodeOf(err, models.ReasonLockLost), err)
		}
		after := l.fingerprint()
		if before != "" && before == after {
			unchanged++
		} else {
			unchanged = 0
		}

		gates := gate.Run(ctx, l.Runner, in.Commands, l.Config.MaxOutputBytes)
		result.Gates = gates
		if err := gate.Interrupted(ctx); err != nil {
			return l.stop(result, models.ReasonCancelled, err)
		}
		if !gates.OK {
			result.Regression = true
			return l.stop(result, models.ReasonGateRegression,
				fmt.Errorf("semantic repair broke a passing gate: %s", gate.Describe(gates)))
		}
		if unchanged >= maxUnchangedRepairs {
			result.StoppedForNoChanges = true
			return l.stop(result, models.ReasonNoChanges,
				fmt.Errorf("worker made no workspace changes in %d consecutive semantic repairs", unchanged))
		}
		prev = verdict
	}
}

// stop records a terminal failure. The verdict keeps the judge's reasons
// after the stop reason.
func (l *Loop) stop(result Result, code models.ReasonCode, err error) Result {
	if err == nil {
		err = errors.New(string(code))
	}
	v := result.Verdict
	if v.Status == "" {
		v = models.JudgeVerdict{Status: models.VerdictFail}
	}
	v.Status = models.VerdictFail
	v.ExitSignal = false
	v.Code = code
	v.Reason = append([]string{err.Error()}, v.Reason...)
	v.NextActions = append([]string{}, v.NextActions...)

	result.OK = false
	result.Verdict = v
	result.Code = code
	result.Err = err
	l.logWarn(fmt.Sprintf("semantic repair stopped (%s): %v", code, err))
	return result
}

func (l *Loop) checkpoint(ctx context.Context, phase models.Phase) error {
	if l.Checkpoint == nil {
		return nil
	}
	return l.Checkpoint(ctx, phase)
}

func (l *Loop) fingerprint() string {
	if l.Fingerprint == nil {
		return ""
	}
	fp, err := l.Fingerprint.Fingerprint()
	if err != nil {
		l.logWarn(fmt.Sprintf("workspace fingerprint failed: %v", err))
		return ""
	}
	return fp
}

func (l *Loop) logWarn(msg string) {
	if l.Logger != nil {
		l.Logger.LogWarn(msg)
	}
}
