package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/taskloop/internal/budget"
	"github.com/harrison/taskloop/internal/idle"
	"github.com/harrison/taskloop/internal/models"
	"github.com/harrison/taskloop/internal/worker"
)

// DefaultMaxNoProgressStreak is the number of consecutive identical gate
// failures after which the repair loop gives up.
const DefaultMaxNoProgressStreak = 3

// maxUnchangedRepairs is the number of consecutive repairs without any
// workspace change that ends a loop.
const maxUnchangedRepairs = 2

// Worker is the part of the dispatcher the repair loops use.
type Worker interface {
	Dispatch(ctx context.Context, phase models.Phase, text string) worker.DispatchResult
	AwaitIdle(ctx context.Context, after int64) idle.WaitResult
}

// Checkpoint is called at every phase boundary inside a loop. A non-nil
// error ends the loop; its reason code is taken from a *models.CodedError
// and defaults to lock_lost.
type Checkpoint func(ctx context.Context, phase models.Phase) error

// Logger receives repair loop progress. It may be nil.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// RepairContext is handed to the prompt builder for each repair.
type RepairContext struct {
	Attempt   int
	Gates     models.GatesAttempt
	Signature string
	Streak    int
	Unchanged int
}

// PromptBuilder renders the repair prompt for the worker.
type PromptBuilder func(rc RepairContext) string

// Config bounds a RepairLoop.
type Config struct {
	MaxElapsed          time.Duration
	MaxNoProgressStreak int
	ScaffoldCommand     string
	ScaffoldPatterns    []string
	MaxOutputBytes      int
}

// RepairResult is the outcome of RepairLoop.Run.
type RepairResult struct {
	OK                  bool
	Attempts            int
	StoppedForNoChanges bool
	LastFailingGate     string
	Gates               models.GatesAttempt
	Code                models.ReasonCode
	Err                 error
}

// RepairLoop alternates gate runs with worker repairs:
// RunGates -> ok | RequestRepair -> AwaitIdle -> RunGates.
type RepairLoop struct {
	Runner      CommandRunner
	Worker      Worker
	Fingerprint Fingerprinter
	Attempts    *budget.Attempts
	Checkpoint  Checkpoint
	Config      Config
	Logger      Logger
	Clock       func() time.Time
}

// Run executes the loop for commands. Commands must already have passed
// ValidateCommands.
func (l *RepairLoop) Run(ctx context.Context, commands []string, build PromptBuilder) RepairResult {
	maxStreak := l.Config.MaxNoProgressStreak
	if maxStreak <= 0 {
		maxStreak = DefaultMaxNoProgressStreak
	}
	attempts := l.Attempts
	if attempts == nil {
		attempts = budget.NewAttempts(0)
	}
	window := budget.NewWindow(l.Config.MaxElapsed, l.Clock)

	var result RepairResult
	gates := Run(ctx, l.Runner, commands, l.Config.MaxOutputBytes)
	result.Gates = gates
	if err := Interrupted(ctx); err != nil {
		return l.stop(result, models.ReasonCancelled, err)
	}
	if gates.OK {
		result.OK = true
		result.Code = models.ReasonPass
		return result
	}

	signature := Signature(gates)
	streak := 1
	unchanged := 0

	for {
		result.LastFailingGate = gates.Failed().Command

		if streak >= maxStreak {
			return l.stop(result, models.ReasonGatesNoProgress,
				fmt.Errorf("%s on %d consecutive attempts", Describe(gates), streak))
		}
		if result.Attempts > 0 && window.Expired() {
			return l.stop(result, models.ReasonGatesBudget,
				fmt.Errorf("%s; gate repair time budget of %s exhausted", Describe(gates), window.Limit()))
		}
		if !attempts.TryConsume() {
			return l.stop(result, models.ReasonGatesBudget,
				fmt.Errorf("%s; repair attempt ceiling reached (%s)", Describe(gates), attempts))
		}
		result.Attempts++

		if result.Attempts == 1 && l.scaffoldApplies(gates) {
			l.runScaffold(ctx)
		} else {
			if err := l.checkpoint(ctx, models.PhaseGateRepair); err != nil {
				return l.stop(result, models.CodeOf(err, models.ReasonLockLost), err)
			}

			before := l.fingerprint()
			prompt := build(RepairContext{
				Attempt:   result.Attempts,
				Gates:     gates,
				Signature: signature,
				Streak:    streak,
				Unchanged: unchanged,
			})
			dispatch := l.Worker.Dispatch(ctx, models.PhaseGateRepair, prompt)
			if !dispatch.OK {
				return l.stop(result, dispatch.Reason, dispatch.Err)
			}
			if wait := l.Worker.AwaitIdle(ctx, dispatch.IdleSequenceBeforePrompt); !wait.OK {
				return l.stop(result, IdleCode(wait), fmt.Errorf("worker did not become idle after gate repair: %s", wait.Reason))
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
		}

		gates = Run(ctx, l.Runner, commands, l.Config.MaxOutputBytes)
		result.Gates = gates
		if err := Interrupted(ctx); err != nil {
			return l.stop(result, models.ReasonCancelled, err)
		}
		if gates.OK {
			result.OK = true
			result.Code = models.ReasonPass
			result.LastFailingGate = ""
			l.logInfo(fmt.Sprintf("gates passed after %d repair attempt(s)", result.Attempts))
			return result
		}
		result.LastFailingGate = gates.Failed().Command

		if unchanged >= maxUnchangedRepairs {
			result.StoppedForNoChanges = true
			return l.stop(result, models.ReasonNoChanges,
				fmt.Errorf("%s; worker made no workspace changes in %d consecutive repairs", Describe(gates), unchanged))
		}

		if sig := Signature(gates); sig == signature {
			streak++
		} else {
			signature = sig
			streak = 1
		}
		l.logInfo(fmt.Sprintf("gate repair %d: %s (streak %d/%d)", result.Attempts, Describe(gates), streak, maxStreak))
	}
}

// Interrupted returns a cancelled *models.CodedError once ctx is done. A
// gate run cut short by cancellation says nothing about the workspace, so
// callers check it before judging the results.
func Interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &models.CodedError{Code: models.ReasonCancelled, Err: fmt.Errorf("gate run interrupted: %w", err)}
	}
	return nil
}

// IdleCode maps a failed idle wait to its reason code.
func IdleCode(wait idle.WaitResult) models.ReasonCode {
	if wait.Reason == idle.ReasonAborted {
		return models.ReasonIdleAborted
	}
	return models.ReasonIdleTimeout
}

func (l *RepairLoop) stop(result RepairResult, code models.ReasonCode, err error) RepairResult {
	if err == nil {
		err = errors.New(string(code))
	}
	result.OK = false
	result.Code = code
	result.Err = err
	l.logWarn(fmt.Sprintf("gate repair stopped (%s): %v", code, err))
	return result
}

func (l *RepairLoop) scaffoldApplies(gates models.GatesAttempt) bool {
	if l.Config.ScaffoldCommand == "" || len(l.Config.ScaffoldPatterns) == 0 {
		return false
	}
	failed := gates.Failed()
	haystack := strings.ToLower(failed.Output + "\n" + Signature(gates))
	for _, pattern := range l.Config.ScaffoldPatterns {
		if pattern != "" && strings.Contains(haystack, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func (l *RepairLoop) runScaffold(ctx context.Context) {
	l.logInfo(fmt.Sprintf("failure looks like a missing scaffold; running %q", l.Config.ScaffoldCommand))
	if output, err := l.Runner.Run(ctx, l.Config.ScaffoldCommand); err != nil {
		l.logWarn(fmt.Sprintf("scaffold command failed (exit %d): %s", ExitCode(err), strings.TrimSpace(truncate(output, 512))))
	}
}

func (l *RepairLoop) checkpoint(ctx context.Context, phase models.Phase) error {
	if l.Checkpoint == nil {
		return nil
	}
	return l.Checkpoint(ctx, phase)
}

// fingerprint returns "" when no fingerprinter is configured or hashing
// fails, which disables no-change detection for that repair.
func (l *RepairLoop) fingerprint() string {
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

func (l *RepairLoop) logInfo(msg string) {
	if l.Logger != nil {
		l.Logger.LogInfo(msg)
	}
}

func (l *RepairLoop) logWarn(msg string) {
	if l.Logger != nil {
		l.Logger.LogWarn(msg)
	}
}
