// Package engine drives the task queue one task at a time:
//
//	SelectTask -> CheckDependencies -> MarkInProgress -> ResetWorkerBaseline ->
//	Build -> AwaitIdle -> GateRepairLoop -> [UI verify] -> SemanticRepairLoop -> Finalize
//
// Every terminal outcome is persisted on the task before the engine moves on
// or halts, and the run stops at the first task that does not pass.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/taskloop/internal/budget"
	"github.com/harrison/taskloop/internal/gate"
	"github.com/harrison/taskloop/internal/history"
	"github.com/harrison/taskloop/internal/idle"
	"github.com/harrison/taskloop/internal/judge"
	"github.com/harrison/taskloop/internal/models"
	"github.com/harrison/taskloop/internal/runstate"
	"github.com/harrison/taskloop/internal/semantic"
	"github.com/harrison/taskloop/internal/taskstore"
	"github.com/harrison/taskloop/internal/uiverify"
	"github.com/harrison/taskloop/internal/worker"
)

// TaskStore is the task document the engine reads and updates.
type TaskStore interface {
	Load() ([]models.Task, error)
	SetStatus(id string, status models.TaskStatus) error
	RecordAttempt(id string, status models.TaskStatus, attempt models.TaskAttempt) error
}

// StateStore persists the run state.
type StateStore interface {
	Load() (models.RunState, error)
	Save(st models.RunState) error
}

// Worker is the dispatcher surface the engine drives.
type Worker interface {
	ResetBaseline(ctx context.Context) error
	Dispatch(ctx context.Context, phase models.Phase, text string) worker.DispatchResult
	AwaitIdle(ctx context.Context, after int64) idle.WaitResult
	SessionID() string
}

// Heartbeater renews the run lock.
type Heartbeater interface {
	Heartbeat() error
}

// HistoryRecorder appends runs and attempts to the history log.
type HistoryRecorder interface {
	StartRun(ctx context.Context, run history.Run) error
	FinishRun(ctx context.Context, run history.Run) error
	RecordAttempt(ctx context.Context, a history.Attempt) (int64, error)
}

// Logger receives engine progress. It may be nil.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogTaskStart(task models.Task, resumed bool)
	LogTaskOutcome(task models.Task, status models.TaskStatus, verdict models.JudgeVerdict)
	LogSummary(summary Summary)
}

// Config bounds an Engine.
type Config struct {
	ControllerID string
	// MaxRepairAttempts is the repair ceiling per task shared by the gate
	// and semantic loops. Zero means unlimited.
	MaxRepairAttempts int
	Gates             gate.Config
	Semantic          semantic.Config
}

// Summary is the result of Engine.Run.
type Summary struct {
	RunID       string
	Attempted   int
	Completed   int
	Blocked     int
	LastTaskID  string
	LastVerdict *models.JudgeVerdict
	// Reason is the first actionable reason of the outcome.
	Reason string
	Code   models.ReasonCode
	// Halted is true when the run stopped on a task that did not pass.
	Halted bool
	// Recovered is true when the previous run was interrupted.
	Recovered bool
}

func (s *Summary) halt(code models.ReasonCode, reason string) {
	s.Halted = true
	s.Code = code
	s.Reason = reason
}

// Engine runs tasks. Tasks, State, Worker, Judge and Runner are required.
type Engine struct {
	Tasks       TaskStore
	State       StateStore
	Worker      Worker
	Judge       judge.Judge
	Runner      gate.CommandRunner
	Fingerprint gate.Fingerprinter
	Lock        Heartbeater
	UI          uiverify.Verifier
	History     HistoryRecorder
	Config      Config
	Logger      Logger
	Clock       func() time.Time

	runID string
}

type outcome struct {
	status           models.TaskStatus
	attempt          models.TaskAttempt
	code             models.ReasonCode
	phase            models.Phase
	err              error
	gateAttempts     int
	semanticAttempts int
	durationMs       int64
}

// Run processes up to maxItems tasks (zero means no limit). The returned
// error is a *TaskError when the run halted on an infrastructure failure;
// verification failures are reported only through the summary.
func (e *Engine) Run(ctx context.Context, maxItems int) (Summary, error) {
	if err := e.validate(); err != nil {
		return Summary{}, err
	}
	started := e.now()
	e.runID = history.NewRunID(started)
	summary := Summary{RunID: e.runID}

	prev, err := e.State.Load()
	if err != nil {
		e.logWarn(fmt.Sprintf("could not read previous run state: %v", err))
	} else if runstate.Interrupted(prev, e.Config.ControllerID) {
		summary.Recovered = true
		e.logWarn(fmt.Sprintf("previous run %s (controller %s) was interrupted in phase %s of task %q",
			prev.RunID, prev.ControllerID, prev.Phase, prev.CurrentTaskID))
	}
	e.startHistory(ctx, started)
	e.logInfo(fmt.Sprintf("run %s started (controller %s)", e.runID, e.Config.ControllerID))

	var runErr error
	for {
		if maxItems > 0 && summary.Attempted >= maxItems {
			summary.Code = models.ReasonMaxItems
			summary.Reason = fmt.Sprintf("reached the limit of %d task(s)", maxItems)
			break
		}

		if err := e.enterPhase(ctx, models.PhaseSelect, ""); err != nil {
			code := models.CodeOf(err, models.ReasonLockLost)
			summary.halt(code, err.Error())
			runErr = &TaskError{Phase: models.PhaseSelect, Code: code, Err: err}
			break
		}
		tasks, err := e.Tasks.Load()
		if err != nil {
			summary.halt(models.ReasonInvalidTasks, err.Error())
			runErr = fmt.Errorf("load tasks: %w", err)
			break
		}

		task, resumed, duplicates := selectTask(tasks)
		if len(duplicates) > 0 {
			reason := e.blockDuplicates(duplicates)
			summary.Blocked += len(duplicates)
			summary.LastTaskID = duplicates[0].ID
			summary.halt(models.ReasonDuplicateInProgress, reason)
			break
		}
		if task == nil {
			if summary.Attempted == 0 {
				summary.Code = models.ReasonNoEligibleTasks
				summary.Reason = "no open tasks"
			} else {
				summary.Code = models.ReasonPass
				summary.Reason = "all eligible tasks completed"
			}
			break
		}

		summary.Attempted++
		summary.LastTaskID = task.ID
		e.logTaskStart(*task, resumed)

		out := e.runTask(ctx, *task, resumed, tasks)
		verdict := out.attempt.Judge
		summary.LastVerdict = &verdict
		e.recordHistory(ctx, *task, out)
		e.logTaskOutcome(*task, out.status, verdict)

		if out.status == models.TaskCompleted {
			summary.Completed++
			continue
		}
		if out.status == models.TaskBlocked {
			summary.Blocked++
		}
		summary.halt(out.code, verdict.TopReason())
		if out.code.Category() == models.CategoryInfrastructure {
			runErr = &TaskError{TaskID: task.ID, Phase: out.phase, Code: out.code, Err: out.err}
		}
		break
	}

	final := models.RunDone
	if summary.Halted {
		final = models.RunBlocked
	}
	if err := e.saveState(final, models.PhaseIdle, summary.LastTaskID); err != nil {
		e.logWarn(fmt.Sprintf("could not write final run state: %v", err))
	}
	e.finishHistory(ctx, started, summary)
	e.logSummary(summary)
	return summary, runErr
}

// selectTask returns the task to work on next. A single in_progress task is
// resumed before any open task; more than one is reported as duplicates.
func selectTask(tasks []models.Task) (task *models.Task, resumed bool, duplicates []models.Task) {
	var inProgress []models.Task
	for _, t := range tasks {
		if t.Status == models.TaskInProgress {
			inProgress = append(inProgress, t)
		}
	}
	switch {
	case len(inProgress) > 1:
		return nil, false, inProgress
	case len(inProgress) == 1:
		t := inProgress[0]
		return &t, true, nil
	}
	for i := range tasks {
		if tasks[i].Status == models.TaskOpen {
			t := tasks[i]
			return &t, false, nil
		}
	}
	return nil, false, nil
}

func (e *Engine) runTask(ctx context.Context, task models.Task, resumed bool, all []models.Task) outcome {
	start := e.now()
	out := outcome{
		status:  models.TaskBlocked,
		attempt: models.TaskAttempt{Iteration: nextIteration(task)},
	}

	finish := func() outcome {
		out.attempt.At = e.now().UTC()
		out.durationMs = e.now().Sub(start).Milliseconds()
		if err := e.Tasks.RecordAttempt(task.ID, out.status, out.attempt); err != nil {
			e.logError(fmt.Sprintf("could not record attempt for task %s: %v", task.ID, err))
			if out.status == models.TaskCompleted {
				out.status = models.TaskInProgress
			}
			out.code = models.ReasonStateWriteFailed
			out.err = err
		}
		return out
	}
	fail := func(phase models.Phase, verdict models.JudgeVerdict, err error) outcome {
		out.phase = phase
		out.code = verdict.Code
		out.attempt.Judge = verdict
		out.err = err
		return finish()
	}
	infra := func(phase models.Phase, code models.ReasonCode, err error) outcome {
		if err == nil {
			err = errors.New(string(code))
		}
		code = e.classify(ctx, models.CodeOf(err, code))
		return fail(phase, models.FailVerdict(code, fmt.Sprintf("%s: %v", phase, err), remedy(code)), err)
	}
	checkpoint := func(ctx context.Context, phase models.Phase) error {
		return e.enterPhase(ctx, phase, task.ID)
	}

	if err := checkpoint(ctx, models.PhaseDependencies); err != nil {
		return infra(models.PhaseDependencies, models.ReasonLockLost, err)
	}
	if err := taskstore.CheckDependencies(task, all); err != nil {
		code := models.ReasonDependencyBlocked
		var depErr *taskstore.DependencyError
		if errors.As(err, &depErr) && depErr.Missing {
			code = models.ReasonDependencyMissing
		}
		return fail(models.PhaseDependencies, models.FailVerdict(code, err.Error(), remedy(code)), nil)
	}
	if err := gate.ValidateCommands(task.DoneWhen); err != nil {
		verdict := models.FailVerdict(models.ReasonInvalidGates, "invalid doneWhen: "+err.Error(), remedy(models.ReasonInvalidGates))
		return fail(models.PhaseDependencies, verdict, nil)
	}

	if err := checkpoint(ctx, models.PhaseMarkInProgress); err != nil {
		return infra(models.PhaseMarkInProgress, models.ReasonLockLost, err)
	}
	if !resumed {
		if err := e.Tasks.SetStatus(task.ID, models.TaskInProgress); err != nil {
			return infra(models.PhaseMarkInProgress, models.ReasonStateWriteFailed, err)
		}
	}

	if err := checkpoint(ctx, models.PhaseResetBaseline); err != nil {
		return infra(models.PhaseResetBaseline, models.ReasonLockLost, err)
	}
	if err := e.Worker.ResetBaseline(ctx); err != nil {
		return infra(models.PhaseResetBaseline, models.ReasonDispatchFailed, err)
	}

	if err := checkpoint(ctx, models.PhaseBuild); err != nil {
		return infra(models.PhaseBuild, models.ReasonLockLost, err)
	}
	dispatch := e.Worker.Dispatch(ctx, models.PhaseBuild, BuildPrompt(task, resumed))
	if !dispatch.OK {
		return infra(models.PhaseBuild, dispatch.Reason, dispatch.Err)
	}

	if err := checkpoint(ctx, models.PhaseAwaitIdle); err != nil {
		return infra(models.PhaseAwaitIdle, models.ReasonLockLost, err)
	}
	if wait := e.Worker.AwaitIdle(ctx, dispatch.IdleSequenceBeforePrompt); !wait.OK {
		return infra(models.PhaseAwaitIdle, gate.IdleCode(wait),
			fmt.Errorf("worker did not become idle after build: %s", wait.Reason))
	}

	if err := checkpoint(ctx, models.PhaseGates); err != nil {
		return infra(models.PhaseGates, models.ReasonLockLost, err)
	}
	attempts := budget.NewAttempts(e.Config.MaxRepairAttempts)
	gateLoop := &gate.RepairLoop{
		Runner:      e.Runner,
		Worker:      e.Worker,
		Fingerprint: e.Fingerprint,
		Attempts:    attempts,
		Checkpoint:  checkpoint,
		Config:      e.Config.Gates,
		Logger:      e.Logger,
		Clock:       e.Clock,
	}
	gates := gateLoop.Run(ctx, task.DoneWhen, GateRepairPrompt(task))
	out.gateAttempts = gates.Attempts
	out.attempt.Gates = gates.Gates
	if !gates.OK {
		if gates.Code.Category() == models.CategoryInfrastructure {
			return infra(models.PhaseGateRepair, gates.Code, gates.Err)
		}
		return fail(models.PhaseGateRepair, models.FailVerdict(gates.Code, gates.Err.Error(), remedy(gates.Code)), nil)
	}

	if e.UI != nil {
		if err := checkpoint(ctx, models.PhaseUIVerify); err != nil {
			return infra(models.PhaseUIVerify, models.ReasonLockLost, err)
		}
		ui := e.UI.Verify(ctx, task)
		out.attempt.UI = &ui
		if !ui.OK {
			e.logWarn(fmt.Sprintf("UI verification failed for task %s; the judge will see the evidence", task.ID))
		}
	}

	var previous *models.JudgeVerdict
	if task.LastAttempt != nil {
		p := task.LastAttempt.Judge
		previous = &p
	}
	semanticLoop := &semantic.Loop{
		Judge:       e.Judge,
		Worker:      e.Worker,
		Runner:      e.Runner,
		Fingerprint: e.Fingerprint,
		Attempts:    attempts,
		Checkpoint:  checkpoint,
		Config:      e.Config.Semantic,
		Logger:      e.Logger,
		Clock:       e.Clock,
	}
	sem := semanticLoop.Run(ctx, semantic.Input{
		Task:     task,
		Commands: task.DoneWhen,
		Gates:    gates.Gates,
		UI:       out.attempt.UI,
		Previous: previous,
	}, SemanticRepairPrompt(task))
	out.semanticAttempts = sem.Attempts
	out.attempt.Gates = sem.Gates
	if !sem.OK {
		verdict := sem.Verdict
		var err error
		if sem.Code.Category() == models.CategoryInfrastructure {
			verdict.Code = e.classify(ctx, sem.Code)
			verdict.NextActions = append([]string{remedy(verdict.Code)}, verdict.NextActions...)
			err = sem.Err
		}
		return fail(models.PhaseSemanticRepair, verdict, err)
	}
	out.attempt.Judge = sem.Verdict

	if err := checkpoint(ctx, models.PhaseFinalize); err != nil {
		return infra(models.PhaseFinalize, models.ReasonLockLost, err)
	}
	out.status = models.TaskCompleted
	out.code = models.ReasonPass
	out.phase = models.PhaseFinalize
	return finish()
}

// classify turns an infrastructure failure caused by cancellation into
// lock_lost when the lock is gone, and cancelled otherwise.
func (e *Engine) classify(ctx context.Context, code models.ReasonCode) models.ReasonCode {
	if ctx.Err() == nil || code == models.ReasonLockLost || code.Category() != models.CategoryInfrastructure {
		return code
	}
	if e.Lock != nil && e.Lock.Heartbeat() != nil {
		return models.ReasonLockLost
	}
	return models.ReasonCancelled
}

// enterPhase is the phase-boundary check: the lock must still be ours, the
// run must not be cancelled, and the run state is rewritten.
func (e *Engine) enterPhase(ctx context.Context, phase models.Phase, taskID string) error {
	if e.Lock != nil {
		if err := e.Lock.Heartbeat(); err != nil {
			return &models.CodedError{Code: models.ReasonLockLost, Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return &models.CodedError{Code: models.ReasonCancelled, Err: err}
	}
	return e.saveState(models.RunDoing, phase, taskID)
}

func (e *Engine) saveState(status models.RunStatus, phase models.Phase, taskID string) error {
	st := models.RunState{
		Status:        status,
		Phase:         phase,
		CurrentTaskID: taskID,
		WorkSessionID: e.Worker.SessionID(),
		ControllerID:  e.Config.ControllerID,
		RunID:         e.runID,
	}
	if err := e.State.Save(st); err != nil {
		return &models.CodedError{Code: models.CodeOf(err, models.ReasonStateWriteFailed), Err: err}
	}
	return nil
}

func (e *Engine) blockDuplicates(tasks []models.Task) string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	reason := fmt.Sprintf("tasks %s are all in_progress; only one task may be in progress at a time", strings.Join(ids, ", "))
	for _, t := range tasks {
		attempt := models.TaskAttempt{
			At:        e.now().UTC(),
			Iteration: nextIteration(t),
			Judge:     models.FailVerdict(models.ReasonDuplicateInProgress, reason, remedy(models.ReasonDuplicateInProgress)),
		}
		if err := e.Tasks.RecordAttempt(t.ID, models.TaskBlocked, attempt); err != nil {
			e.logError(fmt.Sprintf("could not block task %s: %v", t.ID, err))
		}
	}
	return reason
}

func (e *Engine) validate() error {
	var missing []string
	if e.Tasks == nil {
		missing = append(missing, "Tasks")
	}
	if e.State == nil {
		missing = append(missing, "State")
	}
	if e.Worker == nil {
		missing = append(missing, "Worker")
	}
	if e.Judge == nil {
		missing = append(missing, "Judge")
	}
	if e.Runner == nil {
		missing = append(missing, "Runner")
	}
	if len(missing) > 0 {
		return fmt.Errorf("engine: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (e *Engine) startHistory(ctx context.Context, started time.Time) {
	if e.History == nil {
		return
	}
	run := history.Run{ID: e.runID, ControllerID: e.Config.ControllerID, StartedAt: started}
	if err := e.History.StartRun(context.WithoutCancel(ctx), run); err != nil {
		e.logWarn(fmt.Sprintf("history: %v", err))
	}
}

func (e *Engine) recordHistory(ctx context.Context, task models.Task, out outcome) {
	if e.History == nil {
		return
	}
	_, err := e.History.RecordAttempt(context.WithoutCancel(ctx), history.Attempt{
		RunID:            e.runID,
		TaskID:           task.ID,
		Iteration:        out.attempt.Iteration,
		Status:           out.status,
		Code:             out.code,
		Reason:           out.attempt.Judge.TopReason(),
		GateAttempts:     out.gateAttempts,
		SemanticAttempts: out.semanticAttempts,
		DurationMs:       out.durationMs,
		Verdict:          out.attempt.Judge,
		At:               out.attempt.At,
	})
	if err != nil {
		e.logWarn(fmt.Sprintf("history: %v", err))
	}
}

func (e *Engine) finishHistory(ctx context.Context, started time.Time, s Summary) {
	if e.History == nil {
		return
	}
	err := e.History.FinishRun(context.WithoutCancel(ctx), history.Run{
		ID:           e.runID,
		ControllerID: e.Config.ControllerID,
		StartedAt:    started,
		FinishedAt:   e.now(),
		Attempted:    s.Attempted,
		Completed:    s.Completed,
		Blocked:      s.Blocked,
		Code:         s.Code,
		Reason:       s.Reason,
	})
	if err != nil {
		e.logWarn(fmt.Sprintf("history: %v", err))
	}
}

func nextIteration(task models.Task) int {
	if task.LastAttempt == nil {
		return 1
	}
	return task.LastAttempt.Iteration + 1
}

func remedy(code models.ReasonCode) string {
	switch code {
	case models.ReasonDependencyBlocked:
		return "Complete the dependency first, then set this task back to open."
	case models.ReasonDependencyMissing:
		return "Fix dependsOn so it names existing tasks, then set this task back to open."
	case models.ReasonInvalidGates:
		return "Give the task at least one single-line doneWhen command, then set it back to open."
	case models.ReasonDuplicateInProgress:
		return "Set all but one of these tasks back to open, then re-run."
	case models.ReasonLockLost:
		return "Another controller may own this root now; check `taskloop status` before re-running."
	case models.ReasonCancelled:
		return "The run was interrupted; set the task back to open to retry."
	case models.ReasonDispatchTimeout, models.ReasonDispatchTransport, models.ReasonDispatchFailed:
		return "Check that the worker command is installed and reachable, then re-run."
	case models.ReasonIdleTimeout, models.ReasonIdleAborted:
		return "The worker did not finish in time; raise worker.idle_timeout or split the task."
	case models.ReasonStateWriteFailed:
		return "Check permissions and free space for the task document and the .taskloop directory."
	case models.ReasonJudgeTransport:
		return "Check that the judge command is installed and reachable, then re-run."
	case models.ReasonGatesNoProgress:
		return "Fix the failing command by hand or split the task, then set it back to open."
	case models.ReasonNoChanges:
		return "The worker stopped changing files; add more specific guidance to the task."
	case models.ReasonGatesBudget, models.ReasonSemanticBudget:
		return "Raise the repair budget or split the task, then set it back to open."
	}
	return "Inspect the last attempt and set the task back to open when ready."
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *Engine) logInfo(msg string) {
	if e.Logger != nil {
		e.Logger.LogInfo(msg)
	}
}

func (e *Engine) logWarn(msg string) {
	if e.Logger != nil {
		e.Logger.LogWarn(msg)
	}
}

func (e *Engine) logError(msg string) {
	if e.Logger != nil {
		e.Logger.LogError(msg)
	}
}

func (e *Engine) logTaskStart(task models.Task, resumed bool) {
	if e.Logger != nil {
		e.Logger.LogTaskStart(task, resumed)
	}
}

func (e *Engine) logTaskOutcome(task models.Task, status models.TaskStatus, verdict models.JudgeVerdict) {
	if e.Logger != nil {
		e.Logger.LogTaskOutcome(task, status, verdict)
	}
}

func (e *Engine) logSummary(s Summary) {
	if e.Logger != nil {
		e.Logger.LogSummary(s)
	}
}
