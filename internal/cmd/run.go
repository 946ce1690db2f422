package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harrison/taskloop/internal/budget"
	"github.com/harrison/taskloop/internal/config"
	"github.com/harrison/taskloop/internal/engine"
	"github.com/harrison/taskloop/internal/gate"
	"github.com/harrison/taskloop/internal/history"
	"github.com/harrison/taskloop/internal/idle"
	"github.com/harrison/taskloop/internal/judge"
	"github.com/harrison/taskloop/internal/logger"
	"github.com/harrison/taskloop/internal/models"
	"github.com/harrison/taskloop/internal/runlock"
	"github.com/harrison/taskloop/internal/runstate"
	"github.com/harrison/taskloop/internal/semantic"
	"github.com/harrison/taskloop/internal/taskstore"
	"github.com/harrison/taskloop/internal/uiverify"
	"github.com/harrison/taskloop/internal/worker"
)

// rateLimitSafetyBuffer is added to a reported rate-limit reset before the
// judge retries.
const rateLimitSafetyBuffer = 30 * time.Second

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Work through the task queue",
		Long: `Work through the task queue until it is drained, a task does not pass,
or --max-items tasks have been attempted.

Only one run may be active per project root. Configuration is loaded from
.taskloop/config.yaml if present; CLI flags override configuration file
settings.

Exit codes:
  0  every attempted task completed (or nothing was eligible)
  1  the run stopped on a task that did not pass
  2  invalid configuration or task commands
  3  another run holds the lock
  4  the run stopped on an infrastructure failure

Examples:
  taskloop run
  taskloop run --max-items 1
  taskloop run --tasks plan/tasks.yaml --log-level debug`,
		Args: cobra.NoArgs,
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .taskloop/config.yaml)")
	cmd.Flags().String("tasks", "", "Task document (overrides tasks_file)")
	cmd.Flags().String("log-level", "", "Log level: trace, debug, info, warn, error")
	cmd.Flags().Int("max-items", 0, "Maximum number of tasks to attempt (0 = no limit)")
	cmd.Flags().Int("max-repair-attempts", 0, "Repair ceiling per task shared by gate and semantic repair (0 = unlimited)")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}

	var tasksPtr, logLevelPtr *string
	var repairPtr *int
	if cmd.Flags().Changed("tasks") {
		v, _ := cmd.Flags().GetString("tasks")
		tasksPtr = &v
	}
	if cmd.Flags().Changed("log-level") {
		v, _ := cmd.Flags().GetString("log-level")
		logLevelPtr = &v
	}
	if cmd.Flags().Changed("max-repair-attempts") {
		v, _ := cmd.Flags().GetInt("max-repair-attempts")
		repairPtr = &v
	}
	cfg.MergeWithFlags(tasksPtr, logLevelPtr, repairPtr)

	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: ExitConfig, Err: fmt.Errorf("invalid configuration: %w", err)}
	}
	maxItems, _ := cmd.Flags().GetInt("max-items")
	if maxItems < 0 {
		return &ExitError{Code: ExitConfig, Err: fmt.Errorf("--max-items must be >= 0, got %d", maxItems)}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := executeRun(ctx, cmd.OutOrStdout(), root, cfg, maxItems)
	if err != nil {
		return err
	}

	if code := exitCodeFor(summary.Code); code != ExitOK {
		return &ExitError{Code: code, Err: fmt.Errorf("run stopped on task %s: %s (%s)", summary.LastTaskID, summary.Reason, summary.Code)}
	}
	return nil
}

// executeRun holds the project lock for the duration of one engine run.
// The engine and the lock keep-alive run side by side; losing the lock
// cancels the engine.
func executeRun(ctx context.Context, out io.Writer, root string, cfg *config.Config, maxItems int) (engine.Summary, error) {
	log := logger.NewConsoleLogger(out, cfg.LogLevel)

	if _, err := config.EnsureStateDir(root); err != nil {
		return engine.Summary{}, err
	}
	paths := config.PathsFor(root)
	controllerID := uuid.NewString()

	lock := runlock.NewManager(runlock.Config{Path: paths.Lock, StaleAfter: cfg.Lock.StaleAfter}, log)
	if _, err := lock.Acquire(controllerID); err != nil {
		var denied *runlock.DeniedError
		if errors.As(err, &denied) {
			return engine.Summary{}, &ExitError{Code: ExitLocked, Err: err}
		}
		return engine.Summary{}, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if outcome, err := lock.Release(); err != nil {
			log.LogWarn(fmt.Sprintf("release run lock: %v", err))
		} else if outcome != runlock.ReleaseReleased {
			log.LogWarn(fmt.Sprintf("run lock was not released: %s", outcome))
		}
	}()

	eng, cleanup := buildEngine(root, cfg, controllerID, lock, log)
	defer cleanup()

	keepCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	g, gctx := errgroup.WithContext(keepCtx)

	var summary engine.Summary
	var runErr error
	g.Go(func() error {
		return lock.KeepAlive(gctx, cfg.Lock.HeartbeatInterval)
	})
	g.Go(func() error {
		defer stopKeepAlive()
		summary, runErr = eng.Run(gctx, maxItems)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.LogError(fmt.Sprintf("lock keep-alive stopped: %v", err))
	}

	if runErr != nil {
		var taskErr *engine.TaskError
		if errors.As(runErr, &taskErr) {
			return summary, &ExitError{Code: exitCodeFor(taskErr.Code), Err: runErr}
		}
		if summary.Code == models.ReasonInvalidTasks {
			return summary, &ExitError{Code: ExitConfig, Err: runErr}
		}
		return summary, runErr
	}
	return summary, nil
}

// workerIdleHook signals the broker when a worker prompt finishes. A prompt
// that ended in an error is logged; the engine still judges the workspace.
func workerIdleHook(provider *worker.CLIProvider, broker *idle.Broker, log *logger.ConsoleLogger) func(string) {
	return func(sessionID string) {
		if outcome, ok := provider.LastOutcome(sessionID); ok && outcome.Err != nil {
			log.LogWarn(fmt.Sprintf("worker prompt on session %s failed: %v", sessionID, outcome.Err))
		}
		broker.MarkIdle(sessionID)
	}
}

// buildEngine wires the engine's collaborators from configuration. The
// returned cleanup closes the worker session and the history store.
func buildEngine(root string, cfg *config.Config, controllerID string, lock engine.Heartbeater, log *logger.ConsoleLogger) (*engine.Engine, func()) {
	paths := config.PathsFor(root)

	broker := idle.NewBroker()
	provider := worker.NewCLIProvider(cfg.Worker.Command, root, nil)
	provider.OnIdle = workerIdleHook(provider, broker, log)
	provider.Args = cfg.Worker.Args
	provider.Model = cfg.Worker.Model
	dispatcher := worker.NewDispatcher(provider, broker, worker.Config{
		DispatchTimeout:      cfg.Worker.DispatchTimeout,
		IdleTimeout:          cfg.Worker.IdleTimeout,
		MaxTransportAttempts: cfg.Worker.MaxTransportAttempts,
	}, log)

	cliJudge := &judge.CLIJudge{
		Command: cfg.Judge.Command,
		Model:   cfg.Judge.Model,
		Timeout: cfg.Judge.Timeout,
		WorkDir: root,
	}
	if cfg.Judge.RateLimitMaxWait > 0 {
		cliJudge.Waiter = budget.NewRateLimitWaiter(cfg.Judge.RateLimitMaxWait, rateLimitSafetyBuffer, log)
	}

	eng := &engine.Engine{
		Tasks:       taskstore.New(config.Resolve(root, cfg.TasksFile)),
		State:       runstate.New(paths.State),
		Worker:      dispatcher,
		Judge:       cliJudge,
		Runner:      gate.NewShellRunner(root),
		Fingerprint: gate.NewWorkspaceFingerprinter(root, cfg.Gates.FingerprintExclude...),
		Lock:        lock,
		Config: engine.Config{
			ControllerID:      controllerID,
			MaxRepairAttempts: cfg.MaxRepairAttempts,
			Gates: gate.Config{
				MaxElapsed:          cfg.Gates.MaxElapsed,
				MaxNoProgressStreak: cfg.Gates.MaxNoProgressStreak,
				ScaffoldCommand:     cfg.Gates.ScaffoldCommand,
				ScaffoldPatterns:    cfg.Gates.ScaffoldPatterns,
				MaxOutputBytes:      cfg.Gates.MaxOutputBytes,
			},
			Semantic: semantic.Config{
				MaxElapsed:            cfg.Semantic.MaxElapsed,
				MaxRepeatedFailures:   cfg.Semantic.MaxRepeatedFailures,
				JudgeTransportRetries: cfg.Semantic.JudgeTransportRetries,
				MaxOutputBytes:        cfg.Gates.MaxOutputBytes,
			},
		},
		Logger: log,
	}
	if cfg.UI.Command != "" {
		eng.UI = uiverify.NewCommandVerifier(cfg.UI.Command, root, cfg.UI.Timeout)
	}

	var store *history.Store
	if cfg.History.Enabled {
		var err error
		store, err = history.Open(config.Resolve(root, cfg.History.DBPath))
		if err != nil {
			log.LogWarn(fmt.Sprintf("history disabled: %v", err))
		} else {
			eng.History = store
		}
	}

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if c := dispatcher.Close(closeCtx); c.Outcome == worker.CleanupFailed {
			log.LogWarn(fmt.Sprintf("could not delete worker session %s: %v", c.SessionID, c.Err))
		}
		if store != nil {
			if err := store.Close(); err != nil {
				log.LogWarn(fmt.Sprintf("close history: %v", err))
			}
		}
	}
	return eng, cleanup
}
