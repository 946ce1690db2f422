// Package logger provides console logging for taskloop runs.
//
// ConsoleLogger writes timestamped, level-filtered lines and renders task
// outcomes and run summaries. It is safe for concurrent use: the run lock
// keep-alive and the engine log from different goroutines.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/taskloop/internal/engine"
	"github.com/harrison/taskloop/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs run progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps.
// Color output is enabled only when the writer is a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	clock       func() time.Time
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: IsTerminal(writer),
		clock:       time.Now,
	}
}

// IsTerminal reports whether w is a TTY that should receive colour.
// NO_COLOR (honoured by fatih/color) disables it.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
// Format: "[HH:MM:SS] [INFO] <message>"
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	label := level
	if cl.colorOutput {
		label = levelColor(level).Sprint(level)
	}
	fmt.Fprintf(cl.writer, "[%s] [%s] %s\n", cl.timestamp(), label, message)
}

func levelColor(level string) *color.Color {
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack)
	case "DEBUG":
		return color.New(color.FgCyan)
	case "WARN":
		return color.New(color.FgYellow)
	case "ERROR":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgBlue)
	}
}

// LogTaskStart logs the task the engine picked, at INFO level.
// Format: "[HH:MM:SS] Starting task <id> (<title>)"
func (cl *ConsoleLogger) LogTaskStart(task models.Task, resumed bool) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	verb := "Starting"
	if resumed {
		verb = "Resuming"
	}
	name := task.DisplayName()
	if cl.colorOutput {
		name = color.New(color.Bold).Sprint(name)
	}
	fmt.Fprintf(cl.writer, "[%s] %s task %s\n", cl.timestamp(), verb, name)
}

// LogTaskOutcome logs the terminal status of a task and, for anything but
// a completion, the verdict's reasons and next actions.
func (cl *ConsoleLogger) LogTaskOutcome(task models.Task, status models.TaskStatus, verdict models.JudgeVerdict) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := cl.timestamp()
	scheme := newColorScheme(cl.colorOutput)
	statusText := scheme.status(status)
	if verdict.Code != "" && status != models.TaskCompleted {
		statusText += fmt.Sprintf(" (%s)", verdict.Code)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Task %s: %s\n", ts, task.ID, statusText)
	if status != models.TaskCompleted {
		for _, r := range verdict.Reason {
			fmt.Fprintf(&b, "[%s]   - %s\n", ts, r)
		}
		for _, a := range verdict.NextActions {
			fmt.Fprintf(&b, "[%s]   %s %s\n", ts, scheme.label("next:"), a)
		}
	}
	io.WriteString(cl.writer, b.String())
}

// LogSummary logs the run summary at INFO level.
func (cl *ConsoleLogger) LogSummary(s engine.Summary) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := cl.timestamp()
	scheme := newColorScheme(cl.colorOutput)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", ts, scheme.header("=== Run Summary ==="))
	fmt.Fprintf(&b, "[%s] %s\n", ts, formatMetric("Run", s.RunID, scheme))
	fmt.Fprintf(&b, "[%s] %s\n", ts, formatCounts(s.Attempted, s.Completed, s.Blocked, scheme))
	if s.LastTaskID != "" {
		fmt.Fprintf(&b, "[%s] %s\n", ts, formatMetric("Last task", s.LastTaskID, scheme))
	}
	if s.LastVerdict != nil {
		fmt.Fprintf(&b, "[%s] %s\n", ts, formatMetric("Verdict", s.LastVerdict.Status, scheme))
	}
	fmt.Fprintf(&b, "[%s] %s\n", ts, formatMetric("Code", scheme.code(s.Code), scheme))
	if s.Reason != "" {
		fmt.Fprintf(&b, "[%s] %s\n", ts, formatMetric("Reason", s.Reason, scheme))
	}
	if s.Recovered {
		fmt.Fprintf(&b, "[%s] %s\n", ts, scheme.warnText("Recovered from an interrupted run"))
	}
	io.WriteString(cl.writer, b.String())
}

func (cl *ConsoleLogger) timestamp() string {
	return cl.clock().Format("15:04:05")
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) LogDebug(message string) {}
func (n *NoOpLogger) LogInfo(message string)  {}
func (n *NoOpLogger) LogWarn(message string)  {}
func (n *NoOpLogger) LogError(message string) {}

func (n *NoOpLogger) LogTaskStart(task models.Task, resumed bool) {}

func (n *NoOpLogger) LogTaskOutcome(task models.Task, status models.TaskStatus, verdict models.JudgeVerdict) {
}

func (n *NoOpLogger) LogSummary(s engine.Summary) {}
