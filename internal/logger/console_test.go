package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harrison/taskloop/internal/engine"
	"github.com/harrison/taskloop/internal/models"
)

func newTestLogger(level string) (*ConsoleLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := NewConsoleLogger(buf, level)
	l.clock = func() time.Time { return time.Date(2026, 1, 2, 9, 4, 5, 0, time.UTC) }
	return l, buf
}

// TestNewConsoleLogger verifies constructor defaults.
func TestNewConsoleLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewConsoleLogger(buf, " DEBUG ")
	if l.logLevel != "debug" {
		t.Errorf("logLevel = %q, want debug", l.logLevel)
	}
	if l.colorOutput {
		t.Error("colorOutput = true for a buffer, want false")
	}

	if l := NewConsoleLogger(buf, "chatty"); l.logLevel != "info" {
		t.Errorf("invalid level normalised to %q, want info", l.logLevel)
	}
}

// TestLogLevels verifies level filtering and the line format.
func TestLogLevels(t *testing.T) {
	l, buf := newTestLogger("warn")

	l.LogDebug("hidden debug")
	l.LogInfo("hidden info")
	l.LogWarn("disk almost full")
	l.LogError("lock lost")

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("messages below warn were logged: %q", got)
	}
	want := "[09:04:05] [WARN] disk almost full\n[09:04:05] [ERROR] lock lost\n"
	if got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

// TestNilWriter verifies a nil writer discards everything.
func TestNilWriter(t *testing.T) {
	l := NewConsoleLogger(nil, "trace")
	l.LogInfo("x")
	l.LogTaskStart(models.Task{ID: "T-1"}, false)
	l.LogSummary(engine.Summary{})
}

func TestLogTaskStart(t *testing.T) {
	l, buf := newTestLogger("info")

	l.LogTaskStart(models.Task{ID: "T-1", Title: "Add login"}, false)
	l.LogTaskStart(models.Task{ID: "T-2"}, true)

	want := "[09:04:05] Starting task T-1 (Add login)\n[09:04:05] Resuming task T-2\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestLogTaskOutcome(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		l, buf := newTestLogger("info")
		l.LogTaskOutcome(models.Task{ID: "T-1"}, models.TaskCompleted, models.JudgeVerdict{Status: models.VerdictPass, ExitSignal: true, Reason: []string{"ok"}})

		if buf.String() != "[09:04:05] Task T-1: completed\n" {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("blocked", func(t *testing.T) {
		l, buf := newTestLogger("info")
		verdict := models.FailVerdict(models.ReasonGatesNoProgress, `gate "exit 1" failed with exit code 1 on 3 consecutive attempts`, "fix it by hand")
		l.LogTaskOutcome(models.Task{ID: "T-2"}, models.TaskBlocked, verdict)

		got := buf.String()
		for _, want := range []string{
			"[09:04:05] Task T-2: blocked (gates_no_progress)\n",
			`  - gate "exit 1" failed with exit code 1 on 3 consecutive attempts`,
			"  next: fix it by hand",
		} {
			if !strings.Contains(got, want) {
				t.Errorf("output %q missing %q", got, want)
			}
		}
	})
}

func TestLogSummary(t *testing.T) {
	l, buf := newTestLogger("info")
	verdict := models.FailVerdict(models.ReasonLockLost, "lock lost")
	l.LogSummary(engine.Summary{
		RunID:       "01J0000000000000000000000",
		Attempted:   2,
		Completed:   1,
		Blocked:     1,
		LastTaskID:  "T-2",
		LastVerdict: &verdict,
		Code:        models.ReasonLockLost,
		Reason:      "lock lost",
		Halted:      true,
		Recovered:   true,
	})

	got := buf.String()
	for _, want := range []string{
		"=== Run Summary ===",
		"Run: 01J0000000000000000000000",
		"Attempted: 2, Completed: 1, Blocked: 1",
		"Last task: T-2",
		"Verdict: FAIL",
		"Code: lock_lost",
		"Reason: lock lost",
		"Recovered from an interrupted run",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("summary %q missing %q", got, want)
		}
	}
}

// TestConcurrentLogging verifies lines are not interleaved.
func TestConcurrentLogging(t *testing.T) {
	l, buf := newTestLogger("info")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.LogInfo("heartbeat")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	for _, line := range lines {
		if line != "[09:04:05] [INFO] heartbeat" {
			t.Errorf("unexpected line %q", line)
		}
	}
}

func TestStatusText(t *testing.T) {
	if got := StatusText(models.TaskBlocked, false); got != "blocked" {
		t.Errorf("StatusText() = %q", got)
	}
	if got := StatusText(models.TaskCompleted, true); !strings.Contains(got, "\033[") {
		t.Errorf("StatusText() with color = %q, want ANSI codes", got)
	}
	if got := CodeText(models.ReasonPass, false); got != "pass" {
		t.Errorf("CodeText() = %q", got)
	}
}
