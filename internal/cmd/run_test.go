package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/taskloop/internal/config"
	"github.com/harrison/taskloop/internal/idle"
	"github.com/harrison/taskloop/internal/logger"
	"github.com/harrison/taskloop/internal/models"
	"github.com/harrison/taskloop/internal/runlock"
	"github.com/harrison/taskloop/internal/worker"
)

func TestExecuteRunNothingEligible(t *testing.T) {
	root := t.TempDir()
	writeTasks(t, root, "tasks:\n  - id: T-1\n    status: completed\n    doneWhen: [true]\n")

	var out bytes.Buffer
	summary, err := executeRun(context.Background(), &out, root, config.DefaultConfig(), 0)
	if err != nil {
		t.Fatalf("run failed: %v\noutput:\n%s", err, out.String())
	}
	if summary.Code != models.ReasonNoEligibleTasks {
		t.Errorf("summary code = %s, want %s", summary.Code, models.ReasonNoEligibleTasks)
	}
	if summary.Attempted != 0 {
		t.Errorf("attempted = %d, want 0", summary.Attempted)
	}
	if !strings.Contains(out.String(), "=== Run Summary ===") {
		t.Errorf("expected run summary in output:\n%s", out.String())
	}

	var status bytes.Buffer
	if err := showStatus(context.Background(), &status, root, config.DefaultConfig(), false); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"Lock:    free", "Run:     DONE", "Last:    run "} {
		if !strings.Contains(status.String(), want) {
			t.Errorf("status missing %q after run:\n%s", want, status.String())
		}
	}
}

func TestExecuteRunInvalidTaskDocument(t *testing.T) {
	root := t.TempDir()
	writeTasks(t, root, "tasks:\n  - id: A\n  - id: A\n")
	cfg := config.DefaultConfig()
	cfg.History.Enabled = false

	var out bytes.Buffer
	_, err := executeRun(context.Background(), &out, root, cfg, 0)
	if err == nil {
		t.Fatal("expected an error for a duplicate task id")
	}
	if ExitCode(err) != ExitConfig {
		t.Errorf("ExitCode() = %d, want %d", ExitCode(err), ExitConfig)
	}
}

func TestExecuteRunRefusedWhileLocked(t *testing.T) {
	root := t.TempDir()
	writeTasks(t, root, "tasks:\n  - id: T-1\n    doneWhen: [true]\n")
	if _, err := config.EnsureStateDir(root); err != nil {
		t.Fatal(err)
	}
	holder := runlock.NewManager(runlock.Config{Path: config.PathsFor(root).Lock}, nil)
	if _, err := holder.Acquire("other"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer holder.Release()

	cfg := config.DefaultConfig()
	cfg.History.Enabled = false

	var out bytes.Buffer
	_, err := executeRun(context.Background(), &out, root, cfg, 0)
	if err == nil {
		t.Fatal("expected the run to be refused")
	}
	if ExitCode(err) != ExitLocked {
		t.Errorf("ExitCode() = %d, want %d", ExitCode(err), ExitLocked)
	}
}

func TestRunCommandRejectsInvalidFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad log level", []string{"--log-level", "loud"}},
		{"negative max items", []string{"--max-items", "-1"}},
		{"negative repair ceiling", []string{"--max-repair-attempts", "-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			cmd := NewRootCommand()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(append([]string{"--root", root, "run"}, tt.args...))

			err := cmd.Execute()
			if err == nil {
				t.Fatal("expected an error")
			}
			if ExitCode(err) != ExitConfig {
				t.Errorf("ExitCode() = %d, want %d (err: %v)", ExitCode(err), ExitConfig, err)
			}
		})
	}
}

func TestRunCommandRejectsMalformedConfig(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "lock:\n  heartbeat_interval: soon\n")

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--root", root, "run"})

	err := cmd.Execute()
	if ExitCode(err) != ExitConfig {
		t.Errorf("ExitCode() = %d, want %d (err: %v)", ExitCode(err), ExitConfig, err)
	}
}

func TestWorkerIdleHookLogsFailedPrompt(t *testing.T) {
	script := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'quota exhausted'\nexit 1\n"), 0755); err != nil {
		t.Fatal(err)
	}

	var out lockedBuffer
	broker := idle.NewBroker()
	provider := worker.NewCLIProvider(script, t.TempDir(), nil)
	provider.OnIdle = workerIdleHook(provider, broker, logger.NewConsoleLogger(&out, "info"))

	ctx := context.Background()
	id, err := provider.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := provider.PromptAsync(ctx, id, "implement T-1"); err != nil {
		t.Fatal(err)
	}
	if res := broker.WaitForIdle(ctx, id, 0, 5*time.Second); !res.OK {
		t.Fatalf("no idle signal after failed prompt: %+v", res)
	}

	logged := out.String()
	if !strings.Contains(logged, "worker prompt on session "+id+" failed") {
		t.Errorf("expected failed prompt warning, got:\n%s", logged)
	}
	if !strings.Contains(logged, "quota exhausted") {
		t.Errorf("expected worker output in warning, got:\n%s", logged)
	}
}
