package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.TasksFile != "tasks.yaml" {
		t.Errorf("TasksFile = %q, want %q", cfg.TasksFile, "tasks.yaml")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Lock.StaleAfter != 6*time.Hour {
		t.Errorf("Lock.StaleAfter = %v, want 6h", cfg.Lock.StaleAfter)
	}
	if cfg.Gates.MaxNoProgressStreak != 3 {
		t.Errorf("Gates.MaxNoProgressStreak = %d, want 3", cfg.Gates.MaxNoProgressStreak)
	}
	if !cfg.History.Enabled {
		t.Error("History.Enabled = false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

// TestLoadConfigValidFile tests loading a valid YAML config file
func TestLoadConfigValidFile(t *testing.T) {
	path := writeConfig(t, `tasks_file: plan/tasks.yaml
log_level: debug
max_repair_attempts: 4
lock:
  heartbeat_interval: 10s
worker:
  command: my-agent
  args: ["--quiet"]
  idle_timeout: 45m
gates:
  max_no_progress_streak: 5
  scaffold_command: npm install
  scaffold_patterns: ["cannot find module"]
semantic:
  judge_transport_retries: 1
judge:
  timeout: 2m
ui:
  command: ui-check {task_id}
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.TasksFile != "plan/tasks.yaml" {
		t.Errorf("TasksFile = %q", cfg.TasksFile)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.MaxRepairAttempts != 4 {
		t.Errorf("MaxRepairAttempts = %d, want 4", cfg.MaxRepairAttempts)
	}
	if cfg.Lock.HeartbeatInterval != 10*time.Second {
		t.Errorf("Lock.HeartbeatInterval = %v, want 10s", cfg.Lock.HeartbeatInterval)
	}
	if cfg.Lock.StaleAfter != 6*time.Hour {
		t.Errorf("Lock.StaleAfter = %v, want default 6h", cfg.Lock.StaleAfter)
	}
	if cfg.Worker.Command != "my-agent" || len(cfg.Worker.Args) != 1 || cfg.Worker.Args[0] != "--quiet" {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Worker.IdleTimeout != 45*time.Minute {
		t.Errorf("Worker.IdleTimeout = %v, want 45m", cfg.Worker.IdleTimeout)
	}
	if cfg.Worker.DispatchTimeout != 60*time.Second {
		t.Errorf("Worker.DispatchTimeout = %v, want default 60s", cfg.Worker.DispatchTimeout)
	}
	if cfg.Gates.MaxNoProgressStreak != 5 {
		t.Errorf("Gates.MaxNoProgressStreak = %d, want 5", cfg.Gates.MaxNoProgressStreak)
	}
	if cfg.Gates.ScaffoldCommand != "npm install" || len(cfg.Gates.ScaffoldPatterns) != 1 {
		t.Errorf("Gates scaffold = %q %v", cfg.Gates.ScaffoldCommand, cfg.Gates.ScaffoldPatterns)
	}
	if cfg.Semantic.JudgeTransportRetries != 1 {
		t.Errorf("Semantic.JudgeTransportRetries = %d, want 1", cfg.Semantic.JudgeTransportRetries)
	}
	if cfg.Semantic.MaxRepeatedFailures != 3 {
		t.Errorf("Semantic.MaxRepeatedFailures = %d, want default 3", cfg.Semantic.MaxRepeatedFailures)
	}
	if cfg.Judge.Timeout != 2*time.Minute {
		t.Errorf("Judge.Timeout = %v, want 2m", cfg.Judge.Timeout)
	}
	if cfg.UI.Command != "ui-check {task_id}" {
		t.Errorf("UI.Command = %q", cfg.UI.Command)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

// TestLoadConfigExplicitFalse tests that a boolean set to false overrides a true default
func TestLoadConfigExplicitFalse(t *testing.T) {
	path := writeConfig(t, "history:\n  enabled: false\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.History.Enabled {
		t.Error("History.Enabled = true, want false")
	}
	if cfg.History.DBPath == "" {
		t.Error("History.DBPath lost its default")
	}
}

// TestLoadConfigFileNotExists tests fallback to defaults when file doesn't exist
func TestLoadConfigFileNotExists(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig() should not error on missing file, got: %v", err)
	}
	if cfg.TasksFile != "tasks.yaml" {
		t.Errorf("TasksFile = %q, want default", cfg.TasksFile)
	}
}

// TestLoadConfigInvalid tests malformed files and durations
func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"malformed yaml", "log_level: [unclosed", "failed to parse config file"},
		{"bad duration", "worker:\n  idle_timeout: forever\n", "invalid worker.idle_timeout format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("LoadConfig() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadConfig() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

// TestLoadConfigFromDir tests the .taskloop/config.yaml location
func TestLoadConfigFromDir(t *testing.T) {
	root := t.TempDir()
	dir, err := EnsureStateDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromDir(root)
	if err != nil {
		t.Fatalf("LoadConfigFromDir() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

// TestMergeWithFlags tests that set flags override and nil flags keep config values
func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()
	tasks := "other.yaml"
	attempts := 2

	cfg.MergeWithFlags(&tasks, nil, &attempts)

	if cfg.TasksFile != "other.yaml" {
		t.Errorf("TasksFile = %q, want other.yaml", cfg.TasksFile)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want unchanged info", cfg.LogLevel)
	}
	if cfg.MaxRepairAttempts != 2 {
		t.Errorf("MaxRepairAttempts = %d, want 2", cfg.MaxRepairAttempts)
	}
}

// TestValidate tests each rejected setting
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"empty tasks file", func(c *Config) { c.TasksFile = "" }, "tasks_file"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "invalid log_level"},
		{"negative repair attempts", func(c *Config) { c.MaxRepairAttempts = -1 }, "max_repair_attempts"},
		{"heartbeat not shorter than stale", func(c *Config) { c.Lock.HeartbeatInterval = 7 * time.Hour }, "lock.heartbeat_interval"},
		{"empty worker command", func(c *Config) { c.Worker.Command = "" }, "worker.command"},
		{"negative streak", func(c *Config) { c.Gates.MaxNoProgressStreak = -1 }, "max_no_progress_streak"},
		{"empty judge command", func(c *Config) { c.Judge.Command = "" }, "judge.command"},
		{"history without path", func(c *Config) { c.History.DBPath = "" }, "history.db_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
