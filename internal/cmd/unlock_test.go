package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/taskloop/internal/config"
	"github.com/harrison/taskloop/internal/models"
	"github.com/harrison/taskloop/internal/runlock"
)

func writeLock(t *testing.T, root string, record any) string {
	t.Helper()
	path := config.PathsFor(root).Lock
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create state dir: %v", err)
	}
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write lock: %v", err)
	}
	return path
}

func TestUnlockNoLock(t *testing.T) {
	var out bytes.Buffer
	if err := unlock(&out, t.TempDir(), false); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if !strings.Contains(out.String(), "No run lock present.") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestUnlockRemovesStaleLock(t *testing.T) {
	root := t.TempDir()
	pid := os.Getpid()
	old := time.Now().Add(-7 * time.Hour).UTC()
	path := writeLock(t, root, models.RunLock{OwnerPID: &pid, AcquiredAt: old, HeartbeatAt: old, ControllerID: "old"})

	var out bytes.Buffer
	if err := unlock(&out, root, false); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if !strings.Contains(out.String(), "Removed run lock") {
		t.Errorf("unexpected output: %s", out.String())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file should be gone, stat err = %v", err)
	}
}

func TestUnlockRemovesLegacyLock(t *testing.T) {
	root := t.TempDir()
	path := writeLock(t, root, map[string]any{"startedAt": time.Now().UTC()})

	var out bytes.Buffer
	if err := unlock(&out, root, false); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("legacy lock should be removed, stat err = %v", err)
	}
}

func TestUnlockRefusesLiveLock(t *testing.T) {
	root := t.TempDir()
	lock := runlock.NewManager(runlock.Config{Path: config.PathsFor(root).Lock}, nil)
	if _, err := lock.Acquire("live"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	var out bytes.Buffer
	err := unlock(&out, root, false)
	if err == nil {
		t.Fatal("expected unlock of a live lock to be refused")
	}
	if ExitCode(err) != ExitLocked {
		t.Errorf("ExitCode() = %d, want %d", ExitCode(err), ExitLocked)
	}
	if !strings.Contains(err.Error(), "--force") {
		t.Errorf("error should suggest --force, got: %v", err)
	}

	if err := unlock(&out, root, true); err != nil {
		t.Fatalf("forced unlock failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be gone after --force, stat err = %v", err)
	}
}
