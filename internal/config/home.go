package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDirName is the per-project directory holding the lock, run state,
// config and history.
const StateDirName = ".taskloop"

// RootEnv overrides project root discovery.
const RootEnv = "TASKLOOP_ROOT"

// Paths are the well-known files under a project root.
type Paths struct {
	Root     string
	StateDir string
	Lock     string
	State    string
	Config   string
}

// PathsFor returns the paths for root. Nothing is created.
func PathsFor(root string) Paths {
	dir := filepath.Join(root, StateDirName)
	return Paths{
		Root:     root,
		StateDir: dir,
		Lock:     filepath.Join(dir, "run.lock"),
		State:    filepath.Join(dir, "state.json"),
		Config:   filepath.Join(dir, "config.yaml"),
	}
}

// FindRoot returns the project root
// Priority order:
//  1. TASKLOOP_ROOT environment variable (if set)
//  2. Nearest ancestor of start containing a .taskloop directory
//  3. start itself (fallback)
func FindRoot(start string) (string, error) {
	if root := os.Getenv(RootEnv); root != "" {
		return filepath.Abs(root)
	}

	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}

	current := abs
	for {
		if info, err := os.Stat(filepath.Join(current, StateDirName)); err == nil && info.IsDir() {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return abs, nil
}

// EnsureStateDir creates the .taskloop directory under root.
func EnsureStateDir(root string) (string, error) {
	dir := PathsFor(root).StateDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return dir, nil
}

// Resolve returns p unchanged when absolute, otherwise joined to root.
func Resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
