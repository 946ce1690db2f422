// Package filelock provides advisory file locking and crash-safe write
// primitives for files shared between taskloop processes.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrExists is returned by CreateExclusive when the target already exists.
var ErrExists = errors.New("file already exists")

// lockRetryDelay is the polling interval used by LockContext.
const lockRetryDelay = 25 * time.Millisecond

// FileLock wraps a flock advisory lock on a sidecar file.
type FileLock struct {
	flock *flock.Flock
	path  string
}

// NewFileLock creates a new file lock for the given path.
// The lock file is created on first use; its parent directory must exist.
func NewFileLock(path string) *FileLock {
	return &FileLock{
		flock: flock.New(path),
		path:  path,
	}
}

// Path returns the path of the lock file.
func (fl *FileLock) Path() string {
	return fl.path
}

// Lock acquires an exclusive lock, blocking until it is available.
func (fl *FileLock) Lock() error {
	if err := fl.flock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", fl.path, err)
	}
	return nil
}

// LockContext acquires an exclusive lock, giving up when ctx is done.
func (fl *FileLock) LockContext(ctx context.Context) error {
	ok, err := fl.flock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", fl.path, err)
	}
	if !ok {
		return fmt.Errorf("failed to acquire lock on %s: %w", fl.path, context.Canceled)
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking.
// Returns false if the lock is held by another process.
func (fl *FileLock) TryLock() (bool, error) {
	acquired, err := fl.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to try lock on %s: %w", fl.path, err)
	}
	return acquired, nil
}

// Unlock releases the lock.
func (fl *FileLock) Unlock() error {
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", fl.path, err)
	}
	return nil
}

// AtomicWrite writes data to path using a temp file and rename, so readers
// observe either the old or the new content and never a partial write.
func AtomicWrite(path string, data []byte) error {
	tempPath, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}

// CreateExclusive creates path with data only if it does not exist yet.
// The content is fully written before it becomes visible: the temp file is
// hard-linked into place, and link(2) fails atomically when path exists.
func CreateExclusive(path string, data []byte) error {
	tempPath, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	defer os.Remove(tempPath)

	if err := os.Link(tempPath, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("failed to link %s: %w", path, err)
	}
	return nil
}

// LockAndWrite atomically writes path while holding "<path>.lock".
func LockAndWrite(path string, data []byte) error {
	lock := NewFileLock(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	return AtomicWrite(path, data)
}

// writeTemp writes data to a synced temp file next to path and returns its name.
func writeTemp(path string, data []byte) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	fail := func(format string, err error) (string, error) {
		tempFile.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf(format, err)
	}

	if _, err := tempFile.Write(data); err != nil {
		return fail("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fail("failed to sync temp file: %w", err)
	}
	if err := tempFile.Chmod(0644); err != nil {
		return fail("failed to set permissions: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return tempPath, nil
}
