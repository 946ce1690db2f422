// Package runlock implements the cross-process run lock that guarantees a
// single active run per working root.
//
// The lock is a JSON record ({ownerPid, acquiredAt, heartbeatAt,
// controllerId}) created exclusively at a fixed path. A record is stale, and
// may be reclaimed, when its owner process is gone or its heartbeat is older
// than the staleness threshold. Every read-modify-write of the record runs
// under an advisory flock on "<path>.guard" so two reclaimers cannot both
// delete and recreate the record.
package runlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harrison/taskloop/internal/filelock"
	"github.com/harrison/taskloop/internal/models"
)

// DefaultStaleAfter is the heartbeat age after which a lock is reclaimable.
const DefaultStaleAfter = 6 * time.Hour

var (
	// ErrLockLost means the on-disk lock no longer belongs to this manager.
	ErrLockLost = errors.New("run lock lost")
	// ErrNotHeld means Heartbeat was called before a successful Acquire.
	ErrNotHeld = errors.New("run lock not held")
)

// DeniedError is returned by Acquire when another live run holds the lock.
type DeniedError struct {
	Existing models.RunLock
	Reason   string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("another run is active (pid %d, controller %q, heartbeat %s): %s",
		e.Existing.PID(), e.Existing.ControllerID, e.Existing.HeartbeatAt.Format(time.RFC3339), e.Reason)
}

// ReleaseOutcome reports what Release did with the lock file.
type ReleaseOutcome string

// Release outcomes.
const (
	ReleaseReleased ReleaseOutcome = "released"
	ReleaseNotFound ReleaseOutcome = "not-found"
	ReleaseNotOwner ReleaseOutcome = "not-owner"
)

// Logger receives lock lifecycle messages. It may be nil.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// Config configures a Manager.
type Config struct {
	Path       string
	StaleAfter time.Duration
}

// heldHere records, per lock path, the controller id that a Manager in this
// process currently holds. A record naming this process's pid is only live
// when it matches an entry here.
var heldHere = struct {
	sync.Mutex
	byPath map[string]string
}{byPath: make(map[string]string)}

func lockKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func markHeld(path, controllerID string) {
	heldHere.Lock()
	heldHere.byPath[lockKey(path)] = controllerID
	heldHere.Unlock()
}

func clearHeld(path, controllerID string) {
	heldHere.Lock()
	key := lockKey(path)
	if heldHere.byPath[key] == controllerID {
		delete(heldHere.byPath, key)
	}
	heldHere.Unlock()
}

func isHeldHere(path, controllerID string) bool {
	heldHere.Lock()
	defer heldHere.Unlock()
	id, ok := heldHere.byPath[lockKey(path)]
	return ok && id == controllerID
}

// Manager acquires, renews and releases the run lock for one process.
type Manager struct {
	path       string
	guard      *filelock.FileLock
	staleAfter time.Duration
	logger     Logger

	// guardMu serializes guard use within the process; flock is not
	// exclusive between goroutines sharing one handle.
	guardMu sync.Mutex

	pid      int
	clock    func() time.Time
	pidAlive func(pid int) bool

	mu   sync.Mutex
	held *models.RunLock
}

// NewManager creates a Manager for the lock file at cfg.Path.
func NewManager(cfg Config, logger Logger) *Manager {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{
		path:       cfg.Path,
		guard:      filelock.NewFileLock(cfg.Path + ".guard"),
		staleAfter: staleAfter,
		logger:     logger,
		pid:        os.Getpid(),
		clock:      time.Now,
		pidAlive:   processAlive,
	}
}

// Path returns the lock file path.
func (m *Manager) Path() string {
	return m.path
}

// Held returns a copy of the lock record owned by this manager, if any.
func (m *Manager) Held() (models.RunLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return models.RunLock{}, false
	}
	return *m.held, true
}

// Acquire creates the lock record for this process. A stale record is
// removed and creation retried once; a live record yields *DeniedError.
func (m *Manager) Acquire(controllerID string) (models.RunLock, error) {
	unlock, err := m.lockGuard()
	if err != nil {
		return models.RunLock{}, err
	}
	defer unlock()

	var denied *DeniedError
	for attempt := 0; attempt < 2; attempt++ {
		now := m.clock().UTC()
		pid := m.pid
		record := models.RunLock{
			OwnerPID:     &pid,
			AcquiredAt:   now,
			HeartbeatAt:  now,
			ControllerID: controllerID,
		}
		data, err := encode(record)
		if err != nil {
			return models.RunLock{}, err
		}

		err = filelock.CreateExclusive(m.path, data)
		if err == nil {
			m.mu.Lock()
			m.held = &record
			m.mu.Unlock()
			markHeld(m.path, controllerID)
			m.logInfo(fmt.Sprintf("run lock acquired at %s (pid %d, controller %s)", m.path, pid, controllerID))
			return record, nil
		}
		if !errors.Is(err, filelock.ErrExists) {
			return models.RunLock{}, fmt.Errorf("create run lock: %w", err)
		}

		existing, modTime, legacy, err := m.readRecord()
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return models.RunLock{}, err
		}
		if legacy {
			if err := m.migrateLegacy(); err != nil {
				return models.RunLock{}, err
			}
			continue
		}

		stale, reason := m.staleness(existing, modTime)
		if !stale {
			return models.RunLock{}, &DeniedError{Existing: existing, Reason: reason}
		}
		denied = &DeniedError{Existing: existing, Reason: "lock still present after reclaim: " + reason}
		if attempt > 0 {
			break
		}
		m.logWarn(fmt.Sprintf("reclaiming stale run lock %s: %s", m.path, reason))
		if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return models.RunLock{}, fmt.Errorf("remove stale run lock: %w", err)
		}
	}

	if denied == nil {
		denied = &DeniedError{Reason: "lock contended during acquisition"}
	}
	return models.RunLock{}, denied
}

// Heartbeat rewrites heartbeatAt if, and only if, this manager is still the
// recorded owner. Any ownership mismatch returns ErrLockLost.
func (m *Manager) Heartbeat() error {
	m.mu.Lock()
	held := m.held
	m.mu.Unlock()
	if held == nil {
		return ErrNotHeld
	}

	unlock, err := m.lockGuard()
	if err != nil {
		return err
	}
	defer unlock()

	existing, _, legacy, err := m.readRecord()
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: lock file %s is gone", ErrLockLost, m.path)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockLost, err)
	}
	if legacy || existing.PID() != m.pid || existing.ControllerID != held.ControllerID {
		clearHeld(m.path, held.ControllerID)
		return fmt.Errorf("%w: lock now owned by pid %d controller %q", ErrLockLost, existing.PID(), existing.ControllerID)
	}

	existing.HeartbeatAt = m.clock().UTC()
	data, err := encode(existing)
	if err != nil {
		return err
	}
	if err := filelock.AtomicWrite(m.path, data); err != nil {
		return fmt.Errorf("%w: %v", ErrLockLost, err)
	}

	m.mu.Lock()
	m.held = &existing
	m.mu.Unlock()
	return nil
}

// KeepAlive renews the heartbeat every interval until ctx is done. It
// returns an error wrapping ErrLockLost the first time renewal fails.
func (m *Manager) KeepAlive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Heartbeat(); err != nil {
				if !errors.Is(err, ErrLockLost) {
					err = fmt.Errorf("%w: %v", ErrLockLost, err)
				}
				return err
			}
		}
	}
}

// Release removes the lock file when this manager owns it.
func (m *Manager) Release() (ReleaseOutcome, error) {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()
	if held != nil {
		clearHeld(m.path, held.ControllerID)
	}

	unlock, err := m.lockGuard()
	if err != nil {
		return "", err
	}
	defer unlock()

	existing, _, legacy, err := m.readRecord()
	if errors.Is(err, os.ErrNotExist) {
		return ReleaseNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if held == nil || legacy || existing.PID() != m.pid || existing.ControllerID != held.ControllerID {
		return ReleaseNotOwner, nil
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove run lock: %w", err)
	}
	m.logInfo(fmt.Sprintf("run lock released at %s", m.path))
	return ReleaseReleased, nil
}

// Status describes the current on-disk lock for status tooling.
type Status struct {
	Present bool
	Lock    models.RunLock
	Legacy  bool
	Stale   bool
	Reason  string
}

// Inspect reads the lock file without modifying it.
func (m *Manager) Inspect() (Status, error) {
	existing, modTime, legacy, err := m.readRecord()
	if errors.Is(err, os.ErrNotExist) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	if legacy {
		return Status{Present: true, Legacy: true, Stale: true, Reason: "legacy lock without owner"}, nil
	}
	stale, reason := m.staleness(existing, modTime)
	return Status{Present: true, Lock: existing, Stale: stale, Reason: reason}, nil
}

// ForceRemove deletes the lock file regardless of its owner.
func (m *Manager) ForceRemove() (bool, error) {
	unlock, err := m.lockGuard()
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := os.Remove(m.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove run lock: %w", err)
	}
	return true, nil
}

// staleness decides whether an existing record can be reclaimed.
func (m *Manager) staleness(existing models.RunLock, modTime time.Time) (bool, string) {
	pid := existing.PID()
	if pid == m.pid && !isHeldHere(m.path, existing.ControllerID) {
		return true, fmt.Sprintf("owner pid %d is this process but no run in it holds controller %q", pid, existing.ControllerID)
	}
	if pid > 0 && !m.pidAlive(pid) {
		return true, fmt.Sprintf("owner pid %d is not running", pid)
	}

	lastBeat := existing.HeartbeatAt
	if lastBeat.IsZero() {
		lastBeat = modTime
	}
	age := m.clock().Sub(lastBeat)
	if age > m.staleAfter {
		return true, fmt.Sprintf("heartbeat is %s old (threshold %s)", age.Round(time.Second), m.staleAfter)
	}
	return false, fmt.Sprintf("owner pid %d is alive, heartbeat %s ago", pid, age.Round(time.Second))
}

// migrateLegacy removes a lock file written in the old owner-less format.
// Such records cannot be attributed to any process, so they never block.
func (m *Manager) migrateLegacy() error {
	m.logWarn(fmt.Sprintf("removing legacy run lock %s (no owner recorded)", m.path))
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove legacy run lock: %w", err)
	}
	return nil
}

// readRecord reads and decodes the lock file. legacy is true when the file
// has no owner pid or cannot be decoded at all.
func (m *Manager) readRecord() (record models.RunLock, modTime time.Time, legacy bool, err error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return record, modTime, false, err
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return record, modTime, false, err
	}
	modTime = info.ModTime()
	if err := json.Unmarshal(data, &record); err != nil {
		return models.RunLock{}, modTime, true, nil
	}
	return record, modTime, record.OwnerPID == nil, nil
}

func (m *Manager) lockGuard() (func(), error) {
	if err := os.MkdirAll(dirOf(m.path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	m.guardMu.Lock()
	if err := m.guard.Lock(); err != nil {
		m.guardMu.Unlock()
		return nil, err
	}
	return func() {
		m.guard.Unlock()
		m.guardMu.Unlock()
	}, nil
}

func (m *Manager) logInfo(msg string) {
	if m.logger != nil {
		m.logger.LogInfo(msg)
	}
}

func (m *Manager) logWarn(msg string) {
	if m.logger != nil {
		m.logger.LogWarn(msg)
	}
}

func encode(record models.RunLock) ([]byte, error) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal run lock: %w", err)
	}
	return append(data, '\n'), nil
}
