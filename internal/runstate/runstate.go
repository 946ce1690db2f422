// Package runstate persists the process-wide run status so an operator, or
// the next controller, can see what the last run was doing.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/harrison/taskloop/internal/filelock"
	"github.com/harrison/taskloop/internal/models"
)

// Store reads and writes the run-state file.
type Store struct {
	path  string
	clock func() time.Time
}

// New returns a store for the file at path.
func New(path string) *Store {
	return &Store{path: path, clock: time.Now}
}

// Path returns the run-state file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted state. A missing file is reported as a NONE
// state rather than an error.
func (s *Store) Load() (models.RunState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.RunState{Status: models.RunNone, Phase: models.PhaseIdle}, nil
	}
	if err != nil {
		return models.RunState{}, fmt.Errorf("failed to read run state: %w", err)
	}
	var st models.RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return models.RunState{}, fmt.Errorf("failed to parse run state %s: %w", s.path, err)
	}
	if st.Status == "" {
		st.Status = models.RunNone
	}
	return st, nil
}

// Save stamps UpdatedAt and writes st atomically.
func (s *Store) Save(st models.RunState) error {
	st.UpdatedAt = s.clock().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}
	if err := filelock.AtomicWrite(s.path, append(data, '\n')); err != nil {
		return &models.CodedError{Code: models.ReasonStateWriteFailed, Err: err}
	}
	return nil
}

// Interrupted reports whether st describes a run that another controller
// left in progress, i.e. that process exited without finalizing.
func Interrupted(st models.RunState, controllerID string) bool {
	return st.Status == models.RunDoing && st.ControllerID != controllerID
}
